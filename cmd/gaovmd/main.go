package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gaovm/gaovm/internal/server/app"
	"github.com/gaovm/gaovm/internal/server/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gaovmd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gaovmd",
		Short:         "gaovm control-plane daemon",
		Long:          "gaovmd owns VM desired state and supervises the runtime driver process.",
		Version:       "protocol gaovm.v1.2",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			daemon, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("socket-path", "", "client-facing socket path (default <state-dir>/run/daemon.sock)")
	cmd.Flags().String("state-dir", "~/.gaovm", "daemon state directory")
	cmd.Flags().String("driver-bin", "gaovm-driver", "runtime driver binary")
	cmd.Flags().Bool("verbose", false, "mirror logs to stderr")
	return cmd
}
