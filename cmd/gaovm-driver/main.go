package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gaovm/gaovm/internal/driver"
	"github.com/gaovm/gaovm/internal/shared/logging"
)

func main() {
	// The auth token travels exclusively through the environment so it
	// never shows up in process listings.
	for _, arg := range os.Args[1:] {
		if arg == "--auth-token" || strings.HasPrefix(arg, "--auth-token=") {
			fmt.Fprintln(os.Stderr, "gaovm-driver: the auth token must come from the AUTH_TOKEN environment variable")
			os.Exit(2)
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gaovm-driver: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:           "gaovm-driver",
		Short:         "gaovm runtime driver",
		Long:          "gaovm-driver serves the daemon's control socket and drives the host hypervisor.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New("gaovm-driver")
			if logPath := os.Getenv("DRIVER_LOG_PATH"); logPath != "" {
				sink, err := logging.NewRotatingWriter(logPath)
				if err != nil {
					return err
				}
				defer sink.Close()
				logger = logging.NewWithSink("gaovm-driver", sink, false)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return driver.Run(ctx, driver.Options{
				SocketPath: socketPath,
				AuthToken:  os.Getenv("AUTH_TOKEN"),
				Logger:     logger,
			})
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket-path", "", "control socket path")
	_ = cmd.MarkFlagRequired("socket-path")
	return cmd
}
