package standard

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func errRequired(flag string) error {
	return fmt.Errorf("%s is required", flag)
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := dial(cmd)
			if err != nil {
				return err
			}
			defer api.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := api.SubscribeEvents(ctx); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-api.Done():
					return fmt.Errorf("connection to daemon lost")
				case ev := <-api.Events():
					if err := printJSON(cmd, ev); err != nil {
						return err
					}
				}
			}
		},
	}
}
