// Package standard is the Cobra command tree for the gaovm client tool.
// Output is two-space indented JSON; pretty-printing beyond indentation is left
// to the caller's tooling.
package standard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gaovm/gaovm/internal/cli/client"
	"github.com/gaovm/gaovm/internal/shared/logging"
)

// UsageError marks command-line misuse so main can exit 2 instead of 1.
type UsageError struct{ Err error }

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Execute runs the CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gaovm",
		Short:         "gaovm client",
		Long:          "gaovm talks to the local VM manager daemon over its control socket.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &UsageError{Err: fmt.Errorf("unknown command %q", args[0])}
			}
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().String("socket-path", defaultSocketPath(), "daemon control socket")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "log protocol details to stderr")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newDriverExecCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPatchCmd())
	cmd.AddCommand(newOpenDisplayCmd())
	cmd.AddCommand(newCloseDisplayCmd())
	return cmd
}

func defaultSocketPath() string {
	if env := os.Getenv("GAOVM_SOCKET_PATH"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "daemon.sock"
	}
	return filepath.Join(home, ".gaovm", "run", "daemon.sock")
}

// dial connects and handshakes using the root flags.
func dial(cmd *cobra.Command) (*client.Client, error) {
	socketPath, err := cmd.Flags().GetString("socket-path")
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	var logger *slog.Logger
	if verbose {
		logger = logging.New("gaovm")
	}
	return client.Dial(cmd.Context(), socketPath, logger)
}

// call dials, issues one request, prints the result, and closes.
func call(cmd *cobra.Command, method string, params any) error {
	api, err := dial(cmd)
	if err != nil {
		return err
	}
	defer api.Close()

	result, err := api.Call(cmd.Context(), method, params)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseJSONFlag decodes a --json style argument into a raw value.
func parseJSONFlag(flag, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, &UsageError{Err: fmt.Errorf("--%s is required", flag)}
	}
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, &UsageError{Err: fmt.Errorf("--%s is not valid JSON: %w", flag, err)}
	}
	return raw, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gaovm client (protocol gaovm.v1.2)")
		},
	}
}
