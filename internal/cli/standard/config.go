package standard

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-get",
		Short: "Show current and pending VM configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, "vm.config.get", nil)
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var jsonArg string
	cmd := &cobra.Command{
		Use:   "config-set",
		Short: "Replace the full VM configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseJSONFlag("json", jsonArg)
			if err != nil {
				return err
			}
			return call(cmd, "vm.config.set", map[string]json.RawMessage{"config": raw})
		},
	}
	cmd.Flags().StringVar(&jsonArg, "json", "", "full configuration object")
	return cmd
}

func newConfigPatchCmd() *cobra.Command {
	var jsonArg string
	cmd := &cobra.Command{
		Use:   "config-patch",
		Short: "Apply a sparse patch to the VM configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseJSONFlag("json", jsonArg)
			if err != nil {
				return err
			}
			return call(cmd, "vm.config.patch", map[string]json.RawMessage{"patch": raw})
		},
	}
	cmd.Flags().StringVar(&jsonArg, "json", "", "sparse patch object")
	return cmd
}

func newDriverExecCmd() *cobra.Command {
	var method string
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "driver-exec",
		Short: "Forward a raw method to the runtime driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if method == "" {
				return &UsageError{Err: errRequired("--method")}
			}
			params := map[string]any{"method": method}
			if paramsJSON != "" {
				raw, err := parseJSONFlag("params-json", paramsJSON)
				if err != nil {
					return err
				}
				params["params"] = raw
			}
			return call(cmd, "driver.exec", params)
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "driver method name")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "JSON params for the driver method")
	return cmd
}
