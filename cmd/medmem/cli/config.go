package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage configuration stored alongside the ledger.

Known keys:
  policy.path            policy file used when --policy is not given
  risk.plugin            risk classifier plugin binary
  risk.codes             file of high-risk subject codes, one per line
  reconcile.max_retries  retries after a lost commit race (default 3)`,
	}

	configSetCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SetConfig(args[0], args[1]); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", args[0])
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			val, err := s.GetConfig(args[0])
			if err != nil {
				return err
			}
			if val == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(not set)")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), val)
			}
			return nil
		},
	}

	configCmd.AddCommand(configSetCmd, configGetCmd)
	return configCmd
}
