package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

func newDecideCmd(opts *options) *cobra.Command {
	var currentPath, newPath string
	cmd := &cobra.Command{
		Use:   "decide --current FILE --new FILE",
		Short: "Classify a new entry against a current one without storing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := readEntry(cmd, currentPath)
			if err != nil {
				return err
			}
			next, err := readEntry(cmd, newPath)
			if err != nil {
				return err
			}

			a, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			approximate, highRisk, tolerance := decisionFlags(cmd)
			resp := a.svc.Decide(cmd.Context(), reconcile.DecideRequest{
				Current:         current,
				New:             next,
				ApproximateTime: approximate,
				HighRisk:        highRisk,
				ToleranceDays:   tolerance,
			})
			opts.ui(cmd).Decision(resp)
			if !resp.Success {
				return fmt.Errorf("invalid entry: %s", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&currentPath, "current", "", "Current entry (YAML or JSON file, - for stdin)")
	cmd.Flags().StringVar(&newPath, "new", "", "New entry (YAML or JSON file, - for stdin)")
	_ = cmd.MarkFlagRequired("current")
	_ = cmd.MarkFlagRequired("new")
	addDecisionFlags(cmd)
	return cmd
}
