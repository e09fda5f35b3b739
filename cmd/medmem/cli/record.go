package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

func newRecordCmd(opts *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "record --user ID FILE",
		Short: "Reconcile an entry against stored episodes and commit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := readEntry(cmd, args[0])
			if err != nil {
				return err
			}
			a, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			approximate, highRisk, tolerance := decisionFlags(cmd)
			res, err := a.svc.Record(cmd.Context(), reconcile.RecordRequest{
				UserID:          userID,
				Entry:           entry,
				ApproximateTime: approximate,
				HighRisk:        highRisk,
				ToleranceDays:   tolerance,
			})
			if err != nil {
				return err
			}
			opts.ui(cmd).Recorded(res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owner of the record")
	_ = cmd.MarkFlagRequired("user")
	addDecisionFlags(cmd)
	return cmd
}
