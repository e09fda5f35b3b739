package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/medmem/internal/ledger"
)

func newRetractCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retract KEY --reason TEXT",
		Short: "Retract the current version of an episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ledger.ParseKey(args[0])
			if err != nil {
				return err
			}
			a, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.svc.Retract(cmd.Context(), key, reason)
			if err != nil {
				return err
			}
			opts.ui(cmd).Records(key.String(), []ledger.FactRecord{rec})
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the episode is retracted")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
