package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/ledger"
)

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history KEY",
		Short: "Show every version of an episode (KEY is user/subject/episode)",
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

			versions, err := a.svc.Ledger().History(cmd.Context(), key)
			if err != nil {
				return err
			}
			opts.ui(cmd).Records(key.String(), versions)
			return nil
		},
	}
}

func newEpisodesCmd(opts *options) *cobra.Command {
	var userID string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "episodes --user ID SUBJECT",
		Short: "List the episodes of a subject with their current versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			l := a.svc.Ledger()
			var heads []ledger.FactRecord
			if activeOnly {
				heads, err = l.ActiveHeads(cmd.Context(), userID, args[0])
			} else {
				heads, err = allHeads(cmd, l, userID, args[0])
			}
			if err != nil {
				return err
			}
			opts.ui(cmd).Records(userID+"/"+clinical.CanonicalCode(args[0]), heads)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owner of the records")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Hide superseded and retracted episodes")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func allHeads(cmd *cobra.Command, l *ledger.Ledger, userID, subject string) ([]ledger.FactRecord, error) {
	keys, err := l.Episodes(cmd.Context(), userID, subject)
	if err != nil {
		return nil, err
	}
	heads := make([]ledger.FactRecord, 0, len(keys))
	for _, k := range keys {
		h, err := l.Head(cmd.Context(), k)
		if err != nil {
			return nil, err
		}
		heads = append(heads, h)
	}
	return heads, nil
}

func newAsOfCmd(opts *options) *cobra.Command {
	var systemTime, validTime string
	cmd := &cobra.Command{
		Use:   "asof KEY",
		Short: "Show what was known about an episode at a system time and valid time",
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

			l := a.svc.Ledger()
			var rec ledger.FactRecord
			switch {
			case systemTime == "" && validTime == "":
				return fmt.Errorf("at least one of --system or --valid is required")
			case systemTime == "":
				v, err := clinical.ParseTime(validTime)
				if err != nil {
					return err
				}
				rec, err = l.AsOfValid(cmd.Context(), key, v)
				if err != nil {
					return err
				}
			default:
				t, err := clinical.ParseTime(systemTime)
				if err != nil {
					return err
				}
				if validTime == "" {
					rec, err = l.AsOfSystem(cmd.Context(), key, t)
				} else {
					var v time.Time
					if v, err = clinical.ParseTime(validTime); err != nil {
						return err
					}
					rec, err = l.AsOf(cmd.Context(), key, t, v)
				}
				if err != nil {
					return err
				}
			}
			opts.ui(cmd).Records(key.String(), []ledger.FactRecord{rec})
			return nil
		},
	}
	cmd.Flags().StringVar(&systemTime, "system", "", "Commit time to look back to")
	cmd.Flags().StringVar(&validTime, "valid", "", "Clinical time the fact must cover")
	return cmd
}
