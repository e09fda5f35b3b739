package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	dataDir    string
	backend    string
	policyPath string
	verbose    bool
	jsonOut    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "medmem",
		Short: "Clinical memory reconciliation",
		Long: `medmem decides whether a newly extracted medication or symptom entry is a
new episode, an update to a known one, or a duplicate to merge, and keeps every
decision in a versioned, bitemporal ledger.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.dataDir, "data-dir", defaultDataDir(), "Directory holding the ledger")
	pf.StringVar(&opts.backend, "backend", "sqlite", "Storage backend (sqlite, badger)")
	pf.StringVarP(&opts.policyPath, "policy", "p", "", "Policy file (YAML or JSON); overrides the configured policy.path")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&opts.jsonOut, "json", false, "JSON output")

	root.AddCommand(
		newDecideCmd(opts),
		newRecordCmd(opts),
		newHistoryCmd(opts),
		newEpisodesCmd(opts),
		newAsOfCmd(opts),
		newRetractCmd(opts),
		newConfigCmd(opts),
		newPolicyCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("MEDMEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medmem"
	}
	return filepath.Join(home, ".medmem")
}
