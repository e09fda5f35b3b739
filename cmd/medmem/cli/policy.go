package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/policy"
)

func newPolicyCmd(opts *options) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate decision policies",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			t, err := opts.loadPolicy(s)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(t)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init FILE",
		Short: "Write the built-in policy to FILE for editing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := policy.Save(policy.Default(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy written: %s\n", args[0])
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range t.Validate().Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "Policy %s is valid (%s)\n", t.Version, strings.Join(domains(t), ", "))
			return nil
		},
	}

	policyCmd.AddCommand(showCmd, initCmd, validateCmd)
	return policyCmd
}

func domains(t *policy.Table) []string {
	var out []string
	for _, d := range []clinical.Domain{clinical.Medication, clinical.Symptom} {
		if _, ok := t.Domains[d]; ok {
			out = append(out, string(d))
		}
	}
	return out
}
