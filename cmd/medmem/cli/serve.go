package cli

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/medmem/internal/mcptools"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the reconciliation tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr as JSON.
			opts.jsonOut = true
			a, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.obs.Log().Info().Str("data_dir", opts.dataDir).Str("backend", opts.backend).Msg("mcp server starting")
			return server.ServeStdio(mcptools.NewServer(a.svc))
		},
	}
}
