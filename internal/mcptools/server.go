package mcptools

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewServer registers every clinical tool on a new MCP server.
func NewServer(svc *reconcile.Service) *server.MCPServer {
	s := server.NewMCPServer(
		"medmem",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(
			"Use clinical_record for every medication or symptom mentioned by the user. "+
				"Use clinical_decide to preview a decision without storing it.",
		),
	)

	decide := NewDecideTool(svc)
	s.AddTool(decide.Definition(), decide.Handle)

	record := NewRecordTool(svc)
	s.AddTool(record.Definition(), record.Handle)

	history := NewHistoryTool(svc.Ledger())
	s.AddTool(history.Definition(), history.Handle)

	asOf := NewAsOfTool(svc.Ledger())
	s.AddTool(asOf.Definition(), asOf.Handle)

	retract := NewRetractTool(svc)
	s.AddTool(retract.Definition(), retract.Handle)

	return s
}
