package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

// RetractTool handles the clinical_retract MCP tool.
type RetractTool struct {
	svc *reconcile.Service
}

func NewRetractTool(svc *reconcile.Service) *RetractTool {
	return &RetractTool{svc: svc}
}

// Definition returns the MCP tool definition for clinical_retract.
func (t *RetractTool) Definition() mcp.Tool {
	return mcp.NewTool("clinical_retract",
		mcp.WithDescription("Retract the current version of an episode. History is kept for audit."),
		mcp.WithString("key", mcp.Required(), mcp.Description("Episode key user/subject/episode")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the episode is retracted")),
	)
}

// Handle processes the clinical_retract tool call.
func (t *RetractTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := keyArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("'reason' is required"), nil
	}
	rec, err := t.svc.Retract(ctx, key, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to retract: %v", err)), nil
	}
	return jsonResult(rec, false)
}
