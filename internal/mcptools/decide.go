package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

// DecideTool handles the clinical_decide MCP tool.
type DecideTool struct {
	svc *reconcile.Service
}

func NewDecideTool(svc *reconcile.Service) *DecideTool {
	return &DecideTool{svc: svc}
}

// Definition returns the MCP tool definition for clinical_decide.
func (t *DecideTool) Definition() mcp.Tool {
	return mcp.NewTool("clinical_decide",
		mcp.WithDescription(
			"Decide whether a new clinical entry should be appended as a new episode, update the current episode, "+
				"or be merged with it. Read-only: nothing is stored.",
		),
		mcp.WithObject("current", mcp.Required(), mcp.Description(entryDescription)),
		mcp.WithObject("new", mcp.Required(), mcp.Description(entryDescription)),
		mcp.WithBoolean("approximate_time", mcp.Description("Timestamps of the new entry are approximate")),
		mcp.WithBoolean("high_risk", mcp.Description("Force the risk classification; omit to derive it from policy")),
		mcp.WithNumber("tolerance_days", mcp.Description("Override the approximate-time tolerance in days")),
	)
}

// Handle processes the clinical_decide tool call.
func (t *DecideTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	current, err := entryArg(req, "current")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	next, err := entryArg(req, "new")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := t.svc.Decide(ctx, reconcile.DecideRequest{
		Current:         current,
		New:             next,
		ApproximateTime: boolArg(req, "approximate_time", false),
		HighRisk:        optionalBool(req, "high_risk"),
		ToleranceDays:   numberArg(req, "tolerance_days", 0),
	})
	return jsonResult(resp, !resp.Success)
}
