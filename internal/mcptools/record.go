package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

// RecordTool handles the clinical_record MCP tool.
type RecordTool struct {
	svc *reconcile.Service
}

func NewRecordTool(svc *reconcile.Service) *RecordTool {
	return &RecordTool{svc: svc}
}

// Definition returns the MCP tool definition for clinical_record.
func (t *RecordTool) Definition() mcp.Tool {
	return mcp.NewTool("clinical_record",
		mcp.WithDescription(
			"Reconcile a clinical entry against the user's stored episodes of the same subject and commit the result "+
				"to the versioned ledger. Re-recording identical content returns the existing record.",
		),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the record")),
		mcp.WithObject("entry", mcp.Required(), mcp.Description(entryDescription)),
		mcp.WithBoolean("approximate_time", mcp.Description("Timestamps of the entry are approximate")),
		mcp.WithBoolean("high_risk", mcp.Description("Force the risk classification; omit to derive it")),
		mcp.WithNumber("tolerance_days", mcp.Description("Override the approximate-time tolerance in days")),
	)
}

// Handle processes the clinical_record tool call.
func (t *RecordTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	entry, err := entryArg(req, "entry")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.svc.Record(ctx, reconcile.RecordRequest{
		UserID:          userID,
		Entry:           entry,
		ApproximateTime: boolArg(req, "approximate_time", false),
		HighRisk:        optionalBool(req, "high_risk"),
		ToleranceDays:   numberArg(req, "tolerance_days", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record entry: %v", err)), nil
	}
	return jsonResult(res, false)
}
