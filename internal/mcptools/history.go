package mcptools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/ledger"
)

// HistoryTool handles the clinical_history MCP tool.
type HistoryTool struct {
	ledger *ledger.Ledger
}

func NewHistoryTool(l *ledger.Ledger) *HistoryTool {
	return &HistoryTool{ledger: l}
}

// Definition returns the MCP tool definition for clinical_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("clinical_history",
		mcp.WithDescription(
			"Show the version history of one episode (key), or list the episodes of a user's subject (user_id + subject_code).",
		),
		mcp.WithString("key", mcp.Description("Episode key user/subject/episode")),
		mcp.WithString("user_id", mcp.Description("Owner, when listing episodes")),
		mcp.WithString("subject_code", mcp.Description("Subject code, when listing episodes")),
	)
}

// Handle processes the clinical_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req.GetString("key", "") != "" {
		key, err := keyArg(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		versions, err := t.ledger.History(ctx, key)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
		}
		return jsonResult(versions, false)
	}

	userID := req.GetString("user_id", "")
	subject := req.GetString("subject_code", "")
	if userID == "" || subject == "" {
		return mcp.NewToolResultError("either 'key' or both 'user_id' and 'subject_code' are required"), nil
	}
	keys, err := t.ledger.Episodes(ctx, userID, subject)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list episodes: %v", err)), nil
	}
	heads := make([]ledger.FactRecord, 0, len(keys))
	for _, k := range keys {
		h, err := t.ledger.Head(ctx, k)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read %s: %v", k, err)), nil
		}
		heads = append(heads, h)
	}
	return jsonResult(heads, false)
}

// AsOfTool handles the clinical_asof MCP tool.
type AsOfTool struct {
	ledger *ledger.Ledger
}

func NewAsOfTool(l *ledger.Ledger) *AsOfTool {
	return &AsOfTool{ledger: l}
}

// Definition returns the MCP tool definition for clinical_asof.
func (t *AsOfTool) Definition() mcp.Tool {
	return mcp.NewTool("clinical_asof",
		mcp.WithDescription(
			"Bitemporal lookup of an episode: what the ledger believed at system_time, optionally restricted to facts valid at valid_time.",
		),
		mcp.WithString("key", mcp.Required(), mcp.Description("Episode key user/subject/episode")),
		mcp.WithString("system_time", mcp.Description("Commit time to look back to (default: now)")),
		mcp.WithString("valid_time", mcp.Description("Clinical time the fact must cover")),
	)
}

// Handle processes the clinical_asof tool call.
func (t *AsOfTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := keyArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	system := time.Now().UTC()
	if s := req.GetString("system_time", ""); s != "" {
		if system, err = clinical.ParseTime(s); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid 'system_time': %v", err)), nil
		}
	}

	var rec ledger.FactRecord
	if s := req.GetString("valid_time", ""); s != "" {
		valid, perr := clinical.ParseTime(s)
		if perr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid 'valid_time': %v", perr)), nil
		}
		rec, err = t.ledger.AsOf(ctx, key, system, valid)
	} else {
		rec, err = t.ledger.AsOfSystem(ctx, key, system)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec, false)
}
