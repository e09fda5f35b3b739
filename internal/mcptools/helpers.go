// Package mcptools exposes the reconciliation service as MCP tools.
//
// Each tool is a struct holding its dependencies, with Definition()
// returning the mcp.Tool schema and Handle() serving the call. Domain
// failures are reported as tool errors, never as protocol errors.
package mcptools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/ledger"
)

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// optionalBool distinguishes an absent flag from an explicit false.
func optionalBool(req mcp.CallToolRequest, key string) *bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// numberArg extracts a number argument (JSON numbers are float64).
func numberArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// entryArg decodes an entry given either as an object or as a JSON string.
func entryArg(req mcp.CallToolRequest, key string) (clinical.Entry, error) {
	var e clinical.Entry
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return e, fmt.Errorf("'%s' is required", key)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return e, fmt.Errorf("invalid '%s': %w", key, err)
		}
		data = b
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("invalid '%s': %w", key, err)
	}
	return e, nil
}

func keyArg(req mcp.CallToolRequest) (ledger.EntityKey, error) {
	s := req.GetString("key", "")
	if s == "" {
		return ledger.EntityKey{}, fmt.Errorf("'key' is required")
	}
	return ledger.ParseKey(s)
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	if isError {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

var entryDescription = "Clinical entry: {domain, subject_code, dose, frequency, route, severity, body_site, " +
	"extra, interval_start, interval_end, provenance}. Dates are YYYY-MM-DD or RFC3339; omit interval_end for ongoing."
