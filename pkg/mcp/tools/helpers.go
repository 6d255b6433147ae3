package tools

import "github.com/mark3labs/mcp-go/mcp"

// getOptionalInt reads an optional numeric argument, returning def when
// absent or not a number. JSON numbers arrive as float64.
func getOptionalInt(req mcp.CallToolRequest, key string, def int) int {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return def
	}
	val, ok := args[key].(float64)
	if !ok {
		return def
	}
	return int(val)
}
