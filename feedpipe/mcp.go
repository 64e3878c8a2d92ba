package feedpipe

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/feedpipe/kit"
)

// RegisterMCP registers the read-only feedpipe tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "feedpipe_list_feeds",
		Description: "List the feeds under the feedpipe data directory",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, s.listFeedsEndpoint(), kit.JSONArgs(func() any { return &listFeedsRequest{} }))

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "feedpipe_feed_status",
		Description: "Report acquired, extracted and loaded counts and the table row count (-1 when unknown) of one feed, or of all feeds when feed is empty",
		InputSchema: inputSchema(map[string]any{
			"feed": map[string]any{"type": "string", "description": "Feed name; empty for all feeds"},
		}, nil),
	}, s.feedStatusEndpoint(), kit.JSONArgs(func() any { return &feedStatusRequest{} }))
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
