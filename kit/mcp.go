package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder extracts the typed request from MCP call arguments.
type Decoder func(*mcp.CallToolRequest) (any, error)

// JSONArgs returns a Decoder that unmarshals the call arguments into a fresh
// value produced by newReq. Empty arguments leave the zero value.
func JSONArgs(newReq func() any) Decoder {
	return func(r *mcp.CallToolRequest) (any, error) {
		req := newReq()
		if len(r.Params.Arguments) == 0 {
			return req, nil
		}
		if err := json.Unmarshal(r.Params.Arguments, req); err != nil {
			return nil, err
		}
		return req, nil
	}
}

// RegisterMCPTool registers an Endpoint as an MCP tool. Decode and endpoint
// failures are reported as tool errors, not protocol errors, so the client
// sees the message.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), decoded)
		if err != nil {
			return toolError(err), nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
