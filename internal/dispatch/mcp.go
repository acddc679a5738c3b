package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolCaller is the slice of the MCP client used by the dispatcher.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPDispatcher delivers step actions to an agent exposed as an MCP tool
// server. The tool name is "<service>.<action>" and the interpolated
// parameters become the tool arguments, with run and step identifiers passed
// alongside for correlation.
type MCPDispatcher struct {
	caller ToolCaller
}

// NewMCPDispatcher wraps an initialized MCP client.
func NewMCPDispatcher(caller ToolCaller) *MCPDispatcher {
	return &MCPDispatcher{caller: caller}
}

// NewStdioMCPDispatcher spawns an MCP tool server subprocess over stdio,
// initializes the session, and returns a dispatcher bound to it.
func NewStdioMCPDispatcher(ctx context.Context, command string, env []string, args ...string) (*MCPDispatcher, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start MCP agent %q: %w", command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "opsflow",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize MCP agent %q: %w", command, err)
	}

	return &MCPDispatcher{caller: c}, nil
}

// Name returns the dispatcher identifier.
func (d *MCPDispatcher) Name() string { return "mcp" }

// Dispatch calls the agent tool and decodes its text content as the result
// object. A tool-level error is permanent; transport failures are retryable.
func (d *MCPDispatcher) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	args := make(map[string]any, len(req.Parameters)+2)
	for k, v := range req.Parameters {
		args[k] = v
	}
	args["run_id"] = req.RunID
	args["step_id"] = req.StepID

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = req.Service + "." + req.Action
	callReq.Params.Arguments = args

	result, err := d.caller.CallTool(ctx, callReq)
	if err != nil {
		return nil, RetryableError(req, fmt.Sprintf("MCP call failed: %v", err), err)
	}

	text := collectText(result)
	if result.IsError {
		return nil, PermanentError(req, fmt.Sprintf("agent tool error: %s", text), nil)
	}

	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Tools that answer plain text still produce a usable result.
		return map[string]any{"text": text}, nil
	}
	return out, nil
}

func collectText(result *mcp.CallToolResult) string {
	var b strings.Builder
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

var _ Dispatcher = (*MCPDispatcher)(nil)
