package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tenexlabs/tenex/internal/tools"
)

// BridgeTool adapts one MCP server tool into the agent tool registry. MCP
// tools are never terminal and never commutative.
type BridgeTool struct {
	server  string
	tool    mcpgo.Tool
	client  *mcpclient.Client
	timeout time.Duration
}

func newBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, timeout time.Duration) *BridgeTool {
	return &BridgeTool{server: server, tool: tool, client: client, timeout: timeout}
}

// Name namespaces the tool as mcp__<server>__<tool> so registry entries
// never collide with builtins or other servers.
func (b *BridgeTool) Name() string {
	return fmt.Sprintf("mcp__%s__%s", b.server, b.tool.Name)
}

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("Tool %s from MCP server %s", b.tool.Name, b.server)
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	params := map[string]interface{}{
		"type": "object",
	}
	if b.tool.InputSchema.Type != "" {
		params["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		params["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		params["required"] = b.tool.InputSchema.Required
	}
	return params
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult("mcp tool %s failed: %v", b.Name(), err)
	}

	text := extractText(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult("%s", text)
	}
	if text == "" {
		text = "(tool returned no text content)"
	}
	return tools.NewResult(text)
}

// extractText concatenates the text content items of a tool result.
// Non-text content is skipped.
func extractText(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, item := range result.Content {
		switch c := item.(type) {
		case mcpgo.TextContent:
			parts = append(parts, c.Text)
		case *mcpgo.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
