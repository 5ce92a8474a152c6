package bridge

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the device over stdio MCP so agent tooling can
// query it. Every tool goes through the same serialized command queue
// as the UI consumers.
type MCPServer struct {
	Server *server.MCPServer
}

func NewMCPServer(b *Bridge) *MCPServer {
	s := server.NewMCPServer("optogrid-bridge", "1.0.0")

	status := mcp.NewTool("device_status", mcp.WithDescription("Get the connection status of the stimulation device"))
	s.AddTool(status, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(b.Do(ctx, "optogrid.status", nil))
	})

	battery := mcp.NewTool("read_battery", mcp.WithDescription("Read the device battery voltage"))
	s.AddTool(battery, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(b.Do(ctx, "optogrid.readbattery", nil))
	})

	trigger := mcp.NewTool("trigger_stim", mcp.WithDescription("Trigger the currently programmed stimulation sequence"))
	s.AddTool(trigger, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(b.Do(ctx, "optogrid.trigger", nil))
	})

	return &MCPServer{Server: s}
}

func textResult(text string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}, nil
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
