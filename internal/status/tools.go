package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer builds an MCP server with the read-only status tools.
func NewMCPServer(provider Provider, version string) *server.MCPServer {
	s := server.NewMCPServer("buildfarm-backend", version)
	Register(s, provider, version)
	return s
}

// Register adds the status tools to s.
func Register(s *server.MCPServer, provider Provider, version string) {
	s.AddTool(
		mcp.NewTool("backend_status",
			mcp.WithDescription("Show the backend state, every build group with its workers, and the job-grabber."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap := BuildSnapshot(provider.Status(), version, time.Now())
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode status: %w", err)
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)

	s.AddTool(
		mcp.NewTool("list_workers",
			mcp.WithDescription("List the workers of one build group."),
			mcp.WithNumber("group_id", mcp.Required(), mcp.Description("Build group id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			raw, ok := args["group_id"].(float64)
			if !ok {
				return nil, fmt.Errorf("group_id is required")
			}
			groupID := int(raw)
			snap := BuildSnapshot(provider.Status(), version, time.Now())
			for _, g := range snap.Groups {
				if g.ID != groupID {
					continue
				}
				data, err := json.MarshalIndent(g, "", "  ")
				if err != nil {
					return nil, fmt.Errorf("encode group: %w", err)
				}
				return mcp.NewToolResultText(string(data)), nil
			}
			return nil, fmt.Errorf("unknown build group %d", groupID)
		},
	)
}
