package main

import (
	"context"
	"log"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type lookupParams struct {
	Package string `json:"package" jsonschema:"Package name to look up"`
}

// lookup returns a fixed changelog line so callers can assert on it
func lookup(ctx context.Context, req *mcp.CallToolRequest, params *lookupParams) (*mcp.CallToolResult, any, error) {
	if params.Package == "" {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "package is required"}},
		}, nil, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: params.Package + ": latest is 1.2.3"},
		},
	}, nil, nil
}

func main() {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "test-stdio-server",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "lookup_package",
		Description: "Look up the latest version of a package",
	}, lookup)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Printf("server failed: %v", err)
		os.Exit(1)
	}
}
