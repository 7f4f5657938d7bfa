package prompts

import (
	"context"
	_ "embed"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed discover.md
var discoverPrompt string

// AddDiscoverPrompt adds a prompt that explains how a session discovers the
// tools/resources/prompts it's admitted to, under both eager and lazy
// loading (§4.5, §4.6).
func AddDiscoverPrompt(server *mcp.Server) {
	server.AddPrompt(&mcp.Prompt{
		Name:        "mcpmux-discover",
		Description: "Learn how to discover and call tools exposed through this gateway",
	},
		func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Description: "Instructions for discovering admitted servers and tools",
				Messages: []*mcp.PromptMessage{
					{
						Role: "user",
						Content: &mcp.TextContent{
							Text: discoverPrompt,
						},
					},
				},
			}, nil
		})
}
