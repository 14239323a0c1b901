// -----------------------------------------------------------------------
// Capsuled MCP - stdio tool server proxying the query tools over HTTP
// -----------------------------------------------------------------------

package main

import (
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/services/tools"
)

func main() {
	baseURL := os.Getenv("CAPSULED_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	apiKey := os.Getenv("CAPSULED_API_KEY")

	// Minimal logging to avoid cluttering MCP stdio
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	client := newRPCClient(baseURL, apiKey, logger)

	mcpServer := server.NewMCPServer(
		"gitnexus-mv2-mcp",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Every query tool is forwarded verbatim; the capsuled instance owns
	// schemas, locator resolution and pagination.
	for _, def := range tools.Definitions() {
		tool := mcp.NewToolWithRawSchema(def.Name, def.Description, def.InputSchema)
		mcpServer.AddTool(tool, handleToolCall(client, def.Name, logger))
	}

	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
