// Package mcp exposes the memory operations as MCP (Model Context
// Protocol) tools over streamable HTTP.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/memory"
	"github.com/papercomputeco/recall/pkg/utils"
)

type Config struct {
	// Manager is the memory facade every tool calls into.
	Manager *memory.Manager

	// Noop for an empty MCP server with no tools configured.
	Noop bool

	// Logger is the configured zap logger
	Logger *zap.Logger
}

type Server struct {
	config    Config
	mcpServer *mcp.Server
	handler   *mcp.StreamableHTTPHandler
}

// NewServer creates a new MCP server with the memory tools.
func NewServer(c Config) (*Server, error) {
	s := &Server{
		config: c,
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "recall",
			Version: utils.Version,
		},
		&mcp.ServerOptions{},
	)

	if c.Noop {
		// return the empty MCP server with no tools configured
		// if the noop flag is set (i.e., MCP capabilities are disabled)
		s.mcpServer = mcpServer
		return s, nil
	}

	if c.Manager == nil {
		return nil, errors.New("memory manager is required")
	}
	if c.Logger == nil {
		return nil, errors.New("logger is required")
	}

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        rememberToolName,
		Description: rememberDescription,
	}, s.handleRemember)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        recallToolName,
		Description: recallDescription,
	}, s.handleRecall)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        forgetToolName,
		Description: forgetDescription,
	}, s.handleForget)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        linkToolName,
		Description: linkDescription,
	}, s.handleLink)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        amendToolName,
		Description: amendDescription,
	}, s.handleAmend)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        reflectToolName,
		Description: reflectDescription,
	}, s.handleReflect)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        contextToolName,
		Description: contextDescription,
	}, s.handleContext)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        toolFeedbackToolName,
		Description: toolFeedbackDescription,
	}, s.handleToolFeedback)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        statsToolName,
		Description: statsDescription,
	}, s.handleStats)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        consolidateToolName,
		Description: consolidateDescription,
	}, s.handleConsolidate)
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        graphExploreToolName,
		Description: graphExploreDescription,
	}, s.handleGraphExplore)

	s.mcpServer = mcpServer

	// Create a streamable HTTP net/http handler for stateless operations
	s.handler = mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return mcpServer
		},
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)

	return s, nil
}

// Handler returns the HTTP handler for the MCP server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// scope resolves the effective agent scope of a request.
func scope(agentID string) string {
	if agentID == "" {
		return fragment.SharedAgentID
	}
	return agentID
}

// toolError wraps a failure message the MCP way without failing the call.
func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}

// toolResult serializes the structured output as JSON for the text field.
// Per MCP spec: tools returning structured content should also return
// serialized JSON in a TextContent block for backwards compatibility.
func toolResult(output any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize results: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonBytes)},
		},
	}, nil
}
