// Package mcp hosts the engine's agent-facing surface over the Model
// Context Protocol: proposal review, skill browsing and health
// inspection.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server wraps an mcp-go MCPServer configured for the usage engine.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates the MCP server the tool packages register against.
func NewServer(name, version string, logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("Review metric and join proposals produced by pattern discovery, browse consolidated query skills, and inspect engine health."),
	)

	return &Server{
		mcp:    mcpServer,
		logger: logger.Named("mcp"),
	}
}

// MCP returns the underlying MCPServer for tool registration.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// NewStreamableHTTPServer returns the stateless HTTP transport for this
// server. Routing to the endpoint path is left to the caller's mux.
func (s *Server) NewStreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithStateLess(true),
	)
}
