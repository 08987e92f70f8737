// Package mcpserver exposes the monitoring engine as MCP tools and
// resources for assistant clients.
package mcpserver

import (
	"net/http"

	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// MCPServer wraps an MCP server bound to one monitor.Service.
type MCPServer struct {
	server  *mcp.Server
	handler http.Handler
	monitor *monitor.Service
	logger  *zap.Logger
}

// New creates and wires the MCP surface.
func New(svc *monitor.Service, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "connwatch",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:  srv,
		monitor: svc,
		logger:  logger.Named("mcp"),
	}

	m.registerTools()
	m.registerResources()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
