package api

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/api/mcp"
	"github.com/papercomputeco/recall/pkg/memory"
)

// Server is the API server of the memory service.
type Server struct {
	config  Config
	manager *memory.Manager
	logger  *zap.Logger
	app     *fiber.App
}

// NewServer creates a new API server.
// The manager is injected to allow sharing with other components
// (e.g., the consolidation command when not run as a singleton).
func NewServer(config Config, manager *memory.Manager, mcpServer *mcp.Server, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:  config,
		manager: manager,
		logger:  logger,
		app:     app,
	}

	app.Get("/ping", s.handlePing)
	app.Get("/stats", s.handleStats)

	if mcpServer != nil && mcpServer.Handler() != nil {
		app.All("/mcp", adaptor.HTTPHandler(mcpServer.Handler()))
		app.All("/mcp/*", adaptor.HTTPHandler(mcpServer.Handler()))
	}

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
