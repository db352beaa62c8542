package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/recall/pkg/fragment"
)

// ErrorResponse is the error body every handler returns.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleStats returns aggregate statistics for the requested scope.
func (s *Server) handleStats(c *fiber.Ctx) error {
	agentID := c.Query("agent_id", fragment.SharedAgentID)

	stats, err := s.manager.Stats(c.Context(), agentID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to get stats"})
	}
	return c.JSON(stats)
}
