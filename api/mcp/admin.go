package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

var (
	statsToolName    = "memory_stats"
	statsDescription = "Report aggregate statistics for the agent's memory: totals by type and tier, anchors, embedding coverage, average importance and top topics."

	consolidateToolName    = "memory_consolidate"
	consolidateDescription = "Run the memory maintenance pipeline once: tier transitions, decay, expiry, dedup, embedding backfill, anchor promotion, contradiction resolution and the feedback report."
)

// StatsInput represents the input arguments for the memory_stats tool.
type StatsInput struct {
	AgentID string `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// StatsOutput represents the output of the memory_stats tool.
type StatsOutput struct {
	Total         int            `json:"total"`
	ByType        map[string]int `json:"by_type"`
	ByTier        map[string]int `json:"by_tier"`
	Anchors       int            `json:"anchors"`
	WithEmbedding int            `json:"with_embedding"`
	AvgImportance float64        `json:"avg_importance"`
	TopTopics     map[string]int `json:"top_topics,omitempty"`
}

func (s *Server) handleStats(ctx context.Context, _ *mcp.CallToolRequest, input StatsInput) (*mcp.CallToolResult, StatsOutput, error) {
	stats, err := s.config.Manager.Stats(ctx, scope(input.AgentID))
	if err != nil {
		return toolError("stats failed: " + err.Error()), StatsOutput{}, nil
	}

	output := StatsOutput{
		Total:         stats.Total,
		ByType:        make(map[string]int, len(stats.ByType)),
		ByTier:        make(map[string]int, len(stats.ByTier)),
		Anchors:       stats.Anchors,
		WithEmbedding: stats.WithEmbedding,
		AvgImportance: stats.AvgImportance,
	}
	for typ, n := range stats.ByType {
		output.ByType[string(typ)] = n
	}
	for tier, n := range stats.ByTier {
		output.ByTier[string(tier)] = n
	}
	if len(stats.TopTopics) > 0 {
		output.TopTopics = make(map[string]int, len(stats.TopTopics))
		for _, tc := range stats.TopTopics {
			output.TopTopics[tc.Topic] = tc.Count
		}
	}

	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), StatsOutput{}, nil
	}
	return result, output, nil
}

// ConsolidateInput represents the input arguments for the memory_consolidate tool.
type ConsolidateInput struct{}

// ConsolidateOutput represents the output of the memory_consolidate tool.
type ConsolidateOutput struct {
	Stages     map[string]int `json:"stages"`
	StaleCount int            `json:"stale_count"`
	DurationMs int64          `json:"duration_ms"`
}

func (s *Server) handleConsolidate(ctx context.Context, _ *mcp.CallToolRequest, _ ConsolidateInput) (*mcp.CallToolResult, ConsolidateOutput, error) {
	report, err := s.config.Manager.Consolidate(ctx)
	if err != nil {
		s.config.Logger.Warn("consolidation failed", zap.Error(err))
		return toolError("consolidation failed: " + err.Error()), ConsolidateOutput{}, nil
	}

	output := ConsolidateOutput{
		Stages:     report.Stages,
		StaleCount: len(report.StaleTop),
		DurationMs: report.CompletedAt.Sub(report.StartedAt).Milliseconds(),
	}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), ConsolidateOutput{}, nil
	}
	return result, output, nil
}
