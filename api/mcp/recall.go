package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/memory"
	"github.com/papercomputeco/recall/pkg/utils"
)

var (
	recallToolName    = "recall"
	recallDescription = "Retrieve memory fragments through the cascaded search: the in-process index first, then the durable keyword search, then semantic search when results are thin. Returns fragments with linked context and staleness warnings."

	contextToolName    = "context"
	contextDescription = "Assemble the injection text for a fresh agent turn: core memory (preferences, unresolved errors, procedures), this session's working memory and a hint listing unreflected sessions."

	graphExploreToolName    = "graph_explore"
	graphExploreDescription = "Walk the causal chain from a fragment along caused_by and resolved_by edges. Use this for root-cause analysis over remembered errors."
)

// RecallInput represents the input arguments for the recall tool.
type RecallInput struct {
	Query         string   `json:"query,omitempty" jsonschema:"free text for semantic search when keyword results are thin"`
	Keywords      []string `json:"keywords,omitempty" jsonschema:"keywords to match"`
	Topic         string   `json:"topic,omitempty" jsonschema:"restrict to one topic"`
	Type          string   `json:"type,omitempty" jsonschema:"restrict to one fragment type"`
	MinImportance float64  `json:"min_importance,omitempty" jsonschema:"minimum importance between 0 and 1"`
	Threshold     *float64 `json:"threshold,omitempty" jsonschema:"drop semantic matches below this similarity"`
	TokenBudget   int      `json:"token_budget,omitempty" jsonschema:"token budget for the result set (default: 1000)"`
	IncludeLinks  *bool    `json:"include_links,omitempty" jsonschema:"expand one hop of linked fragments (default: true)"`
	LinkRelation  string   `json:"link_relation,omitempty" jsonschema:"restrict link expansion to one relation type"`
	SessionID     string   `json:"session_id,omitempty" jsonschema:"the calling session id"`
	AgentID       string   `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// RecallFragment is a single recalled fragment.
type RecallFragment struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Topic        string   `json:"topic,omitempty"`
	Type         string   `json:"type"`
	Importance   float64  `json:"importance"`
	Similarity   *float64 `json:"similarity,omitempty"`
	Linked       bool     `json:"linked,omitempty"`
	Relation     string   `json:"relation,omitempty"`
	Stale        bool     `json:"stale,omitempty"`
	StaleWarning string   `json:"stale_warning,omitempty"`
}

// RecallOutput represents the output of the recall tool.
type RecallOutput struct {
	Fragments   []RecallFragment `json:"fragments"`
	TotalTokens int              `json:"total_tokens"`
	SearchPath  string           `json:"search_path"`
	Count       int              `json:"count"`
}

func (s *Server) handleRecall(ctx context.Context, _ *mcp.CallToolRequest, input RecallInput) (*mcp.CallToolResult, RecallOutput, error) {
	params := memory.RecallParams{
		Text:          input.Query,
		Keywords:      input.Keywords,
		Topic:         input.Topic,
		Type:          fragment.Type(input.Type),
		MinImportance: input.MinImportance,
		Threshold:     input.Threshold,
		TokenBudget:   input.TokenBudget,
		IncludeLinks:  input.IncludeLinks,
		SessionID:     input.SessionID,
		AgentID:       scope(input.AgentID),
	}
	if input.LinkRelation != "" {
		rel := fragment.RelationType(input.LinkRelation)
		params.LinkRelation = &rel
	}

	res, err := s.config.Manager.Recall(ctx, params)
	if err != nil {
		s.config.Logger.Warn("recall failed", zap.Error(err))
		return toolError("recall failed: " + err.Error()), RecallOutput{}, nil
	}

	fragments := make([]RecallFragment, 0, len(res.Fragments))
	for _, sc := range res.Fragments {
		fragments = append(fragments, RecallFragment{
			ID:           sc.Fragment.ID,
			Content:      sc.Fragment.Content,
			Topic:        sc.Fragment.Topic,
			Type:         string(sc.Fragment.Type),
			Importance:   sc.Fragment.Importance,
			Similarity:   sc.Similarity,
			Linked:       sc.Linked,
			Relation:     string(sc.Relation),
			Stale:        sc.Stale,
			StaleWarning: sc.StaleWarning,
		})
	}

	output := RecallOutput{
		Fragments:   fragments,
		TotalTokens: res.TotalTokens,
		SearchPath:  res.SearchPath,
		Count:       res.Count,
	}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), RecallOutput{}, nil
	}
	return result, output, nil
}

// ContextInput represents the input arguments for the context tool.
type ContextInput struct {
	TokenBudget int      `json:"token_budget,omitempty" jsonschema:"token budget for the injection text (default: 2000)"`
	Types       []string `json:"types,omitempty" jsonschema:"fragment types to draw core memory from (default: preference, error, procedure)"`
	SessionID   string   `json:"session_id,omitempty" jsonschema:"the calling session id"`
	AgentID     string   `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// ContextOutput represents the output of the context tool.
type ContextOutput struct {
	InjectionText string `json:"injection_text"`
	CoreCount     int    `json:"core_count"`
	WorkingCount  int    `json:"working_count"`
}

func (s *Server) handleContext(ctx context.Context, _ *mcp.CallToolRequest, input ContextInput) (*mcp.CallToolResult, ContextOutput, error) {
	types := make([]fragment.Type, 0, len(input.Types))
	for _, t := range input.Types {
		types = append(types, fragment.Type(t))
	}

	res, err := s.config.Manager.Context(ctx, memory.ContextParams{
		TokenBudget: input.TokenBudget,
		Types:       types,
		SessionID:   input.SessionID,
		AgentID:     scope(input.AgentID),
	})
	if err != nil {
		return toolError("context failed: " + err.Error()), ContextOutput{}, nil
	}

	output := ContextOutput{
		InjectionText: res.InjectionText,
		CoreCount:     res.CoreCount,
		WorkingCount:  res.WorkingCount,
	}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), ContextOutput{}, nil
	}
	return result, output, nil
}

// GraphExploreInput represents the input arguments for the graph_explore tool.
type GraphExploreInput struct {
	ID      string `json:"id" jsonschema:"fragment id to start the walk from"`
	AgentID string `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// GraphNode is one step of the causal chain. Content is truncated to
// graphContentMax so deep chains stay readable.
type GraphNode struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	Relation string `json:"relation,omitempty"`
	Depth    int    `json:"depth"`
}

const graphContentMax = 200

// GraphExploreOutput represents the output of the graph_explore tool.
type GraphExploreOutput struct {
	Chain []GraphNode `json:"chain"`
	Count int         `json:"count"`
}

func (s *Server) handleGraphExplore(ctx context.Context, _ *mcp.CallToolRequest, input GraphExploreInput) (*mcp.CallToolResult, GraphExploreOutput, error) {
	if input.ID == "" {
		return toolError("id is required"), GraphExploreOutput{}, nil
	}

	chain, err := s.config.Manager.GraphExplore(ctx, input.ID, scope(input.AgentID))
	if err != nil {
		return toolError("graph explore failed: " + err.Error()), GraphExploreOutput{}, nil
	}

	nodes := make([]GraphNode, 0, len(chain))
	for _, node := range chain {
		nodes = append(nodes, GraphNode{
			ID:       node.Fragment.ID,
			Content:  utils.Truncate(node.Fragment.Content, graphContentMax),
			Type:     string(node.Fragment.Type),
			Relation: string(node.Relation),
			Depth:    node.Depth,
		})
	}

	output := GraphExploreOutput{Chain: nodes, Count: len(nodes)}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), GraphExploreOutput{}, nil
	}
	return result, output, nil
}
