package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/memory"
)

var (
	rememberToolName    = "remember"
	rememberDescription = "Store one memory fragment. Content is redacted, hashed and deduplicated; keywords are extracted when omitted. Use scope=session for scratch notes that should not outlive the session."

	forgetToolName    = "forget"
	forgetDescription = "Delete memory fragments by id or by topic. Permanent fragments are protected unless force is set."

	linkToolName    = "link"
	linkDescription = "Create a typed relation between two fragments. Relations: related, caused_by, resolved_by, part_of, contradicts, superseded_by."

	amendToolName    = "amend"
	amendDescription = "Patch an existing fragment's content, topic, keywords, type or importance. Optionally mark which fragment the amended one supersedes."
)

// RememberInput represents the input arguments for the remember tool.
type RememberInput struct {
	Content    string   `json:"content" jsonschema:"the content to remember"`
	Topic      string   `json:"topic" jsonschema:"topic grouping for the fragment"`
	Keywords   []string `json:"keywords,omitempty" jsonschema:"keywords for retrieval; extracted from content when omitted"`
	Type       string   `json:"type" jsonschema:"fragment type: fact, decision, error, preference, procedure or relation"`
	Importance *float64 `json:"importance,omitempty" jsonschema:"importance between 0 and 1; defaults per type"`
	Source     string   `json:"source,omitempty" jsonschema:"where the content came from"`
	LinkedTo   []string `json:"linked_to,omitempty" jsonschema:"fragment ids to relate the new fragment to"`
	IsAnchor   bool     `json:"is_anchor,omitempty" jsonschema:"pin the fragment against decay and expiry"`
	Scope      string   `json:"scope,omitempty" jsonschema:"empty for a durable write, or 'session' for working memory only"`
	SessionID  string   `json:"session_id,omitempty" jsonschema:"the calling session id"`
	AgentID    string   `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// RememberOutput represents the output of the remember tool.
type RememberOutput struct {
	ID        string            `json:"id"`
	Keywords  []string          `json:"keywords"`
	TTLTier   string            `json:"ttl_tier"`
	Scope     string            `json:"scope"`
	Merged    bool              `json:"merged,omitempty"`
	Conflicts []memory.Conflict `json:"conflicts,omitempty"`
}

func (s *Server) handleRemember(ctx context.Context, _ *mcp.CallToolRequest, input RememberInput) (*mcp.CallToolResult, RememberOutput, error) {
	if input.Topic == "" {
		return toolError("topic is required"), RememberOutput{}, nil
	}
	if input.Type == "" {
		return toolError("type is required"), RememberOutput{}, nil
	}

	res, err := s.config.Manager.Remember(ctx, memory.RememberParams{
		Content:    input.Content,
		Topic:      input.Topic,
		Keywords:   input.Keywords,
		Type:       fragment.Type(input.Type),
		Importance: input.Importance,
		Source:     input.Source,
		LinkedTo:   input.LinkedTo,
		IsAnchor:   input.IsAnchor,
		Scope:      input.Scope,
		SessionID:  input.SessionID,
		AgentID:    scope(input.AgentID),
	})
	if err != nil {
		s.config.Logger.Warn("remember failed", zap.Error(err))
		return toolError("remember failed: " + err.Error()), RememberOutput{}, nil
	}

	output := RememberOutput{
		ID:        res.ID,
		Keywords:  res.Keywords,
		TTLTier:   string(res.TTLTier),
		Scope:     res.Scope,
		Merged:    res.Merged,
		Conflicts: res.Conflicts,
	}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), RememberOutput{}, nil
	}
	return result, output, nil
}

// ForgetInput represents the input arguments for the forget tool.
type ForgetInput struct {
	ID      string `json:"id,omitempty" jsonschema:"fragment id to delete"`
	Topic   string `json:"topic,omitempty" jsonschema:"delete every fragment under this topic instead of a single id"`
	Force   bool   `json:"force,omitempty" jsonschema:"also delete permanent fragments"`
	AgentID string `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// ForgetOutput represents the output of the forget tool.
type ForgetOutput struct {
	Deleted   int `json:"deleted"`
	Protected int `json:"protected"`
}

func (s *Server) handleForget(ctx context.Context, _ *mcp.CallToolRequest, input ForgetInput) (*mcp.CallToolResult, ForgetOutput, error) {
	res, err := s.config.Manager.Forget(ctx, memory.ForgetParams{
		ID:      input.ID,
		Topic:   input.Topic,
		Force:   input.Force,
		AgentID: scope(input.AgentID),
	})
	if err != nil {
		return toolError("forget failed: " + err.Error()), ForgetOutput{}, nil
	}

	output := ForgetOutput{Deleted: res.Deleted, Protected: res.Protected}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), ForgetOutput{}, nil
	}
	return result, output, nil
}

// LinkInput represents the input arguments for the link tool.
type LinkInput struct {
	FromID   string `json:"from_id" jsonschema:"source fragment id"`
	ToID     string `json:"to_id" jsonschema:"target fragment id"`
	Relation string `json:"relation" jsonschema:"relation type: related, caused_by, resolved_by, part_of, contradicts or superseded_by"`
	AgentID  string `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// LinkOutput represents the output of the link tool.
type LinkOutput struct {
	Linked bool `json:"linked"`
}

func (s *Server) handleLink(ctx context.Context, _ *mcp.CallToolRequest, input LinkInput) (*mcp.CallToolResult, LinkOutput, error) {
	err := s.config.Manager.Link(ctx, memory.LinkParams{
		FromID:   input.FromID,
		ToID:     input.ToID,
		Relation: fragment.RelationType(input.Relation),
		AgentID:  scope(input.AgentID),
	})
	if err != nil {
		return toolError("link failed: " + err.Error()), LinkOutput{}, nil
	}

	output := LinkOutput{Linked: true}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), LinkOutput{}, nil
	}
	return result, output, nil
}

// AmendInput represents the input arguments for the amend tool.
type AmendInput struct {
	ID         string   `json:"id" jsonschema:"fragment id to amend"`
	Content    string   `json:"content,omitempty" jsonschema:"replacement content"`
	Topic      string   `json:"topic,omitempty" jsonschema:"replacement topic"`
	Keywords   []string `json:"keywords,omitempty" jsonschema:"replacement keywords"`
	Type       string   `json:"type,omitempty" jsonschema:"replacement fragment type"`
	Importance *float64 `json:"importance,omitempty" jsonschema:"replacement importance between 0 and 1"`
	Supersedes string   `json:"supersedes,omitempty" jsonschema:"id of the fragment the amended one replaces"`
	AgentID    string   `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// AmendOutput represents the output of the amend tool.
type AmendOutput struct {
	Merged     bool   `json:"merged"`
	ExistingID string `json:"existing_id,omitempty"`
	ID         string `json:"id,omitempty"`
	Content    string `json:"content,omitempty"`
}

func (s *Server) handleAmend(ctx context.Context, _ *mcp.CallToolRequest, input AmendInput) (*mcp.CallToolResult, AmendOutput, error) {
	params := memory.AmendParams{
		ID:         input.ID,
		Keywords:   input.Keywords,
		Importance: input.Importance,
		Supersedes: input.Supersedes,
		AgentID:    scope(input.AgentID),
	}
	if input.Content != "" {
		params.Content = &input.Content
	}
	if input.Topic != "" {
		params.Topic = &input.Topic
	}
	if input.Type != "" {
		typ := fragment.Type(input.Type)
		params.Type = &typ
	}

	res, err := s.config.Manager.Amend(ctx, params)
	if err != nil {
		return toolError("amend failed: " + err.Error()), AmendOutput{}, nil
	}

	output := AmendOutput{Merged: res.Merged, ExistingID: res.ExistingID}
	if res.Fragment != nil {
		output.ID = res.Fragment.ID
		output.Content = res.Fragment.Content
	}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), AmendOutput{}, nil
	}
	return result, output, nil
}
