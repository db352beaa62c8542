package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papercomputeco/recall/pkg/memory"
)

var (
	reflectToolName    = "reflect"
	reflectDescription = "Materialise a session reflection into durable memory: summary facts, decisions, resolved errors, new procedures and open questions. Clears the session's working memory."

	toolFeedbackToolName    = "tool_feedback"
	toolFeedbackDescription = "Report whether a memory tool call was relevant and sufficient. Feedback is aggregated into the consolidation report."
)

// TaskEffectivenessInput is the optional session effectiveness report.
type TaskEffectivenessInput struct {
	OverallSuccess bool     `json:"overall_success" jsonschema:"whether the session's task succeeded"`
	ToolHighlights []string `json:"tool_highlights,omitempty" jsonschema:"tools that worked well"`
	ToolPainPoints []string `json:"tool_pain_points,omitempty" jsonschema:"tools that got in the way"`
}

// ReflectInput represents the input arguments for the reflect tool.
type ReflectInput struct {
	Summary           string                  `json:"summary" jsonschema:"what the session accomplished"`
	SessionID         string                  `json:"session_id,omitempty" jsonschema:"the session being reflected"`
	Decisions         []string                `json:"decisions,omitempty" jsonschema:"decisions made during the session"`
	ErrorsResolved    []string                `json:"errors_resolved,omitempty" jsonschema:"errors hit and resolved during the session"`
	NewProcedures     []string                `json:"new_procedures,omitempty" jsonschema:"procedures worth repeating"`
	OpenQuestions     []string                `json:"open_questions,omitempty" jsonschema:"questions left unanswered"`
	TaskEffectiveness *TaskEffectivenessInput `json:"task_effectiveness,omitempty" jsonschema:"optional session-level effectiveness report"`
	AgentID           string                  `json:"agent_id,omitempty" jsonschema:"agent scope (default: shared pool)"`
}

// ReflectOutput represents the output of the reflect tool.
type ReflectOutput struct {
	FragmentIDs []string `json:"fragment_ids"`
	Count       int      `json:"count"`
}

func (s *Server) handleReflect(ctx context.Context, _ *mcp.CallToolRequest, input ReflectInput) (*mcp.CallToolResult, ReflectOutput, error) {
	params := memory.ReflectParams{
		Summary:        input.Summary,
		SessionID:      input.SessionID,
		Decisions:      input.Decisions,
		ErrorsResolved: input.ErrorsResolved,
		NewProcedures:  input.NewProcedures,
		OpenQuestions:  input.OpenQuestions,
		AgentID:        scope(input.AgentID),
	}
	if input.TaskEffectiveness != nil {
		params.TaskEffectiveness = &memory.TaskEffectiveness{
			OverallSuccess: input.TaskEffectiveness.OverallSuccess,
			ToolHighlights: input.TaskEffectiveness.ToolHighlights,
			ToolPainPoints: input.TaskEffectiveness.ToolPainPoints,
		}
	}

	res, err := s.config.Manager.Reflect(ctx, params)
	if err != nil {
		return toolError("reflect failed: " + err.Error()), ReflectOutput{}, nil
	}

	output := ReflectOutput{FragmentIDs: res.FragmentIDs, Count: res.Count}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), ReflectOutput{}, nil
	}
	return result, output, nil
}

// ToolFeedbackInput represents the input arguments for the tool_feedback tool.
type ToolFeedbackInput struct {
	ToolName    string `json:"tool_name" jsonschema:"the memory tool the feedback is about"`
	Relevant    bool   `json:"relevant" jsonschema:"whether the tool's output was relevant"`
	Sufficient  bool   `json:"sufficient" jsonschema:"whether the tool's output was sufficient on its own"`
	Suggestion  string `json:"suggestion,omitempty" jsonschema:"how the tool could have served better"`
	Context     string `json:"context,omitempty" jsonschema:"what the caller was doing"`
	SessionID   string `json:"session_id,omitempty" jsonschema:"the calling session id"`
	TriggerType string `json:"trigger_type,omitempty" jsonschema:"what prompted the feedback"`
}

// ToolFeedbackOutput represents the output of the tool_feedback tool.
type ToolFeedbackOutput struct {
	Recorded bool `json:"recorded"`
}

func (s *Server) handleToolFeedback(ctx context.Context, _ *mcp.CallToolRequest, input ToolFeedbackInput) (*mcp.CallToolResult, ToolFeedbackOutput, error) {
	err := s.config.Manager.ToolFeedback(ctx, memory.ToolFeedbackParams{
		ToolName:    input.ToolName,
		Relevant:    input.Relevant,
		Sufficient:  input.Sufficient,
		Suggestion:  input.Suggestion,
		Context:     input.Context,
		SessionID:   input.SessionID,
		TriggerType: input.TriggerType,
	})
	if err != nil {
		return toolError("tool feedback failed: " + err.Error()), ToolFeedbackOutput{}, nil
	}

	output := ToolFeedbackOutput{Recorded: true}
	result, err := toolResult(output)
	if err != nil {
		return toolError(err.Error()), ToolFeedbackOutput{}, nil
	}
	return result, output, nil
}
