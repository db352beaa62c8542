package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/llm"
)

// Reflection is the structured summary produced for a closed session.
type Reflection struct {
	Summary        string   `json:"summary"`
	Decisions      []string `json:"decisions"`
	ErrorsResolved []string `json:"errors_resolved"`
	NewProcedures  []string `json:"new_procedures"`
	OpenQuestions  []string `json:"open_questions"`
}

// Sink receives the outcome of a reflection. The memory manager implements
// it.
type Sink interface {
	// Reflect materialises a structured reflection into fragments.
	Reflect(ctx context.Context, sessionID, agentID string, r Reflection) error

	// RememberFact stores a single minimal fact fragment. Used when no LLM
	// is reachable.
	RememberFact(ctx context.Context, content, sessionID, agentID string) error
}

// AutoReflect turns session activity into memory when a session ends.
type AutoReflect struct {
	activity *Activity
	llm      llm.Client
	sink     Sink
	logger   *zap.Logger
}

// NewAutoReflect wires the reflector. llm may be a nop client.
func NewAutoReflect(activity *Activity, client llm.Client, sink Sink, logger *zap.Logger) *AutoReflect {
	return &AutoReflect{activity: activity, llm: client, sink: sink, logger: logger}
}

// Run reflects one session. Safe to call more than once; reflected and
// empty sessions are marked and skipped. Failures never propagate to the
// caller beyond the error return, and the session is always marked
// reflected so it is not retried forever.
func (ar *AutoReflect) Run(ctx context.Context, sessionID string) error {
	record := ar.activity.Get(sessionID)
	if record == nil {
		return nil
	}
	if record.Reflected || len(record.ToolCalls) == 0 {
		ar.activity.MarkReflected(sessionID)
		return nil
	}
	defer ar.activity.MarkReflected(sessionID)

	if ar.llm != nil && ar.llm.Available() {
		if err := ar.structured(ctx, record); err == nil {
			return nil
		} else {
			ar.logger.Warn("structured reflection failed, falling back to minimal",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return ar.minimal(ctx, record)
}

// RunAll reflects every live unreflected session. Used at shutdown.
func (ar *AutoReflect) RunAll(ctx context.Context) {
	for _, id := range ar.activity.Unreflected(0) {
		if err := ar.Run(ctx, id); err != nil {
			ar.logger.Warn("failed to reflect session", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (ar *AutoReflect) structured(ctx context.Context, record *Record) error {
	prompt := reflectionPrompt(record)
	raw, err := ar.llm.CompleteJSON(ctx, prompt, 0)
	if err != nil {
		return fmt.Errorf("failed to complete reflection: %w", err)
	}

	var r Reflection
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("failed to parse reflection: %w", err)
	}
	if r.Summary == "" {
		return fmt.Errorf("reflection missing summary")
	}
	return ar.sink.Reflect(ctx, record.SessionID, record.AgentID, r)
}

func (ar *AutoReflect) minimal(ctx context.Context, record *Record) error {
	content := fmt.Sprintf("session %s: %s, tools=%s, fragments=%d",
		record.SessionID,
		record.Duration().Round(time.Second),
		record.ToolSummary(),
		len(record.Fragments))
	return ar.sink.RememberFact(ctx, content, record.SessionID, record.AgentID)
}

func reflectionPrompt(record *Record) string {
	return fmt.Sprintf(`You are summarising a work session of an autonomous agent so it can be stored as long-term memory.

Session activity:
- duration: %s
- tool calls: %s
- keywords seen: %v
- fragments touched: %d

Respond with a JSON object only, no prose:
{
  "summary": "one paragraph of what happened",
  "decisions": ["each decision made"],
  "errors_resolved": ["each error that was resolved"],
  "new_procedures": ["each new procedure established"],
  "open_questions": ["each question left open"]
}
Use empty arrays when nothing applies.`,
		record.Duration().Round(time.Second),
		record.ToolSummary(),
		record.Keywords,
		len(record.Fragments))
}
