// Package eventstream defines the transport-neutral events the memory core
// emits, plus the Publisher interface backends implement.
package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/recall/pkg/fragment"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeFragmentPersisted is emitted after a fragment is durably
	// written.
	EventTypeFragmentPersisted = "recall.fragment.persisted"

	// EventTypeConsolidationReport is emitted after a consolidation run.
	EventTypeConsolidationReport = "recall.consolidation.report"
)

// FragmentPersistedEvent is emitted for every durable fragment write.
type FragmentPersistedEvent struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	EmittedAt     time.Time       `json:"emitted_at"`
	AgentID       string          `json:"agent_id"`
	SessionID     string          `json:"session_id,omitempty"`
	Fragment      FragmentSummary `json:"fragment"`
}

// FragmentSummary is the event-sized view of a fragment. Content is
// deliberately excluded so the stream never carries memory payloads.
type FragmentSummary struct {
	ID              string           `json:"id"`
	Type            fragment.Type    `json:"type"`
	Topic           string           `json:"topic,omitempty"`
	Importance      float64          `json:"importance"`
	TTLTier         fragment.TTLTier `json:"ttl_tier"`
	EstimatedTokens int              `json:"estimated_tokens"`
}

// NewFragmentPersisted builds the event for f.
func NewFragmentPersisted(f *fragment.Fragment, sessionID string) *FragmentPersistedEvent {
	return &FragmentPersistedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeFragmentPersisted,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		AgentID:       f.AgentID,
		SessionID:     sessionID,
		Fragment: FragmentSummary{
			ID:              f.ID,
			Type:            f.Type,
			Topic:           f.Topic,
			Importance:      f.Importance,
			TTLTier:         f.TTLTier,
			EstimatedTokens: f.EstimatedTokens,
		},
	}
}

// ConsolidationReportEvent summarises one maintenance pipeline run.
type ConsolidationReportEvent struct {
	SchemaVersion int            `json:"schema_version"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	EmittedAt     time.Time      `json:"emitted_at"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"`
	DurationMs    int64          `json:"duration_ms"`
	Stages        map[string]int `json:"stages"`
	StaleTop      []string       `json:"stale_top,omitempty"`
	FeedbackNotes string         `json:"feedback_notes,omitempty"`
}

// NewConsolidationReport builds the event for a run spanning started to
// completed.
func NewConsolidationReport(started, completed time.Time, stages map[string]int) *ConsolidationReportEvent {
	return &ConsolidationReportEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeConsolidationReport,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		StartedAt:     started,
		CompletedAt:   completed,
		DurationMs:    completed.Sub(started).Milliseconds(),
		Stages:        stages,
	}
}
