// Package fragment defines the atomic unit of agent memory and the factory
// that constructs it.
//
// A Fragment is a short, typed, PII-redacted piece of knowledge owned by an
// agent scope. Fragments carry lifecycle state (importance, TTL tier, anchor
// flag), retrieval state (keywords, embedding, access counters) and graph
// state (typed links to other fragments). Everything above the store, from
// the cascade to the consolidator to the facade, operates on these value types.
package fragment

import (
	"encoding/hex"
	"math"
	"time"

	"github.com/google/uuid"
)

// Type classifies a fragment and drives its lifecycle defaults.
type Type string

const (
	TypeFact       Type = "fact"
	TypeDecision   Type = "decision"
	TypeError      Type = "error"
	TypePreference Type = "preference"
	TypeProcedure  Type = "procedure"
	TypeRelation   Type = "relation"
)

// Types lists every valid fragment type.
var Types = []Type{TypeFact, TypeDecision, TypeError, TypePreference, TypeProcedure, TypeRelation}

// Valid reports whether t is a known fragment type.
func (t Type) Valid() bool {
	switch t {
	case TypeFact, TypeDecision, TypeError, TypePreference, TypeProcedure, TypeRelation:
		return true
	}
	return false
}

// DefaultImportance returns the creation-time importance for a type when the
// caller does not supply one.
func (t Type) DefaultImportance() float64 {
	switch t {
	case TypePreference:
		return 0.95
	case TypeError:
		return 0.9
	case TypeDecision:
		return 0.8
	case TypeProcedure:
		return 0.7
	case TypeRelation:
		return 0.6
	default:
		return 0.5
	}
}

// TTLTier is the lifecycle bucket governing decay and eviction eligibility.
type TTLTier string

const (
	TierHot       TTLTier = "hot"
	TierWarm      TTLTier = "warm"
	TierCold      TTLTier = "cold"
	TierPermanent TTLTier = "permanent"
)

// RelationType is the label on a directed edge between two fragments.
type RelationType string

const (
	RelationRelated      RelationType = "related"
	RelationCausedBy     RelationType = "caused_by"
	RelationResolvedBy   RelationType = "resolved_by"
	RelationPartOf       RelationType = "part_of"
	RelationContradicts  RelationType = "contradicts"
	RelationSupersededBy RelationType = "superseded_by"
)

// RelationTypes lists every valid relation type. Used as the whitelist for
// caller-supplied relation filters.
var RelationTypes = []RelationType{
	RelationRelated, RelationCausedBy, RelationResolvedBy,
	RelationPartOf, RelationContradicts, RelationSupersededBy,
}

// Valid reports whether r is a known relation type.
func (r RelationType) Valid() bool {
	for _, known := range RelationTypes {
		if r == known {
			return true
		}
	}
	return false
}

const (
	// SharedAgentID is the shared pool visible to every caller.
	SharedAgentID = "default"

	// MaxContentLen is the content length cap applied at creation, in runes.
	MaxContentLen = 300
)

// maintenanceAgents are principals allowed to see and mutate every row.
var maintenanceAgents = map[string]bool{"system": true, "admin": true}

// IsMaintenance reports whether agentID holds the maintenance scope.
func IsMaintenance(agentID string) bool {
	return maintenanceAgents[agentID]
}

// Fragment is a single atomic knowledge record.
type Fragment struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Topic           string    `json:"topic"`
	Keywords        []string  `json:"keywords"`
	Type            Type      `json:"type"`
	Importance      float64   `json:"importance"`
	ContentHash     string    `json:"content_hash"`
	Source          string    `json:"source,omitempty"`
	LinkedTo        []string  `json:"linked_to,omitempty"`
	AgentID         string    `json:"agent_id"`
	AccessCount     int       `json:"access_count"`
	AccessedAt      time.Time `json:"accessed_at"`
	CreatedAt       time.Time `json:"created_at"`
	TTLTier         TTLTier   `json:"ttl_tier"`
	EstimatedTokens int       `json:"estimated_tokens"`
	UtilityScore    float64   `json:"utility_score"`
	VerifiedAt      time.Time `json:"verified_at"`
	Embedding       []float32 `json:"-"`
	IsAnchor        bool      `json:"is_anchor"`
}

// Clone returns a deep copy of f.
func (f *Fragment) Clone() *Fragment {
	c := *f
	c.Keywords = append([]string(nil), f.Keywords...)
	c.LinkedTo = append([]string(nil), f.LinkedTo...)
	c.Embedding = append([]float32(nil), f.Embedding...)
	return &c
}

// HasLink reports whether id appears in f.LinkedTo.
func (f *Fragment) HasLink(id string) bool {
	for _, l := range f.LinkedTo {
		if l == id {
			return true
		}
	}
	return false
}

// Link is a directed typed edge between two fragments, unique per ordered pair.
type Link struct {
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Relation  RelationType `json:"relation_type"`
	CreatedAt time.Time    `json:"created_at"`
}

// Version is a pre-amendment snapshot of a fragment. Append-only.
type Version struct {
	FragmentID string    `json:"fragment_id"`
	Content    string    `json:"content"`
	Topic      string    `json:"topic"`
	Keywords   []string  `json:"keywords"`
	Type       Type      `json:"type"`
	Importance float64   `json:"importance"`
	AmendedAt  time.Time `json:"amended_at"`
	AmendedBy  string    `json:"amended_by"`
}

// ToolFeedback is a single per-tool usefulness report from an agent.
type ToolFeedback struct {
	ToolName    string    `json:"tool_name"`
	Relevant    bool      `json:"relevant"`
	Sufficient  bool      `json:"sufficient"`
	Suggestion  string    `json:"suggestion,omitempty"`
	Context     string    `json:"context,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	TriggerType string    `json:"trigger_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskFeedback is a session-level effectiveness report.
type TaskFeedback struct {
	SessionID      string    `json:"session_id"`
	OverallSuccess bool      `json:"overall_success"`
	ToolHighlights []string  `json:"tool_highlights,omitempty"`
	ToolPainPoints []string  `json:"tool_pain_points,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewID returns a fresh fragment identifier of the form frag-<16 hex>.
func NewID() string {
	u := uuid.New()
	return "frag-" + hex.EncodeToString(u[:8])
}

// UtilityScore computes importance · (1 + ln(max(accessCount, 1))).
func UtilityScore(importance float64, accessCount int) float64 {
	n := accessCount
	if n < 1 {
		n = 1
	}
	return importance * (1 + math.Log(float64(n)))
}

// InferTier derives the TTL tier from type and importance. First match wins.
func InferTier(t Type, importance float64) TTLTier {
	switch {
	case t == TypePreference:
		return TierPermanent
	case importance >= 0.8:
		return TierPermanent
	case t == TypeError, t == TypeProcedure:
		return TierHot
	case importance >= 0.5:
		return TierWarm
	default:
		return TierCold
	}
}
