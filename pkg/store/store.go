// Package store defines the durable persistence interface for fragments.
//
// The Driver is the primary interface for the L2/L3 tiers and the
// consolidator sweeps. Implementations live in pkg/store/postgres (pgx +
// pgvector) and pkg/store/inmemory (tests and development).
package store

import (
	"context"
	"time"

	"github.com/papercomputeco/recall/pkg/fragment"
)

// Watermark names recorded by the consolidator.
const (
	WatermarkContradiction = "contradiction_check"
	WatermarkFeedback      = "feedback_report"
)

// InsertResult reports the outcome of an Insert.
type InsertResult struct {
	// ID of the stored fragment. On a hash collision this is the existing
	// fragment's id.
	ID string `json:"id"`

	// Created is false when the content hash matched an existing row.
	Created bool `json:"created"`

	// Importance after any collision bump.
	Importance float64 `json:"importance"`
}

// KeywordQuery is the L2 durable keyword search input.
type KeywordQuery struct {
	Keywords      []string
	Topic         string
	Type          fragment.Type
	MinImportance float64
	Limit         int
}

// SemanticMatch pairs a fragment with its cosine similarity to the query.
type SemanticMatch struct {
	Fragment   *fragment.Fragment
	Similarity float64
}

// UpdatePatch is a partial fragment mutation. Nil fields are untouched.
type UpdatePatch struct {
	Content    *string
	Topic      *string
	Keywords   []string
	Type       *fragment.Type
	Importance *float64
	IsAnchor   *bool
	TTLTier    *fragment.TTLTier
}

// UpdateResult reports the outcome of an Update.
type UpdateResult struct {
	// Merged is true when a content change produced a hash colliding with
	// a different row. Neither row was mutated.
	Merged bool `json:"merged"`

	// ExistingID is the colliding row's id when Merged.
	ExistingID string `json:"existing_id,omitempty"`

	// Fragment is the post-update row when not Merged.
	Fragment *fragment.Fragment `json:"fragment,omitempty"`
}

// LinkedFragment is a one-hop neighbour with the relation that reached it.
type LinkedFragment struct {
	Fragment *fragment.Fragment
	Relation fragment.RelationType
	FromID   string
}

// ChainNode is one node of an RCA walk.
type ChainNode struct {
	Fragment *fragment.Fragment
	Relation fragment.RelationType
	Depth    int
}

// CandidatePair is a potential contradiction found by the candidate query.
type CandidatePair struct {
	Newer      *fragment.Fragment
	Older      *fragment.Fragment
	Similarity float64
}

// Stats summarises a scope's stored fragments.
type Stats struct {
	Total         int                      `json:"total"`
	ByType        map[fragment.Type]int    `json:"by_type"`
	ByTier        map[fragment.TTLTier]int `json:"by_tier"`
	Anchors       int                      `json:"anchors"`
	WithEmbedding int                      `json:"with_embedding"`
	AvgImportance float64                  `json:"avg_importance"`
	TopTopics     []TopicCount             `json:"top_topics,omitempty"`
}

// TopicCount is a topic with its fragment count.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Feedback bundles the feedback rows accumulated since a watermark.
type Feedback struct {
	Tools []*fragment.ToolFeedback
	Tasks []*fragment.TaskFeedback
}

// Driver defines the durable store for fragments, links, versions and
// feedback. Scope enforcement applies to every non-sweep operation: a row
// is visible when its agent_id equals the caller's, equals the shared pool
// tag, or the caller is a maintenance principal.
type Driver interface {
	// Insert stores a fragment. A content-hash collision within the scope
	// returns the existing id with Created=false and raises the existing
	// row's importance to the greater of the two.
	Insert(ctx context.Context, f *fragment.Fragment) (*InsertResult, error)

	// GetByID retrieves a fragment under the caller's scope.
	GetByID(ctx context.Context, id, agentID string) (*fragment.Fragment, error)

	// GetByIDs retrieves several fragments, silently skipping misses.
	GetByIDs(ctx context.Context, ids []string, agentID string) ([]*fragment.Fragment, error)

	// SearchByKeywords runs the L2 array-overlap query. Rows that are the
	// source of a superseded_by edge are excluded.
	SearchByKeywords(ctx context.Context, agentID string, q KeywordQuery) ([]*fragment.Fragment, error)

	// SearchBySemantic runs the L3 cosine search, filtering matches below
	// minSim and excluding superseded_by sources.
	SearchBySemantic(ctx context.Context, agentID string, queryVec []float32, limit int, minSim float64) ([]*SemanticMatch, error)

	// ListByTopic returns every fragment under the topic in the scope.
	ListByTopic(ctx context.Context, topic, agentID string) ([]*fragment.Fragment, error)

	// IncrementAccess bumps access_count and accessed_at for the ids.
	// Failures are the caller's to log; the bump is best-effort.
	IncrementAccess(ctx context.Context, ids []string, agentID string) error

	// Update archives the current row into the version table and applies
	// the patch. A content change recomputes the hash; a collision with a
	// different row returns Merged without mutating either row. Content
	// mutation invalidates the embedding.
	Update(ctx context.Context, id string, patch UpdatePatch, agentID string) (*UpdateResult, error)

	// Delete removes the fragment, its edges, and prunes every linked_to
	// array referencing it.
	Delete(ctx context.Context, id, agentID string) error

	// CreateLink upserts the edge and maintains both linked_to mirrors.
	CreateLink(ctx context.Context, fromID, toID string, rel fragment.RelationType, agentID string) error

	// GetLinkedFragments joins edges to rows for the one-hop expansion,
	// ordered resolved_by < caused_by < other then importance DESC,
	// capped at limit. A non-nil rel filters to that relation.
	GetLinkedFragments(ctx context.Context, fromIDs []string, rel *fragment.RelationType, limit int, agentID string) ([]*LinkedFragment, error)

	// GetRCAChain walks caused_by and resolved_by edges one hop from
	// startID, returning the start node plus its targets.
	GetRCAChain(ctx context.Context, startID, agentID string) ([]*ChainNode, error)

	// Count returns the number of fragments visible to the scope.
	Count(ctx context.Context, agentID string) (int, error)

	// Stats aggregates the scope's fragments.
	Stats(ctx context.Context, agentID string) (*Stats, error)

	// DeleteExpired drops rows with importance < 0.1, non-permanent tier,
	// not anchored, inactive for 90 days, and fewer than 2 links.
	DeleteExpired(ctx context.Context) (int, error)

	// DecayImportance multiplies importance by 0.995 for non-permanent,
	// non-preference, non-anchor rows inactive for at least a day.
	DecayImportance(ctx context.Context) (int, error)

	// TransitionTTL promotes preferences, hubs and high-importance rows
	// to permanent and demotes idle or low-importance warm rows to cold.
	// Returns the number of rows whose tier changed.
	TransitionTTL(ctx context.Context) (int, error)

	// MissingEmbeddings returns the top-n NULL-embedding rows by
	// importance, for backfill.
	MissingEmbeddings(ctx context.Context, n int) ([]*fragment.Fragment, error)

	// SetEmbedding writes the embedding for a row.
	SetEmbedding(ctx context.Context, id string, vec []float32) error

	// DuplicateGroups returns groups of rows sharing a content hash
	// within a scope, each group ordered by created_at ascending.
	DuplicateGroups(ctx context.Context) ([][]*fragment.Fragment, error)

	// MergeFragments rewrites edges and linked_to references from the
	// losers to the survivor, accrues the losers' access counts, and
	// deletes the losers.
	MergeFragments(ctx context.Context, survivorID string, loserIDs []string) error

	// RecomputeUtility rewrites utility_score from importance and
	// access_count for every row.
	RecomputeUtility(ctx context.Context) (int, error)

	// PromoteAnchors marks rows with access_count >= minAccess and
	// importance >= minImportance as anchors.
	PromoteAnchors(ctx context.Context, minAccess int, minImportance float64) (int, error)

	// ContradictionCandidates pairs rows created since the watermark with
	// same-topic peers above the cosine similarity floor.
	ContradictionCandidates(ctx context.Context, since time.Time, minSim float64) ([]*CandidatePair, error)

	// StaleCandidates returns up to limit rows ordered by days since
	// verification, oldest first.
	StaleCandidates(ctx context.Context, limit int) ([]*fragment.Fragment, error)

	// InsertToolFeedback persists a per-tool usefulness report.
	InsertToolFeedback(ctx context.Context, fb *fragment.ToolFeedback) error

	// InsertTaskFeedback persists a session-level effectiveness report.
	InsertTaskFeedback(ctx context.Context, fb *fragment.TaskFeedback) error

	// FeedbackSince returns feedback rows created after the watermark.
	FeedbackSince(ctx context.Context, since time.Time) (*Feedback, error)

	// GetWatermark reads a named maintenance watermark. A missing
	// watermark returns the zero time.
	GetWatermark(ctx context.Context, name string) (time.Time, error)

	// SetWatermark records a named maintenance watermark.
	SetWatermark(ctx context.Context, name string, t time.Time) error

	// Close releases the driver's resources.
	Close() error
}
