// Package consolidator runs the periodic maintenance pipeline over the
// fragment store.
//
// One Run executes eleven ordered stages: lifecycle sweeps, dedup,
// embedding backfill, utility and anchor upkeep, hybrid contradiction
// detection, pending-queue drain, feedback reporting and index pruning.
// A failing stage is logged and skipped; the pipeline always runs to the
// end and reports per-stage counters.
package consolidator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/embeddings"
	"github.com/papercomputeco/recall/pkg/eventstream"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/llm"
	"github.com/papercomputeco/recall/pkg/nli"
	"github.com/papercomputeco/recall/pkg/store"
)

const (
	// BackfillBatch is how many NULL-embedding fragments one run repairs.
	BackfillBatch = 5

	// AnchorMinAccess and AnchorMinImportance gate anchor promotion.
	AnchorMinAccess     = 10
	AnchorMinImportance = 0.8

	// CandidateMinSim is the cosine floor for contradiction candidates.
	CandidateMinSim = 0.85

	// PendingMinSim is the cosine floor above which an unresolvable pair
	// is deferred instead of dropped.
	PendingMinSim = 0.92

	// PendingDrainLimit caps how many deferred pairs one run retries.
	PendingDrainLimit = 10

	// StaleTopLimit is how many stale fragments the report lists.
	StaleTopLimit = 20
)

// Stage counter keys, in pipeline order.
const (
	StageTTLTransitions = "ttl_transitions"
	StageDecay          = "importance_decay"
	StageExpired        = "expired_deleted"
	StageDedup          = "duplicates_merged"
	StageBackfill       = "embeddings_backfilled"
	StageUtility        = "utility_recomputed"
	StageAnchors        = "anchors_promoted"
	StageContradictions = "contradictions_resolved"
	StagePending        = "pending_drained"
	StageFeedback       = "feedback_reports"
	StagePruning        = "index_pruned"
)

// StaleEntry is one fragment in the stale listing.
type StaleEntry struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Days  int    `json:"days_since_verification"`
}

// Report is the outcome of one pipeline run.
type Report struct {
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Stages      map[string]int `json:"stages"`
	StaleTop    []StaleEntry   `json:"stale_top,omitempty"`

	// FeedbackNotes is the markdown artefact from the feedback stage.
	FeedbackNotes string `json:"feedback_notes,omitempty"`
}

// Consolidator owns one maintenance pipeline. Callers serialise runs.
type Consolidator struct {
	store     store.Driver
	index     *index.Index
	embedder  embeddings.Embedder
	nli       nli.Classifier
	llm       llm.Client
	publisher eventstream.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New wires a consolidator. embedder, nli, llm and publisher may each be
// nil; the stages needing them degrade per their failure rules.
func New(st store.Driver, ix *index.Index, embedder embeddings.Embedder, classifier nli.Classifier, client llm.Client, publisher eventstream.Publisher, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		store:     st,
		index:     ix,
		embedder:  embedder,
		nli:       classifier,
		llm:       client,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (c *Consolidator) WithClock(now func() time.Time) *Consolidator {
	c.now = now
	return c
}

// Run executes the full pipeline and returns the per-stage report.
func (c *Consolidator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		StartedAt: c.now(),
		Stages:    make(map[string]int),
	}

	c.stage(report, StageTTLTransitions, func() (int, error) {
		return c.store.TransitionTTL(ctx)
	})
	c.stage(report, StageDecay, func() (int, error) {
		return c.store.DecayImportance(ctx)
	})
	c.stage(report, StageExpired, func() (int, error) {
		return c.store.DeleteExpired(ctx)
	})
	c.stage(report, StageDedup, func() (int, error) {
		return c.mergeDuplicates(ctx)
	})
	c.stage(report, StageBackfill, func() (int, error) {
		return c.backfillEmbeddings(ctx)
	})
	c.stage(report, StageUtility, func() (int, error) {
		return c.store.RecomputeUtility(ctx)
	})
	c.stage(report, StageAnchors, func() (int, error) {
		return c.store.PromoteAnchors(ctx, AnchorMinAccess, AnchorMinImportance)
	})
	c.stage(report, StageContradictions, func() (int, error) {
		return c.detectContradictions(ctx)
	})
	c.stage(report, StagePending, func() (int, error) {
		return c.drainPending(ctx)
	})
	c.stage(report, StageFeedback, func() (int, error) {
		return c.feedbackReport(ctx, report)
	})
	c.stage(report, StagePruning, func() (int, error) {
		return c.pruneAndGatherStale(ctx, report)
	})

	report.CompletedAt = c.now()
	c.publishReport(ctx, report)

	c.logger.Info("consolidation complete",
		zap.Duration("took", report.CompletedAt.Sub(report.StartedAt)),
		zap.Any("stages", report.Stages))
	return report, nil
}

// stage runs fn, records its counter and logs failures without aborting.
func (c *Consolidator) stage(report *Report, name string, fn func() (int, error)) {
	n, err := fn()
	if err != nil {
		c.logger.Warn("consolidation stage failed", zap.String("stage", name), zap.Error(err))
		return
	}
	report.Stages[name] = n
}

// mergeDuplicates collapses identical content hashes onto the earliest
// survivor.
func (c *Consolidator) mergeDuplicates(ctx context.Context) (int, error) {
	groups, err := c.store.DuplicateGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list duplicates: %w", err)
	}
	merged := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := group[0]
		losers := make([]string, 0, len(group)-1)
		for _, f := range group[1:] {
			losers = append(losers, f.ID)
		}
		if err := c.store.MergeFragments(ctx, survivor.ID, losers); err != nil {
			c.logger.Warn("failed to merge duplicate group",
				zap.String("survivor", survivor.ID), zap.Error(err))
			continue
		}
		merged += len(losers)
	}
	return merged, nil
}

// backfillEmbeddings repairs fragments whose embedding is missing, most
// important first.
func (c *Consolidator) backfillEmbeddings(ctx context.Context) (int, error) {
	if c.embedder == nil {
		return 0, nil
	}
	missing, err := c.store.MissingEmbeddings(ctx, BackfillBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list missing embeddings: %w", err)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	pool, err := embeddings.NewPool(&embeddings.PoolConfig{
		Embedder: c.embedder,
		Sink:     c.store,
		Logger:   c.logger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create embedding pool: %w", err)
	}

	for _, f := range missing {
		pool.Enqueue(embeddings.Job{ID: f.ID, Text: f.Content})
	}
	pool.Close()
	return pool.Done(), nil
}

// pruneAndGatherStale trims oversized index sets and records the top stale
// fragments on the report.
func (c *Consolidator) pruneAndGatherStale(ctx context.Context, report *Report) (int, error) {
	pruned := 0
	if c.index != nil {
		pruned = c.index.Prune(index.DefaultMaxSetSize)
	}

	stale, err := c.store.StaleCandidates(ctx, StaleTopLimit)
	if err != nil {
		return pruned, fmt.Errorf("failed to list stale fragments: %w", err)
	}
	now := c.now()
	for _, f := range stale {
		verified := f.VerifiedAt
		if verified.IsZero() {
			verified = f.CreatedAt
		}
		report.StaleTop = append(report.StaleTop, StaleEntry{
			ID:    f.ID,
			Topic: f.Topic,
			Days:  int(now.Sub(verified).Hours() / 24),
		})
	}
	return pruned, nil
}

func (c *Consolidator) publishReport(ctx context.Context, report *Report) {
	if c.publisher == nil {
		return
	}
	event := eventstream.NewConsolidationReport(report.StartedAt, report.CompletedAt, report.Stages)
	for _, entry := range report.StaleTop {
		event.StaleTop = append(event.StaleTop, entry.ID)
	}
	event.FeedbackNotes = report.FeedbackNotes
	if err := c.publisher.PublishReport(ctx, event); err != nil {
		c.logger.Warn("failed to publish consolidation report", zap.Error(err))
	}
}
