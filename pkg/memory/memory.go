// Package memory is the facade over the whole memory core.
//
// A Manager owns the durable store, the in-process index, the retrieval
// cascade and the background collaborators, and exposes the operations the
// protocol surface calls: remember, recall, forget, link, amend, reflect,
// context, feedback, graph exploration, consolidation and stats. The
// failure policy is asymmetric throughout: durable-store errors surface to
// the caller, everything else degrades silently.
package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/consolidator"
	"github.com/papercomputeco/recall/pkg/embeddings"
	"github.com/papercomputeco/recall/pkg/eventstream"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/llm"
	"github.com/papercomputeco/recall/pkg/search"
	"github.com/papercomputeco/recall/pkg/session"
	"github.com/papercomputeco/recall/pkg/store"
)

const (
	// DefaultContextBudget is the token budget for the context operation.
	DefaultContextBudget = 2000

	// ConflictMinSim is the cosine floor for the write-time conflict scan.
	ConflictMinSim = 0.8

	// AutoLinkMinSim is the cosine floor for auto-link candidates.
	AutoLinkMinSim = 0.7

	// AutoLinkSupersedeSim is the floor above which a same-type newer
	// fragment supersedes its peer.
	AutoLinkSupersedeSim = 0.85

	// AutoLinkMaxCandidates caps auto-link candidates per write.
	AutoLinkMaxCandidates = 3

	// CycleGuardLimit bounds the BFS used to reject cyclic links.
	CycleGuardLimit = 20
)

// Config tunes the manager.
type Config struct {
	// ContextBudget is the default token budget for context assembly.
	ContextBudget int
}

func (c Config) withDefaults() Config {
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultContextBudget
	}
	return c
}

// Manager is the memory facade.
type Manager struct {
	store        store.Driver
	index        *index.Index
	searcher     *search.Searcher
	factory      *fragment.Factory
	embedder     embeddings.Embedder
	llm          llm.Client
	activity     *session.Activity
	consolidator *consolidator.Consolidator
	publisher    eventstream.Publisher
	config       Config
	logger       *zap.Logger
	now          func() time.Time
}

// New wires a manager. embedder, llm and publisher may be nil; the
// operations needing them degrade per the failure policy.
func New(st store.Driver, ix *index.Index, searcher *search.Searcher, factory *fragment.Factory, embedder embeddings.Embedder, client llm.Client, activity *session.Activity, cons *consolidator.Consolidator, publisher eventstream.Publisher, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:        st,
		index:        ix,
		searcher:     searcher,
		factory:      factory,
		embedder:     embedder,
		llm:          client,
		activity:     activity,
		consolidator: cons,
		publisher:    publisher,
		config:       cfg.withDefaults(),
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Activity exposes the session tracker for the protocol surface.
func (m *Manager) Activity() *session.Activity {
	return m.activity
}

// RecallParams mirror the retrieval options of the cascade.
type RecallParams struct {
	Text          string
	Keywords      []string
	Topic         string
	Type          fragment.Type
	MinImportance float64
	Threshold     *float64
	TokenBudget   int
	IncludeLinks  *bool
	LinkRelation  *fragment.RelationType
	SessionID     string
	AgentID       string
}

// Recall runs the retrieval cascade.
func (m *Manager) Recall(ctx context.Context, params RecallParams) (*search.Result, error) {
	res, err := m.searcher.Search(ctx, search.Options{
		Text:          params.Text,
		Keywords:      params.Keywords,
		Topic:         params.Topic,
		Type:          params.Type,
		MinImportance: params.MinImportance,
		Threshold:     params.Threshold,
		TokenBudget:   params.TokenBudget,
		IncludeLinks:  params.IncludeLinks,
		LinkRelation:  params.LinkRelation,
		AgentID:       params.AgentID,
	})
	if err != nil {
		return nil, err
	}

	if m.activity != nil && params.SessionID != "" {
		m.activity.RecordToolCall(params.SessionID, params.AgentID, "recall")
		m.activity.RecordKeywords(params.SessionID, params.Keywords)
		for _, sc := range res.Fragments {
			m.activity.RecordFragment(params.SessionID, sc.Fragment.ID)
		}
	}
	return res, nil
}

// ForgetParams select fragments for deletion.
type ForgetParams struct {
	ID      string
	Topic   string
	Force   bool
	AgentID string
}

// ForgetResult reports what happened.
type ForgetResult struct {
	Deleted   int `json:"deleted"`
	Protected int `json:"protected"`
}

// Forget deletes by id or topic. Permanent fragments survive unless Force
// is set.
func (m *Manager) Forget(ctx context.Context, params ForgetParams) (*ForgetResult, error) {
	var targets []*fragment.Fragment
	switch {
	case params.ID != "":
		f, err := m.store.GetByID(ctx, params.ID, params.AgentID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, f)
	case params.Topic != "":
		found, err := m.store.ListByTopic(ctx, params.Topic, params.AgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list topic: %w", err)
		}
		targets = found
	default:
		return nil, fragment.ValidationError{Field: "id", Reason: "either id or topic is required"}
	}

	result := &ForgetResult{}
	for _, f := range targets {
		if f.TTLTier == fragment.TierPermanent && !params.Force {
			result.Protected++
			continue
		}
		if err := m.store.Delete(ctx, f.ID, params.AgentID); err != nil {
			return result, fmt.Errorf("failed to delete fragment: %w", err)
		}
		if m.index != nil {
			m.index.Deindex(f.ID, f.Keywords, f.Topic, f.Type)
		}
		result.Deleted++
	}
	return result, nil
}

// LinkParams describe one edge.
type LinkParams struct {
	FromID   string
	ToID     string
	Relation fragment.RelationType
	AgentID  string
}

// Link creates the edge. A resolved_by edge pointing at a live error
// fragment halves that error's importance.
func (m *Manager) Link(ctx context.Context, params LinkParams) error {
	if !params.Relation.Valid() {
		return fragment.ValidationError{Field: "relationType", Reason: "unknown relation " + string(params.Relation)}
	}
	if err := m.store.CreateLink(ctx, params.FromID, params.ToID, params.Relation, params.AgentID); err != nil {
		return err
	}

	if params.Relation == fragment.RelationResolvedBy {
		target, err := m.store.GetByID(ctx, params.ToID, params.AgentID)
		if err == nil && target.Type == fragment.TypeError && target.Importance > 0.5 {
			halved := target.Importance / 2
			if _, err := m.store.Update(ctx, target.ID, store.UpdatePatch{Importance: &halved}, params.AgentID); err != nil {
				m.logger.Warn("failed to downgrade resolved error", zap.String("fragment_id", target.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// AmendParams patch an existing fragment.
type AmendParams struct {
	ID         string
	Content    *string
	Topic      *string
	Keywords   []string
	Type       *fragment.Type
	Importance *float64

	// Supersedes names a fragment the amended one replaces.
	Supersedes string

	AgentID string
}

// AmendResult reports the updated fragment, or the merge target when the
// new content collided with an existing row.
type AmendResult struct {
	Merged     bool               `json:"merged"`
	ExistingID string             `json:"existing_id,omitempty"`
	Fragment   *fragment.Fragment `json:"fragment,omitempty"`
}

// Amend archives the previous version, applies the patch and reindexes.
func (m *Manager) Amend(ctx context.Context, params AmendParams) (*AmendResult, error) {
	previous, err := m.store.GetByID(ctx, params.ID, params.AgentID)
	if err != nil {
		return nil, err
	}

	res, err := m.store.Update(ctx, params.ID, store.UpdatePatch{
		Content:    params.Content,
		Topic:      params.Topic,
		Keywords:   params.Keywords,
		Type:       params.Type,
		Importance: params.Importance,
	}, params.AgentID)
	if err != nil {
		return nil, err
	}
	if res.Merged {
		return &AmendResult{Merged: true, ExistingID: res.ExistingID}, nil
	}

	if m.index != nil {
		m.index.Deindex(previous.ID, previous.Keywords, previous.Topic, previous.Type)
		m.index.Index(res.Fragment, "")
	}

	if params.Supersedes != "" {
		if err := m.store.CreateLink(ctx, params.Supersedes, params.ID, fragment.RelationRelated, params.AgentID); err != nil {
			m.logger.Warn("failed to link superseded fragment", zap.Error(err))
		} else {
			demoted := 0.3
			if _, err := m.store.Update(ctx, params.Supersedes, store.UpdatePatch{Importance: &demoted}, params.AgentID); err != nil {
				m.logger.Warn("failed to demote superseded fragment", zap.Error(err))
			}
		}
	}

	return &AmendResult{Fragment: res.Fragment}, nil
}

// ToolFeedbackParams mirror one per-tool usefulness report.
type ToolFeedbackParams struct {
	ToolName    string
	Relevant    bool
	Sufficient  bool
	Suggestion  string
	Context     string
	SessionID   string
	TriggerType string
}

// ToolFeedback persists the report.
func (m *Manager) ToolFeedback(ctx context.Context, params ToolFeedbackParams) error {
	if params.ToolName == "" {
		return fragment.ValidationError{Field: "toolName", Reason: "must not be empty"}
	}
	return m.store.InsertToolFeedback(ctx, &fragment.ToolFeedback{
		ToolName:    params.ToolName,
		Relevant:    params.Relevant,
		Sufficient:  params.Sufficient,
		Suggestion:  params.Suggestion,
		Context:     params.Context,
		SessionID:   params.SessionID,
		TriggerType: params.TriggerType,
		CreatedAt:   m.now(),
	})
}

// GraphExplore walks the root-cause chain from a fragment.
func (m *Manager) GraphExplore(ctx context.Context, startID, agentID string) ([]*store.ChainNode, error) {
	return m.store.GetRCAChain(ctx, startID, agentID)
}

// Consolidate runs the maintenance pipeline once.
func (m *Manager) Consolidate(ctx context.Context) (*consolidator.Report, error) {
	if m.consolidator == nil {
		return nil, fmt.Errorf("consolidator not configured")
	}
	return m.consolidator.Run(ctx)
}

// Stats reports store-level aggregates for the scope.
func (m *Manager) Stats(ctx context.Context, agentID string) (*store.Stats, error) {
	return m.store.Stats(ctx, agentID)
}
