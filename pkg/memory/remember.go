package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/evaluator"
	"github.com/papercomputeco/recall/pkg/eventstream"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
)

// ScopeSession confines a write to working memory.
const ScopeSession = "session"

// RememberParams describe one write.
type RememberParams struct {
	Content    string
	Topic      string
	Keywords   []string
	Type       fragment.Type
	Importance *float64
	Source     string
	LinkedTo   []string
	IsAnchor   bool

	// Scope is "" for durable writes or ScopeSession for working memory.
	Scope string

	SessionID string
	AgentID   string
}

// Conflict is a same-topic fragment semantically close enough to the new
// content that the caller should review it.
type Conflict struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// RememberResult reports the write.
type RememberResult struct {
	ID        string           `json:"id"`
	Keywords  []string         `json:"keywords"`
	TTLTier   fragment.TTLTier `json:"ttl_tier"`
	Scope     string           `json:"scope"`
	Merged    bool             `json:"merged,omitempty"`
	Conflicts []Conflict       `json:"conflicts,omitempty"`
}

// Remember validates, redacts and persists one fragment, then runs the
// best-effort write-side pipeline: indexing, explicit links, evaluation
// enqueue, conflict scan and auto-linking.
func (m *Manager) Remember(ctx context.Context, params RememberParams) (*RememberResult, error) {
	f, err := m.factory.Create(fragment.CreateParams{
		Content:    params.Content,
		Topic:      params.Topic,
		Keywords:   params.Keywords,
		Type:       params.Type,
		Importance: params.Importance,
		Source:     params.Source,
		AgentID:    params.AgentID,
		LinkedTo:   params.LinkedTo,
		IsAnchor:   params.IsAnchor,
	})
	if err != nil {
		return nil, err
	}

	if m.activity != nil && params.SessionID != "" {
		m.activity.RecordToolCall(params.SessionID, params.AgentID, "remember")
		m.activity.RecordKeywords(params.SessionID, f.Keywords)
	}

	// Session scope never reaches the durable store.
	if params.Scope == ScopeSession {
		if m.index != nil {
			m.index.PushWorkingMemory(params.SessionID, index.WorkingMemoryEntry{
				Content:    f.Content,
				Topic:      f.Topic,
				Importance: f.Importance,
				Tokens:     f.EstimatedTokens,
				CreatedAt:  f.CreatedAt,
			})
		}
		return &RememberResult{
			ID:       f.ID,
			Keywords: f.Keywords,
			TTLTier:  f.TTLTier,
			Scope:    ScopeSession,
		}, nil
	}

	// Embedding is best effort; the backfill stage repairs misses.
	if m.embedder != nil {
		if vec, err := m.embedder.Embed(ctx, f.Content); err == nil {
			f.Embedding = vec
		} else {
			m.logger.Debug("stored without embedding", zap.Error(err))
		}
	}

	inserted, err := m.store.Insert(ctx, f)
	if err != nil {
		return nil, err
	}
	result := &RememberResult{
		ID:       inserted.ID,
		Keywords: f.Keywords,
		TTLTier:  f.TTLTier,
		Scope:    "durable",
		Merged:   !inserted.Created,
	}

	// Everything below is post-insert and best effort.
	if inserted.Created {
		if m.index != nil {
			m.index.Index(f, params.SessionID)
		}
		for _, id := range params.LinkedTo {
			if err := m.store.CreateLink(ctx, f.ID, id, fragment.RelationRelated, params.AgentID); err != nil {
				m.logger.Warn("failed to link supplied fragment", zap.String("to", id), zap.Error(err))
			}
		}
		evaluator.Enqueue(m.index, f)
		result.Conflicts = m.scanConflicts(ctx, f)
		m.autoLink(ctx, f)
		m.publishFragment(ctx, f, params.SessionID)
	}

	if m.activity != nil && params.SessionID != "" {
		m.activity.RecordFragment(params.SessionID, result.ID)
	}
	return result, nil
}

// scanConflicts returns same-topic peers whose similarity exceeds the
// conflict floor.
func (m *Manager) scanConflicts(ctx context.Context, f *fragment.Fragment) []Conflict {
	if len(f.Embedding) == 0 {
		return nil
	}
	matches, err := m.store.SearchBySemantic(ctx, f.AgentID, f.Embedding, AutoLinkMaxCandidates+1, ConflictMinSim)
	if err != nil {
		m.logger.Debug("conflict scan skipped", zap.Error(err))
		return nil
	}

	var conflicts []Conflict
	for _, match := range matches {
		if match.Fragment.ID == f.ID || match.Fragment.Topic != f.Topic {
			continue
		}
		conflicts = append(conflicts, Conflict{
			ID:         match.Fragment.ID,
			Content:    match.Fragment.Content,
			Similarity: match.Similarity,
		})
	}
	return conflicts
}

// autoLink classifies up to three nearby same-topic peers and records the
// inferred edges.
func (m *Manager) autoLink(ctx context.Context, f *fragment.Fragment) {
	if len(f.Embedding) == 0 {
		return
	}
	matches, err := m.store.SearchBySemantic(ctx, f.AgentID, f.Embedding, AutoLinkMaxCandidates*2, AutoLinkMinSim)
	if err != nil {
		m.logger.Debug("auto-link skipped", zap.Error(err))
		return
	}

	linked := 0
	for _, match := range matches {
		if linked >= AutoLinkMaxCandidates {
			break
		}
		peer := match.Fragment
		if peer.ID == f.ID || peer.Topic != f.Topic {
			continue
		}

		from, to, rel := f.ID, peer.ID, fragment.RelationRelated
		switch {
		case f.Type == fragment.TypeError && peer.Type == fragment.TypeError && marksResolution(f.Content):
			rel = fragment.RelationResolvedBy
			from, to = peer.ID, f.ID
		case f.Type == peer.Type && match.Similarity > AutoLinkSupersedeSim && f.CreatedAt.After(peer.CreatedAt):
			rel = fragment.RelationSupersededBy
			from, to = peer.ID, f.ID
		}

		if err := m.store.CreateLink(ctx, from, to, rel, f.AgentID); err != nil {
			m.logger.Debug("auto-link edge failed", zap.Error(err))
			continue
		}
		linked++
	}
}

// marksResolution reports whether content reads like a fix for an earlier
// error.
func marksResolution(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range []string{"resolved", "fixed", "solved", "해결"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (m *Manager) publishFragment(ctx context.Context, f *fragment.Fragment, sessionID string) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishFragment(ctx, eventstream.NewFragmentPersisted(f, sessionID)); err != nil {
		m.logger.Debug("failed to publish fragment event", zap.Error(err))
	}
}
