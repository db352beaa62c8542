package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/session"
)

const (
	// PrefixResolved marks a resolved error materialised from a
	// reflection.
	PrefixResolved = "[해결됨] "

	// PrefixOpen marks an open question materialised from a reflection.
	PrefixOpen = "[미해결] "
)

// TaskEffectiveness is the optional session-level effectiveness report.
type TaskEffectiveness struct {
	OverallSuccess bool
	ToolHighlights []string
	ToolPainPoints []string
}

// ReflectParams carry one structured session reflection.
type ReflectParams struct {
	Summary           string
	SessionID         string
	Decisions         []string
	ErrorsResolved    []string
	NewProcedures     []string
	OpenQuestions     []string
	TaskEffectiveness *TaskEffectiveness
	AgentID           string
}

// ReflectResult reports the fragments a reflection produced.
type ReflectResult struct {
	FragmentIDs []string `json:"fragment_ids"`
	Count       int      `json:"count"`
}

// Reflect materialises a session reflection: summary facts, typed fragments
// per list, rule-based causal links and the optional task feedback. The
// session's working memory is cleared afterwards.
func (m *Manager) Reflect(ctx context.Context, params ReflectParams) (*ReflectResult, error) {
	result := &ReflectResult{}

	persist := func(f *fragment.Fragment) (string, error) {
		res, err := m.store.Insert(ctx, f)
		if err != nil {
			return "", err
		}
		if res.Created && m.index != nil {
			m.index.Index(f, params.SessionID)
		}
		result.FragmentIDs = append(result.FragmentIDs, res.ID)
		return res.ID, nil
	}

	if params.Summary != "" {
		facts, err := m.factory.Split(params.Summary, fragment.CreateParams{
			Type:    fragment.TypeFact,
			Source:  "reflection",
			AgentID: params.AgentID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to split summary: %w", err)
		}
		for _, f := range facts {
			if _, err := persist(f); err != nil {
				return nil, err
			}
		}
	}

	materialise := func(items []string, typ fragment.Type, prefix string) ([]string, error) {
		var ids []string
		for _, item := range items {
			if item == "" {
				continue
			}
			f, err := m.factory.Create(fragment.CreateParams{
				Content: prefix + item,
				Type:    typ,
				Source:  "reflection",
				AgentID: params.AgentID,
			})
			if err != nil {
				m.logger.Warn("skipped invalid reflection item", zap.Error(err))
				continue
			}
			id, err := persist(f)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	decisionIDs, err := materialise(params.Decisions, fragment.TypeDecision, "")
	if err != nil {
		return nil, err
	}
	errorIDs, err := materialise(params.ErrorsResolved, fragment.TypeError, PrefixResolved)
	if err != nil {
		return nil, err
	}
	procedureIDs, err := materialise(params.NewProcedures, fragment.TypeProcedure, "")
	if err != nil {
		return nil, err
	}
	if _, err := materialise(params.OpenQuestions, fragment.TypeFact, PrefixOpen); err != nil {
		return nil, err
	}

	// Rule-based causal links: errors were caused by the decisions of the
	// session, and the new procedures are what resolved the errors.
	for _, errID := range errorIDs {
		for _, decID := range decisionIDs {
			m.linkGuarded(ctx, errID, decID, fragment.RelationCausedBy, params.AgentID)
		}
	}
	for _, procID := range procedureIDs {
		for _, errID := range errorIDs {
			m.linkGuarded(ctx, procID, errID, fragment.RelationResolvedBy, params.AgentID)
		}
	}

	if params.TaskEffectiveness != nil {
		if err := m.store.InsertTaskFeedback(ctx, &fragment.TaskFeedback{
			SessionID:      params.SessionID,
			OverallSuccess: params.TaskEffectiveness.OverallSuccess,
			ToolHighlights: params.TaskEffectiveness.ToolHighlights,
			ToolPainPoints: params.TaskEffectiveness.ToolPainPoints,
			CreatedAt:      m.now(),
		}); err != nil {
			m.logger.Warn("failed to persist task feedback", zap.Error(err))
		}
	}

	if m.index != nil && params.SessionID != "" {
		m.index.ClearWorkingMemory(params.SessionID)
	}

	result.Count = len(result.FragmentIDs)
	return result, nil
}

// linkGuarded creates the edge unless it would close a cycle.
func (m *Manager) linkGuarded(ctx context.Context, fromID, toID string, rel fragment.RelationType, agentID string) {
	if fromID == toID {
		return
	}
	cyclic, err := m.wouldCreateCycle(ctx, fromID, toID, agentID)
	if err != nil {
		m.logger.Debug("cycle check failed, skipping link", zap.Error(err))
		return
	}
	if cyclic {
		m.logger.Debug("skipping cyclic link",
			zap.String("from", fromID), zap.String("to", toID), zap.String("relation", string(rel)))
		return
	}
	if err := m.store.CreateLink(ctx, fromID, toID, rel, agentID); err != nil {
		m.logger.Debug("rule link failed", zap.Error(err))
	}
}

// wouldCreateCycle walks the directed link graph from toID and reports
// whether fromID is reachable within the guard limit.
func (m *Manager) wouldCreateCycle(ctx context.Context, fromID, toID, agentID string) (bool, error) {
	visited := map[string]bool{toID: true}
	frontier := []string{toID}

	for len(frontier) > 0 && len(visited) <= CycleGuardLimit {
		linked, err := m.store.GetLinkedFragments(ctx, frontier, nil, CycleGuardLimit, agentID)
		if err != nil {
			return false, err
		}
		frontier = frontier[:0]
		for _, lf := range linked {
			id := lf.Fragment.ID
			if id == fromID {
				return true, nil
			}
			if !visited[id] {
				visited[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return false, nil
}

// Sink returns the session.Sink view of the manager for auto-reflection.
func (m *Manager) Sink() session.Sink {
	return &reflectSink{m: m}
}

type reflectSink struct {
	m *Manager
}

func (s *reflectSink) Reflect(ctx context.Context, sessionID, agentID string, r session.Reflection) error {
	_, err := s.m.Reflect(ctx, ReflectParams{
		Summary:        r.Summary,
		SessionID:      sessionID,
		Decisions:      r.Decisions,
		ErrorsResolved: r.ErrorsResolved,
		NewProcedures:  r.NewProcedures,
		OpenQuestions:  r.OpenQuestions,
		AgentID:        agentID,
	})
	return err
}

func (s *reflectSink) RememberFact(ctx context.Context, content, sessionID, agentID string) error {
	_, err := s.m.Remember(ctx, RememberParams{
		Content:   content,
		Type:      fragment.TypeFact,
		Source:    "reflection",
		SessionID: sessionID,
		AgentID:   agentID,
	})
	return err
}
