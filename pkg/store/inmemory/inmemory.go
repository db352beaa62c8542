// Package inmemory implements store.Driver with in-process maps. Used by
// tests and local development; semantics mirror the postgres driver,
// including scope visibility and superseded-source exclusion.
package inmemory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/store"
)

type linkKey struct {
	from string
	to   string
}

// Driver implements store.Driver over in-process maps.
type Driver struct {
	mu         sync.RWMutex
	fragments  map[string]*fragment.Fragment
	links      map[linkKey]*fragment.Link
	versions   []*fragment.Version
	tools      []*fragment.ToolFeedback
	tasks      []*fragment.TaskFeedback
	watermarks map[string]time.Time

	now func() time.Time
}

// NewDriver creates an empty in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		fragments:  make(map[string]*fragment.Fragment),
		links:      make(map[linkKey]*fragment.Link),
		watermarks: make(map[string]time.Time),
		now:        time.Now,
	}
}

// WithClock overrides the driver clock. Used by tests.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.now = now
	return d
}

func visible(f *fragment.Fragment, agentID string) bool {
	return f.AgentID == agentID ||
		f.AgentID == fragment.SharedAgentID ||
		fragment.IsMaintenance(agentID)
}

// supersededLocked returns the set of fragment ids that are the source of
// a superseded_by edge.
func (d *Driver) supersededLocked() map[string]struct{} {
	out := make(map[string]struct{})
	for k, l := range d.links {
		if l.Relation == fragment.RelationSupersededBy {
			out[k.from] = struct{}{}
		}
	}
	return out
}

// Insert stores the fragment, deduplicating on content hash within the
// scope.
func (d *Driver) Insert(_ context.Context, f *fragment.Fragment) (*store.InsertResult, error) {
	if f == nil {
		return nil, errors.New("cannot store nil fragment")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.fragments {
		if existing.ContentHash == f.ContentHash && existing.AgentID == f.AgentID {
			if f.Importance > existing.Importance {
				existing.Importance = f.Importance
			}
			return &store.InsertResult{
				ID:         existing.ID,
				Created:    false,
				Importance: existing.Importance,
			}, nil
		}
	}

	d.fragments[f.ID] = f.Clone()
	return &store.InsertResult{ID: f.ID, Created: true, Importance: f.Importance}, nil
}

// GetByID retrieves a fragment under the caller's scope.
func (d *Driver) GetByID(_ context.Context, id, agentID string) (*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.fragments[id]
	if !ok || !visible(f, agentID) {
		return nil, store.NotFoundError{ID: id}
	}
	return f.Clone(), nil
}

// GetByIDs retrieves several fragments, silently skipping misses.
func (d *Driver) GetByIDs(_ context.Context, ids []string, agentID string) ([]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*fragment.Fragment, 0, len(ids))
	for _, id := range ids {
		if f, ok := d.fragments[id]; ok && visible(f, agentID) {
			out = append(out, f.Clone())
		}
	}
	return out, nil
}

// SearchByKeywords runs the keyword-overlap query with optional filters.
func (d *Driver) SearchByKeywords(_ context.Context, agentID string, q store.KeywordQuery) ([]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	superseded := d.supersededLocked()

	var out []*fragment.Fragment
	for _, f := range d.fragments {
		if !visible(f, agentID) {
			continue
		}
		if _, ok := superseded[f.ID]; ok {
			continue
		}
		if len(q.Keywords) > 0 && !overlaps(f.Keywords, q.Keywords) {
			continue
		}
		if q.Topic != "" && f.Topic != q.Topic {
			continue
		}
		if q.Type != "" && f.Type != q.Type {
			continue
		}
		if f.Importance < q.MinImportance {
			continue
		}
		out = append(out, f.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SearchBySemantic runs a brute-force cosine search.
func (d *Driver) SearchBySemantic(_ context.Context, agentID string, queryVec []float32, limit int, minSim float64) ([]*store.SemanticMatch, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	superseded := d.supersededLocked()

	var out []*store.SemanticMatch
	for _, f := range d.fragments {
		if !visible(f, agentID) || len(f.Embedding) == 0 {
			continue
		}
		if _, ok := superseded[f.ID]; ok {
			continue
		}
		sim := cosine(queryVec, f.Embedding)
		if sim < minSim {
			continue
		}
		out = append(out, &store.SemanticMatch{Fragment: f.Clone(), Similarity: sim})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByTopic returns every fragment under the topic in the scope.
func (d *Driver) ListByTopic(_ context.Context, topic, agentID string) ([]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*fragment.Fragment
	for _, f := range d.fragments {
		if f.Topic == topic && visible(f, agentID) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IncrementAccess bumps access counters for the ids.
func (d *Driver) IncrementAccess(_ context.Context, ids []string, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for _, id := range ids {
		if f, ok := d.fragments[id]; ok && visible(f, agentID) {
			f.AccessCount++
			f.AccessedAt = now
		}
	}
	return nil
}

// Update archives the current row and applies the patch.
func (d *Driver) Update(_ context.Context, id string, patch store.UpdatePatch, agentID string) (*store.UpdateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fragments[id]
	if !ok || !visible(f, agentID) {
		return nil, store.NotFoundError{ID: id}
	}

	// Hash the new content up front so a merge collision leaves both rows
	// untouched.
	if patch.Content != nil && *patch.Content != f.Content {
		newHash := fragment.HashContent(*patch.Content)
		for _, other := range d.fragments {
			if other.ID != id && other.ContentHash == newHash && other.AgentID == f.AgentID {
				return &store.UpdateResult{Merged: true, ExistingID: other.ID}, nil
			}
		}
	}

	d.versions = append(d.versions, &fragment.Version{
		FragmentID: f.ID,
		Content:    f.Content,
		Topic:      f.Topic,
		Keywords:   append([]string(nil), f.Keywords...),
		Type:       f.Type,
		Importance: f.Importance,
		AmendedAt:  d.now(),
		AmendedBy:  agentID,
	})

	if patch.Content != nil && *patch.Content != f.Content {
		f.Content = *patch.Content
		f.ContentHash = fragment.HashContent(f.Content)
		f.Embedding = nil
	}
	if patch.Topic != nil {
		f.Topic = *patch.Topic
	}
	if patch.Keywords != nil {
		f.Keywords = append([]string(nil), patch.Keywords...)
	}
	if patch.Type != nil {
		f.Type = *patch.Type
	}
	if patch.Importance != nil {
		f.Importance = *patch.Importance
	}
	if patch.IsAnchor != nil {
		f.IsAnchor = *patch.IsAnchor
	}
	if patch.TTLTier != nil {
		f.TTLTier = *patch.TTLTier
	}

	now := d.now()
	f.VerifiedAt = now
	f.AccessedAt = now

	return &store.UpdateResult{Fragment: f.Clone()}, nil
}

// Delete removes the fragment, its edges, and prunes linked_to mirrors.
func (d *Driver) Delete(_ context.Context, id, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fragments[id]
	if !ok || !visible(f, agentID) {
		return store.NotFoundError{ID: id}
	}

	for k := range d.links {
		if k.from == id || k.to == id {
			delete(d.links, k)
		}
	}
	for _, other := range d.fragments {
		other.LinkedTo = removeID(other.LinkedTo, id)
	}
	delete(d.fragments, id)
	return nil
}

// CreateLink upserts the edge and maintains both linked_to mirrors.
func (d *Driver) CreateLink(_ context.Context, fromID, toID string, rel fragment.RelationType, agentID string) error {
	if !rel.Valid() {
		return errors.New("invalid relation type: " + string(rel))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	from, ok := d.fragments[fromID]
	if !ok || !visible(from, agentID) {
		return store.NotFoundError{ID: fromID}
	}
	to, ok := d.fragments[toID]
	if !ok || !visible(to, agentID) {
		return store.NotFoundError{ID: toID}
	}

	d.links[linkKey{from: fromID, to: toID}] = &fragment.Link{
		FromID:    fromID,
		ToID:      toID,
		Relation:  rel,
		CreatedAt: d.now(),
	}
	if !from.HasLink(toID) {
		from.LinkedTo = append(from.LinkedTo, toID)
	}
	if !to.HasLink(fromID) {
		to.LinkedTo = append(to.LinkedTo, fromID)
	}
	return nil
}

func relationPriority(r fragment.RelationType) int {
	switch r {
	case fragment.RelationResolvedBy:
		return 0
	case fragment.RelationCausedBy:
		return 1
	default:
		return 2
	}
}

// GetLinkedFragments joins edges to rows for the one-hop expansion.
func (d *Driver) GetLinkedFragments(_ context.Context, fromIDs []string, rel *fragment.RelationType, limit int, agentID string) ([]*store.LinkedFragment, error) {
	if rel != nil && !rel.Valid() {
		return nil, errors.New("invalid relation type: " + string(*rel))
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	fromSet := make(map[string]struct{}, len(fromIDs))
	for _, id := range fromIDs {
		fromSet[id] = struct{}{}
	}

	var out []*store.LinkedFragment
	for k, l := range d.links {
		if _, ok := fromSet[k.from]; !ok {
			continue
		}
		if rel != nil && l.Relation != *rel {
			continue
		}
		target, ok := d.fragments[k.to]
		if !ok || !visible(target, agentID) {
			continue
		}
		out = append(out, &store.LinkedFragment{
			Fragment: target.Clone(),
			Relation: l.Relation,
			FromID:   k.from,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := relationPriority(out[i].Relation), relationPriority(out[j].Relation)
		if pi != pj {
			return pi < pj
		}
		return out[i].Fragment.Importance > out[j].Fragment.Importance
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRCAChain walks caused_by and resolved_by edges one hop from startID.
func (d *Driver) GetRCAChain(_ context.Context, startID, agentID string) ([]*store.ChainNode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	start, ok := d.fragments[startID]
	if !ok || !visible(start, agentID) {
		return nil, store.NotFoundError{ID: startID}
	}

	out := []*store.ChainNode{{Fragment: start.Clone(), Depth: 0}}
	for k, l := range d.links {
		if k.from != startID {
			continue
		}
		if l.Relation != fragment.RelationCausedBy && l.Relation != fragment.RelationResolvedBy {
			continue
		}
		target, ok := d.fragments[k.to]
		if !ok || !visible(target, agentID) {
			continue
		}
		out = append(out, &store.ChainNode{
			Fragment: target.Clone(),
			Relation: l.Relation,
			Depth:    1,
		})
	}

	sort.Slice(out[1:], func(i, j int) bool {
		return relationPriority(out[i+1].Relation) < relationPriority(out[j+1].Relation)
	})
	return out, nil
}

// Count returns the number of fragments visible to the scope.
func (d *Driver) Count(_ context.Context, agentID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, f := range d.fragments {
		if visible(f, agentID) {
			n++
		}
	}
	return n, nil
}

// Stats aggregates the scope's fragments.
func (d *Driver) Stats(_ context.Context, agentID string) (*store.Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := &store.Stats{
		ByType: make(map[fragment.Type]int),
		ByTier: make(map[fragment.TTLTier]int),
	}

	topicCounts := make(map[string]int)
	sum := 0.0
	for _, f := range d.fragments {
		if !visible(f, agentID) {
			continue
		}
		s.Total++
		s.ByType[f.Type]++
		s.ByTier[f.TTLTier]++
		if f.IsAnchor {
			s.Anchors++
		}
		if len(f.Embedding) > 0 {
			s.WithEmbedding++
		}
		if f.Topic != "" {
			topicCounts[f.Topic]++
		}
		sum += f.Importance
	}
	if s.Total > 0 {
		s.AvgImportance = sum / float64(s.Total)
	}

	for topic, count := range topicCounts {
		s.TopTopics = append(s.TopTopics, store.TopicCount{Topic: topic, Count: count})
	}
	sort.Slice(s.TopTopics, func(i, j int) bool {
		if s.TopTopics[i].Count != s.TopTopics[j].Count {
			return s.TopTopics[i].Count > s.TopTopics[j].Count
		}
		return s.TopTopics[i].Topic < s.TopTopics[j].Topic
	})
	if len(s.TopTopics) > 10 {
		s.TopTopics = s.TopTopics[:10]
	}

	return s, nil
}

// Close releases nothing for the in-memory driver.
func (d *Driver) Close() error { return nil }

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func cosine(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ store.Driver = (*Driver)(nil)
