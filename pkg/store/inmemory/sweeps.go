package inmemory

import (
	"context"
	"sort"
	"time"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/store"
)

// DeleteExpired drops rows matching the eviction predicate.
func (d *Driver) DeleteExpired(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-90 * 24 * time.Hour)

	var victims []string
	for id, f := range d.fragments {
		if f.Importance >= 0.1 || f.TTLTier == fragment.TierPermanent || f.IsAnchor {
			continue
		}
		inactive := (!f.AccessedAt.IsZero() && f.AccessedAt.Before(cutoff)) ||
			(f.AccessedAt.IsZero() && f.CreatedAt.Before(cutoff))
		if !inactive || len(f.LinkedTo) >= 2 {
			continue
		}
		victims = append(victims, id)
	}

	for _, id := range victims {
		for k := range d.links {
			if k.from == id || k.to == id {
				delete(d.links, k)
			}
		}
		for _, other := range d.fragments {
			other.LinkedTo = removeID(other.LinkedTo, id)
		}
		delete(d.fragments, id)
	}
	return len(victims), nil
}

// DecayImportance applies the 0.995 multiplier under the eligibility mask.
func (d *Driver) DecayImportance(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-24 * time.Hour)

	n := 0
	for _, f := range d.fragments {
		if f.TTLTier == fragment.TierPermanent || f.Type == fragment.TypePreference || f.IsAnchor {
			continue
		}
		last := f.AccessedAt
		if last.IsZero() {
			last = f.CreatedAt
		}
		if last.After(cutoff) {
			continue
		}
		f.Importance *= 0.995
		n++
	}
	return n, nil
}

// TransitionTTL runs the promotion rules then the demotion rule.
func (d *Driver) TransitionTTL(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idleCutoff := d.now().Add(-30 * 24 * time.Hour)

	changed := 0
	for _, f := range d.fragments {
		before := f.TTLTier

		switch {
		case f.Type == fragment.TypePreference,
			len(f.LinkedTo) >= 5,
			f.Importance >= 0.8:
			f.TTLTier = fragment.TierPermanent
		case f.TTLTier == fragment.TierWarm && !f.IsAnchor:
			last := f.AccessedAt
			if last.IsZero() {
				last = f.CreatedAt
			}
			if f.Importance < 0.3 || last.Before(idleCutoff) {
				f.TTLTier = fragment.TierCold
			}
		}

		if f.TTLTier != before {
			changed++
		}
	}
	return changed, nil
}

// MissingEmbeddings returns the top-n NULL-embedding rows by importance.
func (d *Driver) MissingEmbeddings(_ context.Context, n int) ([]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*fragment.Fragment
	for _, f := range d.fragments {
		if len(f.Embedding) == 0 {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SetEmbedding writes the embedding for a row.
func (d *Driver) SetEmbedding(_ context.Context, id string, vec []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fragments[id]
	if !ok {
		return store.NotFoundError{ID: id}
	}
	f.Embedding = append([]float32(nil), vec...)
	return nil
}

// DuplicateGroups returns groups sharing a content hash within a scope.
func (d *Driver) DuplicateGroups(_ context.Context) ([][]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byHash := make(map[string][]*fragment.Fragment)
	for _, f := range d.fragments {
		key := f.AgentID + "/" + f.ContentHash
		byHash[key] = append(byHash[key], f.Clone())
	}

	var out [][]*fragment.Fragment
	for _, group := range byHash {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		out = append(out, group)
	}
	return out, nil
}

// MergeFragments rewrites references from the losers to the survivor and
// deletes the losers.
func (d *Driver) MergeFragments(_ context.Context, survivorID string, loserIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	survivor, ok := d.fragments[survivorID]
	if !ok {
		return store.NotFoundError{ID: survivorID}
	}

	losers := make(map[string]struct{}, len(loserIDs))
	for _, id := range loserIDs {
		losers[id] = struct{}{}
	}

	for k, l := range d.links {
		_, fromLoser := losers[k.from]
		_, toLoser := losers[k.to]
		if !fromLoser && !toLoser {
			continue
		}
		delete(d.links, k)

		from, to := k.from, k.to
		if fromLoser {
			from = survivorID
		}
		if toLoser {
			to = survivorID
		}
		if from == to {
			continue
		}
		d.links[linkKey{from: from, to: to}] = &fragment.Link{
			FromID:    from,
			ToID:      to,
			Relation:  l.Relation,
			CreatedAt: l.CreatedAt,
		}
	}

	for _, id := range loserIDs {
		loser, ok := d.fragments[id]
		if !ok {
			continue
		}
		survivor.AccessCount += loser.AccessCount
		for _, linked := range loser.LinkedTo {
			if linked != survivorID && !survivor.HasLink(linked) {
				survivor.LinkedTo = append(survivor.LinkedTo, linked)
			}
		}
		delete(d.fragments, id)
	}

	for _, f := range d.fragments {
		rewritten := false
		for _, linked := range f.LinkedTo {
			if _, ok := losers[linked]; ok {
				rewritten = true
				break
			}
		}
		if !rewritten {
			continue
		}
		next := f.LinkedTo[:0]
		for _, linked := range f.LinkedTo {
			if _, ok := losers[linked]; ok {
				linked = survivorID
			}
			if linked == f.ID {
				continue
			}
			dup := false
			for _, seen := range next {
				if seen == linked {
					dup = true
					break
				}
			}
			if !dup {
				next = append(next, linked)
			}
		}
		f.LinkedTo = next
	}

	return nil
}

// RecomputeUtility rewrites utility_score for every row.
func (d *Driver) RecomputeUtility(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range d.fragments {
		f.UtilityScore = fragment.UtilityScore(f.Importance, f.AccessCount)
	}
	return len(d.fragments), nil
}

// PromoteAnchors marks heavily used, high-importance rows as anchors.
func (d *Driver) PromoteAnchors(_ context.Context, minAccess int, minImportance float64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, f := range d.fragments {
		if !f.IsAnchor && f.AccessCount >= minAccess && f.Importance >= minImportance {
			f.IsAnchor = true
			n++
		}
	}
	return n, nil
}

// ContradictionCandidates pairs rows created since the watermark with
// same-topic peers above the similarity floor.
func (d *Driver) ContradictionCandidates(_ context.Context, since time.Time, minSim float64) ([]*store.CandidatePair, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*store.CandidatePair
	for _, newer := range d.fragments {
		if !newer.CreatedAt.After(since) || len(newer.Embedding) == 0 {
			continue
		}
		for _, older := range d.fragments {
			if older.ID == newer.ID || older.Topic != newer.Topic || older.AgentID != newer.AgentID {
				continue
			}
			if len(older.Embedding) == 0 || !older.CreatedAt.Before(newer.CreatedAt) {
				continue
			}
			sim := cosine(newer.Embedding, older.Embedding)
			if sim <= minSim {
				continue
			}
			out = append(out, &store.CandidatePair{
				Newer:      newer.Clone(),
				Older:      older.Clone(),
				Similarity: sim,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// StaleCandidates returns rows ordered by days since verification.
func (d *Driver) StaleCandidates(_ context.Context, limit int) ([]*fragment.Fragment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*fragment.Fragment
	for _, f := range d.fragments {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := out[i].VerifiedAt, out[j].VerifiedAt
		if vi.IsZero() {
			vi = out[i].CreatedAt
		}
		if vj.IsZero() {
			vj = out[j].CreatedAt
		}
		return vi.Before(vj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertToolFeedback persists a per-tool usefulness report.
func (d *Driver) InsertToolFeedback(_ context.Context, fb *fragment.ToolFeedback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := *fb
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now()
	}
	d.tools = append(d.tools, &rec)
	return nil
}

// InsertTaskFeedback persists a session-level effectiveness report.
func (d *Driver) InsertTaskFeedback(_ context.Context, fb *fragment.TaskFeedback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := *fb
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now()
	}
	d.tasks = append(d.tasks, &rec)
	return nil
}

// FeedbackSince returns feedback rows created after the watermark.
func (d *Driver) FeedbackSince(_ context.Context, since time.Time) (*store.Feedback, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := &store.Feedback{}
	for _, fb := range d.tools {
		if fb.CreatedAt.After(since) {
			rec := *fb
			out.Tools = append(out.Tools, &rec)
		}
	}
	for _, fb := range d.tasks {
		if fb.CreatedAt.After(since) {
			rec := *fb
			out.Tasks = append(out.Tasks, &rec)
		}
	}
	return out, nil
}

// GetWatermark reads a named maintenance watermark.
func (d *Driver) GetWatermark(_ context.Context, name string) (time.Time, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.watermarks[name], nil
}

// SetWatermark records a named maintenance watermark.
func (d *Driver) SetWatermark(_ context.Context, name string, t time.Time) error {
	d.mu.Lock()
	d.watermarks[name] = t
	d.mu.Unlock()
	return nil
}
