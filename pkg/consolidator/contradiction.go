package consolidator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/nli"
	"github.com/papercomputeco/recall/pkg/store"
)

// maintenanceScope is the principal the pipeline acts under.
const maintenanceScope = "system"

type outcome int

const (
	outcomeClean outcome = iota
	outcomeContradiction
	outcomeDeferred
)

// pendingPair is the queued form of an unadjudicated candidate.
type pendingPair struct {
	NewerID    string  `json:"newer_id"`
	OlderID    string  `json:"older_id"`
	Similarity float64 `json:"similarity"`
}

// llmVerdict is the LLM adjudication response shape.
type llmVerdict struct {
	Contradicts bool   `json:"contradicts"`
	Reasoning   string `json:"reasoning"`
}

// detectContradictions runs the three-stage hybrid over candidates created
// since the last watermark.
func (c *Consolidator) detectContradictions(ctx context.Context) (int, error) {
	since, err := c.store.GetWatermark(ctx, store.WatermarkContradiction)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	runStarted := c.now()

	pairs, err := c.store.ContradictionCandidates(ctx, since, CandidateMinSim)
	if err != nil {
		return 0, fmt.Errorf("failed to list candidates: %w", err)
	}

	resolved := 0
	for _, pair := range pairs {
		switch c.adjudicate(ctx, pair.Newer, pair.Older, pair.Similarity) {
		case outcomeContradiction:
			if err := c.resolveContradiction(ctx, pair.Newer, pair.Older); err != nil {
				c.logger.Warn("failed to resolve contradiction",
					zap.String("newer", pair.Newer.ID), zap.String("older", pair.Older.ID), zap.Error(err))
				continue
			}
			resolved++
		case outcomeDeferred:
			c.park(pair.Newer.ID, pair.Older.ID, pair.Similarity)
		}
	}

	if err := c.store.SetWatermark(ctx, store.WatermarkContradiction, runStarted); err != nil {
		c.logger.Warn("failed to advance watermark", zap.Error(err))
	}
	return resolved, nil
}

// adjudicate decides a pair: NLI first, LLM on escalation, pending queue
// when neither can answer and the pair is near-identical.
func (c *Consolidator) adjudicate(ctx context.Context, newer, older *fragment.Fragment, similarity float64) outcome {
	verdict, err := nli.DetectContradiction(ctx, c.nli, newer.Content, older.Content)
	if err != nil {
		c.logger.Debug("nli classification failed", zap.Error(err))
	}
	if verdict != nil && !verdict.NeedsEscalation {
		if verdict.Contradicts {
			return outcomeContradiction
		}
		return outcomeClean
	}

	if c.llm != nil && c.llm.Available() {
		raw, err := c.llm.CompleteJSON(ctx, contradictionPrompt(newer, older), 0)
		if err == nil {
			var v llmVerdict
			if err := json.Unmarshal(raw, &v); err == nil {
				if v.Contradicts {
					return outcomeContradiction
				}
				return outcomeClean
			}
		}
		c.logger.Debug("llm adjudication failed", zap.Error(err))
	}

	if similarity > PendingMinSim {
		return outcomeDeferred
	}
	return outcomeClean
}

// resolveContradiction applies the time-ordering heuristic: the newer
// fragment wins, the older is marked superseded and loses half its
// importance unless anchored.
func (c *Consolidator) resolveContradiction(ctx context.Context, newer, older *fragment.Fragment) error {
	if err := c.store.CreateLink(ctx, newer.ID, older.ID, fragment.RelationContradicts, maintenanceScope); err != nil {
		return fmt.Errorf("failed to record contradicts edge: %w", err)
	}
	if older.IsAnchor {
		return nil
	}

	halved := older.Importance / 2
	if _, err := c.store.Update(ctx, older.ID, store.UpdatePatch{Importance: &halved}, maintenanceScope); err != nil {
		return fmt.Errorf("failed to downgrade superseded fragment: %w", err)
	}
	if err := c.store.CreateLink(ctx, older.ID, newer.ID, fragment.RelationSupersededBy, maintenanceScope); err != nil {
		return fmt.Errorf("failed to record superseded_by edge: %w", err)
	}
	return nil
}

// park defers a pair to the pending queue for a later run.
func (c *Consolidator) park(newerID, olderID string, similarity float64) {
	if c.index == nil {
		return
	}
	payload, err := json.Marshal(pendingPair{NewerID: newerID, OlderID: olderID, Similarity: similarity})
	if err != nil {
		return
	}
	c.index.Enqueue(index.QueuePendingContradictions, payload)
}

// drainPending retries deferred pairs, requeueing on transient failure.
func (c *Consolidator) drainPending(ctx context.Context) (int, error) {
	if c.index == nil {
		return 0, nil
	}

	drained := 0
	for _, payload := range c.index.DequeueN(index.QueuePendingContradictions, PendingDrainLimit) {
		var pair pendingPair
		if err := json.Unmarshal(payload, &pair); err != nil {
			continue
		}

		frags, err := c.store.GetByIDs(ctx, []string{pair.NewerID, pair.OlderID}, maintenanceScope)
		if err != nil || len(frags) != 2 {
			// One side is gone; the pair no longer matters.
			continue
		}
		newer, older := frags[0], frags[1]
		if newer.ID != pair.NewerID {
			newer, older = older, newer
		}

		if c.llm == nil || !c.llm.Available() {
			c.index.Enqueue(index.QueuePendingContradictions, payload)
			continue
		}

		switch c.adjudicate(ctx, newer, older, pair.Similarity) {
		case outcomeContradiction:
			if err := c.resolveContradiction(ctx, newer, older); err != nil {
				c.logger.Warn("failed to resolve pending contradiction", zap.Error(err))
				c.index.Enqueue(index.QueuePendingContradictions, payload)
				continue
			}
			drained++
		case outcomeDeferred:
			c.index.Enqueue(index.QueuePendingContradictions, payload)
		case outcomeClean:
			drained++
		}
	}
	return drained, nil
}

func contradictionPrompt(newer, older *fragment.Fragment) string {
	return fmt.Sprintf(`Two memory fragments about the same topic may contradict each other.

Fragment A (newer): %s
Fragment B (older): %s

Do they make incompatible claims? Respond with a JSON object only:
{"contradicts": true or false, "reasoning": "one sentence"}`,
		newer.Content, older.Content)
}
