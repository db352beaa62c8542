// Package evaluator scores freshly written fragments in the background.
//
// Writes enqueue an evaluation job; a single long-lived worker drains the
// queue, asks the LLM for an importance verdict and patches the fragment.
// The LLM being down is never an error the writer observes: the job is
// dropped and the fragment keeps its default importance.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/llm"
	"github.com/papercomputeco/recall/pkg/store"
)

// DefaultPollInterval is how long the worker sleeps on an empty queue.
const DefaultPollInterval = 5 * time.Second

const (
	// DowngradeFloor caps the importance of a downgraded fragment.
	DowngradeFloor = 0.3

	// DiscardFloor caps the importance of a discarded fragment.
	DiscardFloor = 0.1
)

// excludedTypes carry their own provenance discipline and are never
// enqueued.
var excludedTypes = map[fragment.Type]bool{
	fragment.TypeFact:      true,
	fragment.TypeProcedure: true,
	fragment.TypeError:     true,
}

// Excluded reports whether typ is exempt from LLM evaluation.
func Excluded(typ fragment.Type) bool {
	return excludedTypes[typ]
}

// Job is one queued evaluation request.
type Job struct {
	FragmentID string        `json:"fragment_id"`
	AgentID    string        `json:"agent_id"`
	Type       fragment.Type `json:"type"`
	Content    string        `json:"content"`
}

// Enqueue queues f for evaluation unless its type is excluded.
func Enqueue(ix *index.Index, f *fragment.Fragment) {
	if ix == nil || Excluded(f.Type) {
		return
	}
	payload, err := json.Marshal(Job{
		FragmentID: f.ID,
		AgentID:    f.AgentID,
		Type:       f.Type,
		Content:    f.Content,
	})
	if err != nil {
		return
	}
	ix.Enqueue(index.QueueEvaluation, payload)
}

// verdict is the LLM response shape.
type verdict struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
	Action    string  `json:"action"`
}

// Worker is the singleton background evaluator.
type Worker struct {
	store  store.Driver
	index  *index.Index
	llm    llm.Client
	logger *zap.Logger
	poll   time.Duration

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewWorker wires a worker. Call Start to begin draining the queue.
func NewWorker(st store.Driver, ix *index.Index, client llm.Client, logger *zap.Logger) *Worker {
	return &Worker{
		store:  st,
		index:  ix,
		llm:    client,
		logger: logger,
		poll:   DefaultPollInterval,
		stop:   make(chan struct{}),
	}
}

// WithPollInterval overrides the empty-queue sleep. Used in tests.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	w.poll = d
	return w
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.loop(ctx)
	}()
}

// Stop shuts the worker down, letting an in-flight job finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.done.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		payload, ok := w.index.Dequeue(index.QueueEvaluation)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(w.poll):
			}
			continue
		}

		if err := w.evaluate(ctx, payload); err != nil {
			w.logger.Debug("evaluation dropped", zap.Error(err))
		}
	}
}

// evaluate runs one job end to end. Any failure drops the job.
func (w *Worker) evaluate(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode job: %w", err)
	}

	raw, err := w.llm.CompleteJSON(ctx, evaluationPrompt(job), 0)
	if err != nil {
		return fmt.Errorf("failed to complete evaluation: %w", err)
	}
	var v verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to parse verdict: %w", err)
	}

	importance := clampScore(v.Score, v.Action)

	current, err := w.store.GetByID(ctx, job.FragmentID, job.AgentID)
	if err != nil {
		return fmt.Errorf("failed to load fragment: %w", err)
	}
	keywords := current.Keywords
	if v.Rationale != "" {
		keywords = append(append([]string(nil), keywords...), "Rationale: "+v.Rationale)
	}

	if _, err := w.store.Update(ctx, job.FragmentID, store.UpdatePatch{
		Importance: &importance,
		Keywords:   keywords,
	}, job.AgentID); err != nil {
		return fmt.Errorf("failed to apply verdict: %w", err)
	}

	w.logger.Debug("fragment evaluated",
		zap.String("fragment_id", job.FragmentID),
		zap.String("action", v.Action),
		zap.Float64("importance", importance))
	return nil
}

// clampScore maps the verdict to a final importance.
func clampScore(score float64, action string) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	switch action {
	case "downgrade":
		if score > DowngradeFloor {
			return DowngradeFloor
		}
	case "discard":
		if score > DiscardFloor {
			return DiscardFloor
		}
	}
	return score
}

func evaluationPrompt(job Job) string {
	return fmt.Sprintf(`Rate how useful this memory fragment will be to a coding agent in future sessions.

Type: %s
Content: %s

Respond with a JSON object only:
{"score": 0.0 to 1.0, "rationale": "one sentence", "action": "keep" | "downgrade" | "discard"}`,
		job.Type, job.Content)
}
