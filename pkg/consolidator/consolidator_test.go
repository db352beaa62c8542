package consolidator_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/consolidator"
	"github.com/papercomputeco/recall/pkg/embeddings"
	"github.com/papercomputeco/recall/pkg/eventstream"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/nli"
	"github.com/papercomputeco/recall/pkg/store"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
)

type fakeNLI struct {
	result *nli.Result
}

func (f *fakeNLI) Classify(_ context.Context, _, _ string) (*nli.Result, error) {
	return f.result, nil
}

func (f *fakeNLI) Close() error { return nil }

type scriptedLLM struct {
	response  string
	available bool
}

func (c *scriptedLLM) CompleteJSON(_ context.Context, _ string, _ time.Duration) ([]byte, error) {
	if c.response == "" {
		return nil, errors.New("scripted failure")
	}
	return []byte(c.response), nil
}

func (c *scriptedLLM) Available() bool { return c.available }
func (c *scriptedLLM) Close() error    { return nil }

type fakeEmbedder struct {
	vec []float32
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.vec == nil {
		return nil, errors.New("embedder down")
	}
	return e.vec, nil
}

func (e *fakeEmbedder) Close() error { return nil }

type recordingPublisher struct {
	reports []*eventstream.ConsolidationReportEvent
}

func (p *recordingPublisher) PublishFragment(_ context.Context, _ *eventstream.FragmentPersistedEvent) error {
	return nil
}

func (p *recordingPublisher) PublishReport(_ context.Context, e *eventstream.ConsolidationReportEvent) error {
	p.reports = append(p.reports, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var _ = Describe("Consolidator", func() {
	var (
		ctx       context.Context
		driver    *inmemory.Driver
		ix        *index.Index
		publisher *recordingPublisher
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		publisher = &recordingPublisher{}

		var err error
		ix, err = index.New(index.Config{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ix.Close()
	})

	newConsolidator := func(classifier nli.Classifier, client *scriptedLLM, embedder *fakeEmbedder) *consolidator.Consolidator {
		// Avoid wrapping a nil *fakeEmbedder in a non-nil interface value,
		// which would defeat the consolidator's nil-embedder check.
		var e embeddings.Embedder
		if embedder != nil {
			e = embedder
		}
		return consolidator.New(driver, ix, e, classifier, client, publisher, zap.NewNop())
	}

	insert := func(f *fragment.Fragment) {
		_, err := driver.Insert(ctx, f)
		Expect(err).NotTo(HaveOccurred())
	}

	mk := func(id, content, topic string, importance float64) *fragment.Fragment {
		return &fragment.Fragment{
			ID:          id,
			Content:     content,
			Topic:       topic,
			Keywords:    []string{"kw"},
			Type:        fragment.TypeFact,
			Importance:  importance,
			ContentHash: fragment.HashContent(content),
			AgentID:     "agent-a",
			CreatedAt:   time.Now(),
			TTLTier:     fragment.TierWarm,
		}
	}

	It("runs every stage on an empty store and publishes a report", func() {
		c := newConsolidator(nil, &scriptedLLM{}, nil)
		report, err := c.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		for _, stage := range []string{
			consolidator.StageTTLTransitions,
			consolidator.StageDecay,
			consolidator.StageExpired,
			consolidator.StageDedup,
			consolidator.StageUtility,
			consolidator.StageAnchors,
			consolidator.StageContradictions,
			consolidator.StagePending,
			consolidator.StageFeedback,
			consolidator.StagePruning,
		} {
			Expect(report.Stages).To(HaveKey(stage))
		}
		Expect(publisher.reports).To(HaveLen(1))
	})

	It("merges duplicate hashes onto the earliest survivor", func() {
		first := mk("frag-1", "duplicate body", "t", 0.5)
		first.CreatedAt = time.Now().Add(-time.Hour)
		insert(first)
		second := mk("frag-2", "other body", "t", 0.5)
		second.ContentHash = first.ContentHash
		second.AccessCount = 3
		insert(second)

		c := newConsolidator(nil, &scriptedLLM{}, nil)
		report, err := c.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Stages[consolidator.StageDedup]).To(Equal(1))

		_, err = driver.GetByID(ctx, "frag-2", "agent-a")
		Expect(err).To(HaveOccurred())
		survivor, err := driver.GetByID(ctx, "frag-1", "agent-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(survivor.AccessCount).To(Equal(3))
	})

	It("backfills missing embeddings", func() {
		insert(mk("frag-1", "no vector yet", "t", 0.9))

		c := newConsolidator(nil, &scriptedLLM{}, &fakeEmbedder{vec: []float32{1, 0, 0}})
		report, err := c.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Stages[consolidator.StageBackfill]).To(Equal(1))

		f, err := driver.GetByID(ctx, "frag-1", "agent-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Embedding).To(Equal([]float32{1, 0, 0}))
	})

	Describe("contradiction detection", func() {
		seedPair := func(sim string) (newer, older *fragment.Fragment) {
			older = mk("frag-old", "the database is postgres", "db", 0.8)
			older.CreatedAt = time.Now().Add(-2 * time.Hour)
			older.Embedding = []float32{1, 0, 0}
			newer = mk("frag-new", "the database is mysql", "db", 0.8)
			newer.CreatedAt = time.Now().Add(-time.Hour)
			switch sim {
			case "high":
				newer.Embedding = []float32{0.999, 0.0447, 0} // cos ≈ 0.999
			default:
				newer.Embedding = []float32{0.87, 0.49, 0} // cos ≈ 0.87
			}
			insert(older)
			insert(newer)
			return newer, older
		}

		It("resolves immediately on a confident NLI contradiction", func() {
			_, _ = seedPair("low")
			classifier := &fakeNLI{result: &nli.Result{
				Label:  nli.LabelContradiction,
				Scores: nli.Scores{Contradiction: 0.9, Neutral: 0.05, Entailment: 0.05},
			}}

			c := newConsolidator(classifier, &scriptedLLM{}, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageContradictions]).To(Equal(1))

			older, err := driver.GetByID(ctx, "frag-old", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(older.Importance).To(Equal(0.4))

			rel := fragment.RelationSupersededBy
			linked, err := driver.GetLinkedFragments(ctx, []string{"frag-old"}, &rel, 10, "system")
			Expect(err).NotTo(HaveOccurred())
			Expect(linked).To(HaveLen(1))
			Expect(linked[0].Fragment.ID).To(Equal("frag-new"))
		})

		It("spares anchored fragments from the downgrade", func() {
			_, older := seedPair("low")
			anchored := true
			_, err := driver.Update(ctx, older.ID, store.UpdatePatch{IsAnchor: &anchored}, "system")
			Expect(err).NotTo(HaveOccurred())

			classifier := &fakeNLI{result: &nli.Result{
				Scores: nli.Scores{Contradiction: 0.9},
			}}
			c := newConsolidator(classifier, &scriptedLLM{}, nil)
			_, err = c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			got, err := driver.GetByID(ctx, "frag-old", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Importance).To(Equal(0.8))
		})

		It("escalates an uncertain NLI verdict to the LLM", func() {
			seedPair("low")
			classifier := &fakeNLI{result: &nli.Result{
				Scores: nli.Scores{Contradiction: 0.55, Neutral: 0.3, Entailment: 0.15},
			}}
			client := &scriptedLLM{available: true, response: `{"contradicts":true,"reasoning":"incompatible engines"}`}

			c := newConsolidator(classifier, client, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageContradictions]).To(Equal(1))
		})

		It("defers near-identical pairs when no adjudicator can answer", func() {
			seedPair("high")

			c := newConsolidator(nil, &scriptedLLM{available: false}, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageContradictions]).To(Equal(0))
			Expect(ix.QueueLen(index.QueuePendingContradictions)).To(Equal(1))
		})

		It("drains the pending queue once the LLM is back", func() {
			seedPair("high")

			first := newConsolidator(nil, &scriptedLLM{available: false}, nil)
			_, err := first.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ix.QueueLen(index.QueuePendingContradictions)).To(Equal(1))

			client := &scriptedLLM{available: true, response: `{"contradicts":true,"reasoning":"same claim, different value"}`}
			second := newConsolidator(nil, client, nil)
			report, err := second.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StagePending]).To(Equal(1))
			Expect(ix.QueueLen(index.QueuePendingContradictions)).To(BeZero())

			older, err := driver.GetByID(ctx, "frag-old", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(older.Importance).To(Equal(0.4))
		})

		It("does not re-examine pairs behind the watermark", func() {
			seedPair("low")
			classifier := &fakeNLI{result: &nli.Result{
				Scores: nli.Scores{Contradiction: 0.9},
			}}

			c := newConsolidator(classifier, &scriptedLLM{}, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageContradictions]).To(Equal(1))

			report, err = c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageContradictions]).To(BeZero())
		})
	})

	Describe("feedback stage", func() {
		It("renders a markdown report and advances the watermark", func() {
			Expect(driver.InsertToolFeedback(ctx, &fragment.ToolFeedback{
				ToolName: "recall", Relevant: true, Sufficient: false,
				Suggestion: "surface links by default",
				CreatedAt:  time.Now(),
			})).To(Succeed())
			Expect(driver.InsertTaskFeedback(ctx, &fragment.TaskFeedback{
				SessionID: "sess-1", OverallSuccess: true, CreatedAt: time.Now(),
			})).To(Succeed())

			c := newConsolidator(nil, &scriptedLLM{}, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageFeedback]).To(Equal(2))
			Expect(report.FeedbackNotes).To(ContainSubstring("`recall`: 1 calls, 1 relevant, 0 sufficient"))
			Expect(report.FeedbackNotes).To(ContainSubstring("1 of 1 sessions reported success"))

			report, err = c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stages[consolidator.StageFeedback]).To(BeZero())
		})
	})

	Describe("stale gathering", func() {
		It("lists the longest-unverified fragments", func() {
			old := mk("frag-old", "ancient", "t", 0.5)
			old.CreatedAt = time.Now().Add(-100 * 24 * time.Hour)
			insert(old)
			insert(mk("frag-new", "fresh", "t", 0.5))

			c := newConsolidator(nil, &scriptedLLM{}, nil)
			report, err := c.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.StaleTop).NotTo(BeEmpty())
			Expect(report.StaleTop[0].ID).To(Equal("frag-old"))
			Expect(report.StaleTop[0].Days).To(Equal(100))
		})
	})
})
