package evaluator_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/evaluator"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
)

type scriptedLLM struct {
	response string
}

func (c *scriptedLLM) CompleteJSON(_ context.Context, _ string, _ time.Duration) ([]byte, error) {
	if c.response == "" {
		return nil, errors.New("scripted failure")
	}
	return []byte(c.response), nil
}

func (c *scriptedLLM) Available() bool { return c.response != "" }
func (c *scriptedLLM) Close() error    { return nil }

var _ = Describe("Worker", func() {
	var (
		ctx    context.Context
		driver *inmemory.Driver
		ix     *index.Index
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()

		var err error
		ix, err = index.New(index.Config{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ix.Close()
	})

	insert := func(id string, typ fragment.Type, importance float64) {
		f := &fragment.Fragment{
			ID:          id,
			Content:     "content " + id,
			Topic:       "t",
			Keywords:    []string{"kw"},
			Type:        typ,
			Importance:  importance,
			ContentHash: fragment.HashContent("content " + id),
			AgentID:     "agent-a",
			CreatedAt:   time.Now(),
			TTLTier:     fragment.TierWarm,
		}
		_, err := driver.Insert(ctx, f)
		Expect(err).NotTo(HaveOccurred())
	}

	enqueue := func(id string) {
		f, err := driver.GetByID(ctx, id, "agent-a")
		Expect(err).NotTo(HaveOccurred())
		evaluator.Enqueue(ix, f)
	}

	drain := func(client *scriptedLLM) {
		worker := evaluator.NewWorker(driver, ix, client, zap.NewNop()).
			WithPollInterval(5 * time.Millisecond)
		worker.Start(ctx)
		Eventually(func() int {
			return ix.QueueLen(index.QueueEvaluation)
		}, time.Second, 5*time.Millisecond).Should(BeZero())
		// Let the in-flight job finish before asserting.
		worker.Stop()
	}

	Describe("Enqueue", func() {
		It("never enqueues excluded types", func() {
			insert("frag-fact", fragment.TypeFact, 0.5)
			insert("frag-proc", fragment.TypeProcedure, 0.5)
			insert("frag-err", fragment.TypeError, 0.5)
			insert("frag-dec", fragment.TypeDecision, 0.5)

			for _, id := range []string{"frag-fact", "frag-proc", "frag-err", "frag-dec"} {
				f, err := driver.GetByID(ctx, id, "agent-a")
				Expect(err).NotTo(HaveOccurred())
				evaluator.Enqueue(ix, f)
			}
			Expect(ix.QueueLen(index.QueueEvaluation)).To(Equal(1))
		})
	})

	Describe("verdicts", func() {
		It("applies a keep verdict's score as importance", func() {
			insert("frag-1", fragment.TypeDecision, 0.5)
			enqueue("frag-1")

			drain(&scriptedLLM{response: `{"score":0.9,"rationale":"load-bearing decision","action":"keep"}`})

			f, err := driver.GetByID(ctx, "frag-1", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Importance).To(Equal(0.9))
			Expect(f.Keywords).To(ContainElement("Rationale: load-bearing decision"))
		})

		It("caps a downgrade at 0.3", func() {
			insert("frag-1", fragment.TypeDecision, 0.7)
			enqueue("frag-1")

			drain(&scriptedLLM{response: `{"score":0.6,"rationale":"minor","action":"downgrade"}`})

			f, err := driver.GetByID(ctx, "frag-1", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Importance).To(Equal(0.3))
		})

		It("caps a discard at 0.1", func() {
			insert("frag-1", fragment.TypeRelation, 0.5)
			enqueue("frag-1")

			drain(&scriptedLLM{response: `{"score":0.4,"rationale":"noise","action":"discard"}`})

			f, err := driver.GetByID(ctx, "frag-1", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Importance).To(Equal(0.1))
		})

		It("drops the job when the LLM is unreachable", func() {
			insert("frag-1", fragment.TypeDecision, 0.7)
			enqueue("frag-1")

			drain(&scriptedLLM{})

			f, err := driver.GetByID(ctx, "frag-1", "agent-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Importance).To(Equal(0.7))
		})
	})

	Describe("shutdown", func() {
		It("stops cleanly with an empty queue", func() {
			worker := evaluator.NewWorker(driver, ix, &scriptedLLM{}, zap.NewNop()).
				WithPollInterval(5 * time.Millisecond)
			worker.Start(ctx)
			time.Sleep(20 * time.Millisecond)
			worker.Stop()
		})
	})
})
