package index_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
)

func newIndex(cfg index.Config) *index.Index {
	ix, err := index.New(cfg, zap.NewNop())
	Expect(err).ToNot(HaveOccurred())
	return ix
}

func frag(id string, keywords []string, topic string, typ fragment.Type) *fragment.Fragment {
	return &fragment.Fragment{
		ID:       id,
		Content:  "content for " + id,
		Keywords: keywords,
		Topic:    topic,
		Type:     typ,
	}
}

var _ = Describe("Index", func() {
	var ix *index.Index

	BeforeEach(func() {
		ix = newIndex(index.Config{})
	})

	AfterEach(func() {
		ix.Close()
	})

	Describe("SearchByKeywords", func() {
		BeforeEach(func() {
			ix.Index(frag("frag-1", []string{"redis", "timeout"}, "infra", fragment.TypeError), "")
			ix.Index(frag("frag-2", []string{"redis", "cluster"}, "infra", fragment.TypeFact), "")
			ix.Index(frag("frag-3", []string{"timeout"}, "infra", fragment.TypeFact), "")
		})

		It("intersects keyword sets", func() {
			ids := ix.SearchByKeywords([]string{"redis", "timeout"}, 1)
			Expect(ids).To(Equal([]string{"frag-1"}))
		})

		It("falls back to union when the intersection is too small", func() {
			ids := ix.SearchByKeywords([]string{"redis", "timeout"}, 3)
			Expect(ids).To(ConsistOf("frag-1", "frag-2", "frag-3"))
		})

		It("never unions on a single keyword", func() {
			ids := ix.SearchByKeywords([]string{"cluster"}, 5)
			Expect(ids).To(Equal([]string{"frag-2"}))
		})

		It("returns nothing for unknown keywords", func() {
			Expect(ix.SearchByKeywords([]string{"nope"}, 1)).To(BeEmpty())
		})
	})

	Describe("topic and type sets", func() {
		It("returns the sets as-is", func() {
			ix.Index(frag("frag-1", nil, "deploys", fragment.TypeDecision), "")
			ix.Index(frag("frag-2", nil, "deploys", fragment.TypeFact), "")

			Expect(ix.ByTopic("deploys")).To(ConsistOf("frag-1", "frag-2"))
			Expect(ix.ByType(fragment.TypeDecision)).To(Equal([]string{"frag-1"}))
		})
	})

	Describe("Recent", func() {
		It("orders newest first", func() {
			ix.Index(frag("frag-1", nil, "", fragment.TypeFact), "")
			ix.Index(frag("frag-2", nil, "", fragment.TypeFact), "")
			ix.Index(frag("frag-3", nil, "", fragment.TypeFact), "")

			Expect(ix.Recent(2)).To(Equal([]string{"frag-3", "frag-2"}))
		})
	})

	Describe("Deindex", func() {
		It("removes the fragment from every keyspace", func() {
			f := frag("frag-1", []string{"redis"}, "infra", fragment.TypeError)
			ix.Index(f, "")

			ix.Deindex(f.ID, f.Keywords, f.Topic, f.Type)

			Expect(ix.SearchByKeywords([]string{"redis"}, 1)).To(BeEmpty())
			Expect(ix.ByTopic("infra")).To(BeEmpty())
			Expect(ix.ByType(fragment.TypeError)).To(BeEmpty())
			Expect(ix.Recent(10)).To(BeEmpty())
		})
	})

	Describe("session sets", func() {
		It("records fragments per session in emission order", func() {
			ix.Index(frag("frag-1", nil, "", fragment.TypeFact), "sess-a")
			ix.Index(frag("frag-2", nil, "", fragment.TypeFact), "sess-a")
			ix.Index(frag("frag-3", nil, "", fragment.TypeFact), "sess-b")

			Expect(ix.SessionFragments("sess-a")).To(Equal([]string{"frag-1", "frag-2"}))
			Expect(ix.SessionFragments("sess-b")).To(Equal([]string{"frag-3"}))
		})

		It("expires session sets", func() {
			base := time.Now()
			now := base
			ix.WithClock(func() time.Time { return now })

			ix.Index(frag("frag-1", nil, "", fragment.TypeFact), "sess-a")
			now = base.Add(25 * time.Hour)

			Expect(ix.SessionFragments("sess-a")).To(BeEmpty())
		})
	})

	Describe("working memory", func() {
		It("keeps entries in insertion order", func() {
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "a", Tokens: 10})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "b", Tokens: 10})

			wm := ix.WorkingMemory("s")
			Expect(wm).To(HaveLen(2))
			Expect(wm[0].Content).To(Equal("a"))
			Expect(wm[1].Content).To(Equal("b"))
		})

		It("evicts the oldest low-importance entries past the token ceiling", func() {
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "old", Tokens: 300, Importance: 0.5})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "mid", Tokens: 200, Importance: 0.5})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "new", Tokens: 200, Importance: 0.5})

			contents := []string{}
			for _, e := range ix.WorkingMemory("s") {
				contents = append(contents, e.Content)
			}
			Expect(contents).To(Equal([]string{"mid", "new"}))
		})

		It("retains high-importance entries over older low-importance ones", func() {
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "keep", Tokens: 300, Importance: 0.9})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "drop", Tokens: 200, Importance: 0.4})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "new", Tokens: 200, Importance: 0.5})

			contents := []string{}
			for _, e := range ix.WorkingMemory("s") {
				contents = append(contents, e.Content)
			}
			Expect(contents).To(Equal([]string{"keep", "new"}))
		})

		It("rotates high-importance entries only when nothing else is left", func() {
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "a", Tokens: 300, Importance: 0.9})
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "b", Tokens: 300, Importance: 0.9})

			contents := []string{}
			for _, e := range ix.WorkingMemory("s") {
				contents = append(contents, e.Content)
			}
			Expect(contents).To(Equal([]string{"b"}))
		})

		It("clears per session", func() {
			ix.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "a", Tokens: 10})
			ix.ClearWorkingMemory("s")
			Expect(ix.WorkingMemory("s")).To(BeEmpty())
		})
	})

	Describe("queues", func() {
		It("is FIFO", func() {
			ix.Enqueue(index.QueueEvaluation, []byte("one"))
			ix.Enqueue(index.QueueEvaluation, []byte("two"))

			head, ok := ix.Dequeue(index.QueueEvaluation)
			Expect(ok).To(BeTrue())
			Expect(string(head)).To(Equal("one"))
			Expect(ix.QueueLen(index.QueueEvaluation)).To(Equal(1))
		})

		It("drains up to n entries", func() {
			for i := 0; i < 5; i++ {
				ix.Enqueue(index.QueuePendingContradictions, []byte{byte(i)})
			}

			batch := ix.DequeueN(index.QueuePendingContradictions, 3)
			Expect(batch).To(HaveLen(3))
			Expect(ix.QueueLen(index.QueuePendingContradictions)).To(Equal(2))
		})

		It("reports empty queues", func() {
			_, ok := ix.Dequeue("empty")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Prune", func() {
		It("samples members out of oversized keyword sets", func() {
			for i := 0; i < 20; i++ {
				ix.Index(frag(fmt.Sprintf("frag-%d", i), []string{"hotkey"}, "", fragment.TypeFact), "")
			}

			removed := ix.Prune(5)
			Expect(removed).To(Equal(15))
			Expect(ix.SearchByKeywords([]string{"hotkey"}, 1)).To(HaveLen(5))
		})

		It("leaves sets under the cap alone", func() {
			ix.Index(frag("frag-1", []string{"cool"}, "", fragment.TypeFact), "")
			Expect(ix.Prune(5)).To(Equal(0))
		})
	})

	Describe("disabled index", func() {
		It("is a no-op on every operation", func() {
			disabled := newIndex(index.Config{Disabled: true})
			defer disabled.Close()

			disabled.Index(frag("frag-1", []string{"redis"}, "infra", fragment.TypeFact), "s")
			disabled.PushWorkingMemory("s", index.WorkingMemoryEntry{Content: "a", Tokens: 1})
			disabled.Enqueue(index.QueueEvaluation, []byte("x"))

			Expect(disabled.SearchByKeywords([]string{"redis"}, 1)).To(BeEmpty())
			Expect(disabled.SessionFragments("s")).To(BeEmpty())
			Expect(disabled.WorkingMemory("s")).To(BeEmpty())
			Expect(disabled.QueueLen(index.QueueEvaluation)).To(Equal(0))
			Expect(disabled.CachedFragment("frag-1")).To(BeNil())
		})
	})
})
