package search_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/search"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
)

// fakeEmbedder returns a fixed vector per known text and fails otherwise.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (e *fakeEmbedder) Close() error { return nil }

func seedFragment(id, content, topic string, typ fragment.Type, keywords []string, importance float64) *fragment.Fragment {
	return &fragment.Fragment{
		ID:              id,
		Content:         content,
		Topic:           topic,
		Keywords:        keywords,
		Type:            typ,
		Importance:      importance,
		ContentHash:     fragment.HashContent(content),
		AgentID:         "agent-a",
		CreatedAt:       time.Now(),
		EstimatedTokens: 10,
		TTLTier:         fragment.TierWarm,
	}
}

var _ = Describe("Searcher", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		ix       *index.Index
		searcher *search.Searcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()

		var err error
		ix, err = index.New(index.Config{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		searcher = search.NewSearcher(driver, ix, nil, search.Config{}, zap.NewNop())
	})

	AfterEach(func() {
		ix.Close()
	})

	seed := func(frags ...*fragment.Fragment) {
		for _, f := range frags {
			_, err := driver.Insert(ctx, f)
			Expect(err).NotTo(HaveOccurred())
			ix.Index(f, "")
		}
	}

	Describe("cascade tiers", func() {
		It("answers from L1 alone when the index has enough hits", func() {
			seed(
				seedFragment("frag-1", "one", "infra", fragment.TypeFact, []string{"redis"}, 0.5),
				seedFragment("frag-2", "two", "infra", fragment.TypeFact, []string{"redis"}, 0.6),
				seedFragment("frag-3", "three", "infra", fragment.TypeFact, []string{"redis"}, 0.7),
			)

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(3))
			Expect(res.SearchPath).To(HavePrefix("L1:3"))
			Expect(res.SearchPath).NotTo(ContainSubstring("L2"))
		})

		It("falls back to recent fragments when no filter is given", func() {
			seed(
				seedFragment("frag-1", "one", "infra", fragment.TypeFact, []string{"a"}, 0.5),
				seedFragment("frag-2", "two", "infra", fragment.TypeFact, []string{"b"}, 0.6),
			)

			res, err := searcher.Search(ctx, search.Options{AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(2))
			Expect(res.SearchPath).To(HavePrefix("L1:2"))
		})

		It("escalates to L2 when L1 is thin", func() {
			// Stored but never indexed, so only L2 can find it.
			_, err := driver.Insert(ctx, seedFragment("frag-db", "db only", "infra", fragment.TypeFact, []string{"redis"}, 0.5))
			Expect(err).NotTo(HaveOccurred())

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(1))
			Expect(res.SearchPath).To(ContainSubstring("L2:1"))
		})

		It("forces L2 for filters the index cannot express", func() {
			seed(
				seedFragment("frag-1", "one", "infra", fragment.TypeFact, []string{"redis"}, 0.9),
				seedFragment("frag-2", "two", "infra", fragment.TypeFact, []string{"redis"}, 0.2),
				seedFragment("frag-3", "three", "infra", fragment.TypeFact, []string{"redis"}, 0.9),
			)

			res, err := searcher.Search(ctx, search.Options{
				Keywords:      []string{"redis"},
				MinImportance: 0.5,
				AgentID:       "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
			// L1 contributes all three ids; the importance filter only
			// binds at L2, which adds nothing new here.
			Expect(res.Count).To(Equal(3))
		})

		It("runs L3 when thin, text is given and embeddings are on", func() {
			emb := &fakeEmbedder{vectors: map[string][]float32{"redis timeout": {1, 0, 0}}}
			searcher = search.NewSearcher(driver, ix, emb, search.Config{}, zap.NewNop())

			near := seedFragment("frag-near", "redis connection reset", "infra", fragment.TypeError, []string{"redis"}, 0.5)
			near.Embedding = []float32{1, 0, 0}
			_, err := driver.Insert(ctx, near)
			Expect(err).NotTo(HaveOccurred())

			res, err := searcher.Search(ctx, search.Options{Text: "redis timeout", AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(1))
			Expect(res.SearchPath).To(ContainSubstring("L3:1"))
			Expect(res.Fragments[0].Similarity).NotTo(BeNil())
			Expect(*res.Fragments[0].Similarity).To(BeNumerically("~", 1.0, 1e-9))
		})

		It("skips L3 when already satisfied", func() {
			emb := &fakeEmbedder{vectors: map[string][]float32{}}
			searcher = search.NewSearcher(driver, ix, emb, search.Config{}, zap.NewNop())

			seed(
				seedFragment("frag-1", "one", "infra", fragment.TypeFact, []string{"redis"}, 0.5),
				seedFragment("frag-2", "two", "infra", fragment.TypeFact, []string{"redis"}, 0.6),
				seedFragment("frag-3", "three", "infra", fragment.TypeFact, []string{"redis"}, 0.7),
			)

			res, err := searcher.Search(ctx, search.Options{
				Text:     "anything",
				Keywords: []string{"redis"},
				AgentID:  "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.SearchPath).NotTo(ContainSubstring("L3"))
		})
	})

	Describe("ranking", func() {
		It("sorts by importance below the activation threshold", func() {
			seed(
				seedFragment("frag-low", "low", "infra", fragment.TypeFact, []string{"redis"}, 0.2),
				seedFragment("frag-high", "high", "infra", fragment.TypeFact, []string{"redis"}, 0.9),
				seedFragment("frag-mid", "mid", "infra", fragment.TypeFact, []string{"redis"}, 0.5),
			)

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Fragments[0].Fragment.ID).To(Equal("frag-high"))
			Expect(res.Fragments[1].Fragment.ID).To(Equal("frag-mid"))
			Expect(res.Fragments[2].Fragment.ID).To(Equal("frag-low"))
		})

		It("blends in recency above the activation threshold", func() {
			base := time.Now()
			searcher.WithClock(func() time.Time { return base })

			// Pad the store past the activation threshold.
			for i := 0; i < 100; i++ {
				f := seedFragment(fmt.Sprintf("pad-%d", i), fmt.Sprintf("pad %d", i), "pad", fragment.TypeFact, []string{"pad"}, 0.1)
				_, err := driver.Insert(ctx, f)
				Expect(err).NotTo(HaveOccurred())
			}

			old := seedFragment("frag-old", "old but important", "infra", fragment.TypeFact, []string{"redis"}, 0.8)
			old.CreatedAt = base.Add(-120 * 24 * time.Hour)
			fresh := seedFragment("frag-fresh", "fresh and decent", "infra", fragment.TypeFact, []string{"redis"}, 0.6)
			fresh.CreatedAt = base
			seed(old, fresh)

			// old: 0.6*0.8 + 0.4*0 = 0.48; fresh: 0.6*0.6 + 0.4*1 = 0.76
			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Fragments[0].Fragment.ID).To(Equal("frag-fresh"))
		})
	})

	Describe("token budget", func() {
		It("stops before the budget is exceeded", func() {
			a := seedFragment("frag-1", "a", "infra", fragment.TypeFact, []string{"redis"}, 0.9)
			a.EstimatedTokens = 600
			b := seedFragment("frag-2", "b", "infra", fragment.TypeFact, []string{"redis"}, 0.8)
			b.EstimatedTokens = 600
			c := seedFragment("frag-3", "c", "infra", fragment.TypeFact, []string{"redis"}, 0.7)
			c.EstimatedTokens = 600
			seed(a, b, c)

			noLinks := false
			res, err := searcher.Search(ctx, search.Options{
				Keywords:     []string{"redis"},
				TokenBudget:  1000,
				IncludeLinks: &noLinks,
				AgentID:      "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(1))
			Expect(res.TotalTokens).To(Equal(600))
		})

		It("still binds across link expansion", func() {
			primary := seedFragment("frag-1", "primary", "infra", fragment.TypeError, []string{"redis"}, 0.9)
			primary.EstimatedTokens = 90
			neighbour := seedFragment("frag-fix", "the fix", "infra", fragment.TypeProcedure, []string{"unrelated"}, 0.5)
			neighbour.EstimatedTokens = 90
			seed(primary, neighbour)
			Expect(driver.CreateLink(ctx, "frag-1", "frag-fix", fragment.RelationRelated, "agent-a")).To(Succeed())

			res, err := searcher.Search(ctx, search.Options{
				Keywords:    []string{"redis"},
				TokenBudget: 100,
				AgentID:     "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())

			sum := 0
			for _, sc := range res.Fragments {
				sum += sc.Fragment.EstimatedTokens
			}
			Expect(sum).To(BeNumerically("<=", 100))
			Expect(res.TotalTokens).To(Equal(sum))
			Expect(res.Count).To(Equal(1))
			Expect(res.Fragments[0].Fragment.ID).To(Equal("frag-1"))
		})

		It("admits linked neighbours that fit the leftover budget", func() {
			primary := seedFragment("frag-1", "primary", "infra", fragment.TypeError, []string{"redis"}, 0.9)
			primary.EstimatedTokens = 60
			neighbour := seedFragment("frag-fix", "the fix", "infra", fragment.TypeProcedure, []string{"unrelated"}, 0.5)
			neighbour.EstimatedTokens = 30
			seed(primary, neighbour)
			Expect(driver.CreateLink(ctx, "frag-1", "frag-fix", fragment.RelationResolvedBy, "agent-a")).To(Succeed())

			res, err := searcher.Search(ctx, search.Options{
				Keywords:    []string{"redis"},
				TokenBudget: 100,
				AgentID:     "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(2))
			Expect(res.TotalTokens).To(Equal(90))
		})
	})

	Describe("link expansion", func() {
		It("pulls one-hop neighbours and marks them", func() {
			primary := seedFragment("frag-1", "primary", "infra", fragment.TypeError, []string{"redis"}, 0.9)
			fix := seedFragment("frag-fix", "the fix", "infra", fragment.TypeProcedure, []string{"unrelated"}, 0.5)
			seed(primary, fix)
			Expect(driver.CreateLink(ctx, "frag-1", "frag-fix", fragment.RelationResolvedBy, "agent-a")).To(Succeed())

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(2))

			var linked *search.Scored
			for _, sc := range res.Fragments {
				if sc.Fragment.ID == "frag-fix" {
					linked = sc
				}
			}
			Expect(linked).NotTo(BeNil())
			Expect(linked.Linked).To(BeTrue())
			Expect(linked.Relation).To(Equal(fragment.RelationResolvedBy))
		})

		It("excludes relations outside the default whitelist", func() {
			primary := seedFragment("frag-1", "primary", "infra", fragment.TypeFact, []string{"redis"}, 0.9)
			rival := seedFragment("frag-rival", "rival", "infra", fragment.TypeFact, []string{"unrelated"}, 0.5)
			seed(primary, rival)
			Expect(driver.CreateLink(ctx, "frag-1", "frag-rival", fragment.RelationContradicts, "agent-a")).To(Succeed())

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(1))
		})
	})

	Describe("stale annotation", func() {
		It("flags fragments past the per-type verification window", func() {
			base := time.Now()
			searcher.WithClock(func() time.Time { return base })

			proc := seedFragment("frag-proc", "old procedure", "infra", fragment.TypeProcedure, []string{"redis"}, 0.6)
			proc.CreatedAt = base.Add(-40 * 24 * time.Hour)
			fact := seedFragment("frag-fact", "recent fact", "infra", fragment.TypeFact, []string{"redis"}, 0.6)
			fact.CreatedAt = base.Add(-40 * 24 * time.Hour)
			seed(proc, fact)

			res, err := searcher.Search(ctx, search.Options{Keywords: []string{"redis"}, AgentID: "agent-a"})
			Expect(err).NotTo(HaveOccurred())

			byID := map[string]*search.Scored{}
			for _, sc := range res.Fragments {
				byID[sc.Fragment.ID] = sc
			}
			Expect(byID["frag-proc"].Stale).To(BeTrue())
			Expect(byID["frag-proc"].DaysSinceVerification).To(Equal(40))
			Expect(byID["frag-fact"].Stale).To(BeFalse())
		})
	})

	Describe("threshold filter", func() {
		It("drops low-similarity hits but preserves score-less fragments", func() {
			emb := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
			searcher = search.NewSearcher(driver, ix, emb, search.Config{}, zap.NewNop())

			plain := seedFragment("frag-plain", "keyword hit", "infra", fragment.TypeFact, []string{"redis"}, 0.9)
			weak := seedFragment("frag-weak", "weak match", "infra", fragment.TypeFact, []string{"unrelated"}, 0.5)
			weak.Embedding = []float32{0.72, 0.7, 0}
			seed(plain)
			_, err := driver.Insert(ctx, weak)
			Expect(err).NotTo(HaveOccurred())

			threshold := 0.9
			res, err := searcher.Search(ctx, search.Options{
				Text:      "query",
				Keywords:  []string{"redis"},
				Threshold: &threshold,
				AgentID:   "agent-a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Count).To(Equal(1))
			Expect(res.Fragments[0].Fragment.ID).To(Equal("frag-plain"))
		})
	})
})
