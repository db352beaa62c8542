package fragment_test

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/logger"
)

func floatPtr(v float64) *float64 { return &v }

var _ = Describe("Factory", func() {
	var factory *fragment.Factory

	BeforeEach(func() {
		factory = fragment.NewFactory(logger.NewLoggerWithWriters(false, GinkgoWriter))
	})

	Describe("Create", func() {
		It("builds a fragment with type-default importance", func() {
			frag, err := factory.Create(fragment.CreateParams{
				Content: "Redis NOAUTH indicates missing REDIS_PASSWORD.",
				Topic:   "redis",
				Type:    fragment.TypeError,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(frag.ID).To(HavePrefix("frag-"))
			Expect(frag.ID).To(HaveLen(len("frag-") + 16))
			Expect(frag.Importance).To(Equal(0.9))
			Expect(frag.TTLTier).To(Equal(fragment.TierHot))
			Expect(frag.UtilityScore).To(Equal(1.0))
			Expect(frag.AgentID).To(Equal(fragment.SharedAgentID))
		})

		It("rejects empty content", func() {
			_, err := factory.Create(fragment.CreateParams{Content: "  ", Topic: "t", Type: fragment.TypeFact})
			var verr fragment.ValidationError
			Expect(err).To(BeAssignableToTypeOf(verr))
		})

		It("rejects unknown types", func() {
			_, err := factory.Create(fragment.CreateParams{Content: "x", Topic: "t", Type: fragment.Type("opinion")})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("type"))
		})

		It("redacts PII before hashing", func() {
			a, err := factory.Create(fragment.CreateParams{
				Content: "password: hunter2", Topic: "t", Type: fragment.TypeFact,
			})
			Expect(err).NotTo(HaveOccurred())

			b, err := factory.Create(fragment.CreateParams{
				Content: "password: letmein", Topic: "t", Type: fragment.TypeFact,
			})
			Expect(err).NotTo(HaveOccurred())

			// Both redact to the same content, so the hashes collide by design.
			Expect(a.Content).To(Equal("password: [REDACTED_PWD]"))
			Expect(a.ContentHash).To(Equal(b.ContentHash))
			Expect(a.ContentHash).To(HaveLen(16))
		})

		It("truncates long content to the cap", func() {
			long := strings.Repeat("a", 500)
			frag, err := factory.Create(fragment.CreateParams{Content: long, Topic: "t", Type: fragment.TypeFact})
			Expect(err).NotTo(HaveOccurred())
			Expect(len([]rune(frag.Content))).To(Equal(fragment.MaxContentLen))
			Expect(frag.Content).To(HaveSuffix("..."))
		})

		It("extracts keywords when none are supplied", func() {
			frag, err := factory.Create(fragment.CreateParams{
				Content: "pgvector HNSW index uses cosine distance for pgvector search",
				Topic:   "pgvector",
				Type:    fragment.TypeFact,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(frag.Keywords).NotTo(BeEmpty())
			Expect(len(frag.Keywords)).To(BeNumerically("<=", 5))
			Expect(frag.Keywords[0]).To(Equal("pgvector"))
		})

		It("normalizes caller-supplied keywords", func() {
			frag, err := factory.Create(fragment.CreateParams{
				Content:  "something",
				Topic:    "t",
				Type:     fragment.TypeFact,
				Keywords: []string{"Redis", "redis", " NOAUTH "},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(frag.Keywords).To(Equal([]string{"redis", "noauth"}))
		})

		It("clamps explicit importance into [0,1]", func() {
			frag, err := factory.Create(fragment.CreateParams{
				Content: "x y z", Topic: "t", Type: fragment.TypeFact, Importance: floatPtr(2.5),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(frag.Importance).To(Equal(1.0))
		})

		It("stamps creation and verification times from the clock", func() {
			at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			factory.WithClock(func() time.Time { return at })

			frag, err := factory.Create(fragment.CreateParams{Content: "x y", Topic: "t", Type: fragment.TypeFact})
			Expect(err).NotTo(HaveOccurred())
			Expect(frag.CreatedAt).To(Equal(at))
			Expect(frag.VerifiedAt).To(Equal(at))
			Expect(frag.AccessedAt).To(Equal(at))
		})
	})

	Describe("tier inference", func() {
		It("sends preferences to permanent regardless of importance", func() {
			Expect(fragment.InferTier(fragment.TypePreference, 0.1)).To(Equal(fragment.TierPermanent))
		})

		It("sends high importance to permanent", func() {
			Expect(fragment.InferTier(fragment.TypeFact, 0.8)).To(Equal(fragment.TierPermanent))
		})

		It("sends errors and procedures to hot", func() {
			Expect(fragment.InferTier(fragment.TypeError, 0.5)).To(Equal(fragment.TierHot))
			Expect(fragment.InferTier(fragment.TypeProcedure, 0.7)).To(Equal(fragment.TierHot))
		})

		It("sends mid importance to warm and low to cold", func() {
			Expect(fragment.InferTier(fragment.TypeFact, 0.5)).To(Equal(fragment.TierWarm))
			Expect(fragment.InferTier(fragment.TypeFact, 0.2)).To(Equal(fragment.TierCold))
		})
	})

	Describe("Split", func() {
		It("chains pieces in insertion order", func() {
			sentence := strings.Repeat("All work and no play makes a dull agent. ", 20)
			frags, err := factory.Split(sentence, fragment.CreateParams{
				Topic: "t", Type: fragment.TypeFact,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(len(frags)).To(BeNumerically(">", 1))

			for i, frag := range frags {
				Expect(len([]rune(frag.Content))).To(BeNumerically("<=", fragment.MaxContentLen))
				if i == 0 {
					Expect(frag.LinkedTo).To(BeEmpty())
				} else {
					Expect(frag.LinkedTo).To(ContainElement(frags[i-1].ID))
				}
			}
		})

		It("returns a single fragment for short text", func() {
			frags, err := factory.Split("short", fragment.CreateParams{Topic: "t", Type: fragment.TypeFact})
			Expect(err).NotTo(HaveOccurred())
			Expect(frags).To(HaveLen(1))
		})
	})

	Describe("UtilityScore", func() {
		It("is importance at zero accesses", func() {
			Expect(fragment.UtilityScore(0.5, 0)).To(BeNumerically("~", 0.5, 1e-9))
			Expect(fragment.UtilityScore(0.5, 1)).To(BeNumerically("~", 0.5, 1e-9))
		})

		It("grows logarithmically with accesses", func() {
			low := fragment.UtilityScore(0.5, 2)
			high := fragment.UtilityScore(0.5, 100)
			Expect(high).To(BeNumerically(">", low))
			Expect(high).To(BeNumerically("<", 0.5*(1+5)))
		})
	})
})
