package nli_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/nli"
)

// fakeClassifier returns a fixed score distribution.
type fakeClassifier struct {
	scores *nli.Scores
	err    error
}

func (f *fakeClassifier) Classify(_ context.Context, _, _ string) (*nli.Result, error) {
	if f.scores == nil {
		return nil, f.err
	}
	return &nli.Result{Scores: *f.scores}, f.err
}

func (f *fakeClassifier) Close() error { return nil }

var _ = Describe("DetectContradiction", func() {
	ctx := context.Background()

	classify := func(ent, neu, con float64) *nli.Verdict {
		c := &fakeClassifier{scores: &nli.Scores{Entailment: ent, Neutral: neu, Contradiction: con}}
		v, err := nli.DetectContradiction(ctx, c, "a", "b")
		Expect(err).ToNot(HaveOccurred())
		Expect(v).ToNot(BeNil())
		return v
	}

	It("flags a strong contradiction without escalation", func() {
		v := classify(0.05, 0.1, 0.85)
		Expect(v.Contradicts).To(BeTrue())
		Expect(v.NeedsEscalation).To(BeFalse())
		Expect(v.Confidence).To(Equal(0.85))
	})

	It("treats strong entailment as clean even with moderate contradiction mass", func() {
		v := classify(0.65, 0.0, 0.35)
		Expect(v.Contradicts).To(BeFalse())
		Expect(v.NeedsEscalation).To(BeFalse())
		Expect(v.Confidence).To(Equal(0.65))
	})

	It("escalates a mid-confidence contradiction", func() {
		v := classify(0.1, 0.3, 0.6)
		Expect(v.Contradicts).To(BeTrue())
		Expect(v.NeedsEscalation).To(BeTrue())
	})

	It("escalates an ambiguous pair without flagging it", func() {
		v := classify(0.3, 0.4, 0.3)
		Expect(v.Contradicts).To(BeFalse())
		Expect(v.NeedsEscalation).To(BeTrue())
	})

	It("passes a clearly unrelated pair", func() {
		v := classify(0.2, 0.7, 0.1)
		Expect(v.Contradicts).To(BeFalse())
		Expect(v.NeedsEscalation).To(BeFalse())
	})

	It("returns no verdict when the classifier has no opinion", func() {
		v, err := nli.DetectContradiction(ctx, &fakeClassifier{}, "a", "b")
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(BeNil())
	})

	It("returns no verdict for a nil classifier", func() {
		v, err := nli.DetectContradiction(ctx, nil, "a", "b")
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(BeNil())
	})
})

var _ = Describe("ExternalClassifier", func() {
	ctx := context.Background()

	It("decodes a classification from the service", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/classify"))

			var req struct {
				Premise    string `json:"premise"`
				Hypothesis string `json:"hypothesis"`
			}
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Premise).To(Equal("the sky is blue"))

			json.NewEncoder(w).Encode(nli.Result{
				Label:  nli.LabelContradiction,
				Scores: nli.Scores{Contradiction: 0.9},
			})
		}))
		defer server.Close()

		c := nli.NewExternalClassifier(nli.ExternalConfig{BaseURL: server.URL}, zap.NewNop())
		res, err := c.Classify(ctx, "the sky is blue", "the sky is red")
		Expect(err).ToNot(HaveOccurred())
		Expect(res).ToNot(BeNil())
		Expect(res.Label).To(Equal(nli.LabelContradiction))
		Expect(res.Scores.Contradiction).To(Equal(0.9))
	})

	It("has no opinion when the service is unreachable", func() {
		c := nli.NewExternalClassifier(nli.ExternalConfig{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
		res, err := c.Classify(ctx, "a", "b")
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(BeNil())
	})

	It("has no opinion on a non-200 response", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := nli.NewExternalClassifier(nli.ExternalConfig{BaseURL: server.URL}, zap.NewNop())
		res, err := c.Classify(ctx, "a", "b")
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(BeNil())
	})
})
