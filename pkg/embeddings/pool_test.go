package embeddings_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/embeddings"
)

// fixedEmbedder returns the same vector for every text, or an error for
// texts listed in fail.
type fixedEmbedder struct {
	fail map[string]bool
}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail[text] {
		return nil, errors.New("model unavailable")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (e *fixedEmbedder) Close() error { return nil }

// memorySink records persisted embeddings keyed by fragment id.
type memorySink struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func newMemorySink() *memorySink {
	return &memorySink{vecs: make(map[string][]float32)}
}

func (s *memorySink) SetEmbedding(_ context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vecs[id] = vec
	return nil
}

func (s *memorySink) get(id string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vecs[id]
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vecs)
}

var _ = Describe("Pool", func() {
	var (
		embedder *fixedEmbedder
		sink     *memorySink
	)

	BeforeEach(func() {
		embedder = &fixedEmbedder{fail: map[string]bool{}}
		sink = newMemorySink()
	})

	newTestPool := func() *embeddings.Pool {
		logger, _ := zap.NewDevelopment()
		p, err := embeddings.NewPool(&embeddings.PoolConfig{
			Embedder: embedder,
			Sink:     sink,
			Logger:   logger,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("NewPool", func() {
		It("requires an embedder", func() {
			_, err := embeddings.NewPool(&embeddings.PoolConfig{Sink: sink, Logger: zap.NewNop()})
			Expect(err).To(HaveOccurred())
		})

		It("requires a sink", func() {
			_, err := embeddings.NewPool(&embeddings.PoolConfig{Embedder: embedder, Logger: zap.NewNop()})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Enqueue", func() {
		It("returns true when the queue has capacity", func() {
			p := newTestPool()
			ok := p.Enqueue(embeddings.Job{ID: "frag-1", Text: "postgres holds the durable tier"})
			Expect(ok).To(BeTrue())
			p.Close()
		})
	})

	Describe("draining", func() {
		It("persists one embedding per job after Close", func() {
			p := newTestPool()
			p.Enqueue(embeddings.Job{ID: "frag-1", Text: "alpha"})
			p.Enqueue(embeddings.Job{ID: "frag-2", Text: "beta"})
			p.Enqueue(embeddings.Job{ID: "frag-3", Text: "gamma"})
			p.Close()

			Expect(sink.count()).To(Equal(3))
			Expect(sink.get("frag-2")).To(Equal([]float32{0.1, 0.2, 0.3}))
			Expect(p.Done()).To(Equal(3))
		})

		It("skips fragments the embedder rejects without stalling the batch", func() {
			embedder.fail["beta"] = true

			p := newTestPool()
			p.Enqueue(embeddings.Job{ID: "frag-1", Text: "alpha"})
			p.Enqueue(embeddings.Job{ID: "frag-2", Text: "beta"})
			p.Enqueue(embeddings.Job{ID: "frag-3", Text: "gamma"})
			p.Close()

			Expect(sink.count()).To(Equal(2))
			Expect(sink.get("frag-2")).To(BeNil())
			Expect(p.Done()).To(Equal(2))
		})
	})
})
