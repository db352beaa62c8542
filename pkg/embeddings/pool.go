package embeddings

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
)

// Job is one fragment awaiting an embedding.
type Job struct {
	ID   string
	Text string
}

// Sink receives computed embeddings. store.Driver satisfies it.
type Sink interface {
	SetEmbedding(ctx context.Context, id string, vec []float32) error
}

// PoolConfig is the configuration options for the embedding pool.
type PoolConfig struct {
	// Embedder generates the vectors.
	Embedder Embedder

	// Sink persists the vectors, keyed by fragment id.
	Sink Sink

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Logger is the provided zap logger
	Logger *zap.Logger
}

// Pool computes and persists embeddings asynchronously via a worker pool.
// Embedding calls dominate consolidation wall time, so backfill fans them
// out instead of walking the batch serially.
type Pool struct {
	config *PoolConfig
	queue  chan Job
	wg     sync.WaitGroup
	done   atomic.Int64
	logger *zap.Logger
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *PoolConfig) (*Pool, error) {
	if c.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if c.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	p := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	p.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go p.worker(i)
	}

	return p, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full, resulting in the job being dropped
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		p.logger.Debug("embedding job queued", zap.String("fragment_id", job.ID))
		return true
	default:
		p.logger.Warn("embedding job dropped, queue full", zap.String("fragment_id", job.ID))
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

// Done returns the number of embeddings persisted so far.
func (p *Pool) Done() int {
	return int(p.done.Load())
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("embedding worker started", zap.Uint("worker_id", id))

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("embedding worker stopped", zap.Uint("worker_id", id))
}

// processJob embeds one fragment and persists the vector. Failures are
// logged and skipped so one bad fragment never stalls the batch.
func (p *Pool) processJob(job Job) {
	ctx := context.Background()

	vec, err := p.config.Embedder.Embed(ctx, Prepare(job.Text))
	if err != nil {
		p.logger.Debug("embedding skipped",
			zap.String("fragment_id", job.ID),
			zap.Error(err),
		)
		return
	}

	if err := p.config.Sink.SetEmbedding(ctx, job.ID, vec); err != nil {
		p.logger.Warn("failed to store embedding",
			zap.String("fragment_id", job.ID),
			zap.Error(err),
		)
		return
	}

	p.done.Add(1)
	p.logger.Debug("stored embedding",
		zap.String("fragment_id", job.ID),
		zap.Int("embedding_dim", len(vec)),
	)
}
