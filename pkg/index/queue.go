package index

// Queue names used by the evaluator and the consolidator.
const (
	QueueEvaluation            = "memory_evaluation"
	QueuePendingContradictions = "pending_contradictions"
)

// Enqueue appends a payload to the named FIFO queue.
func (ix *Index) Enqueue(queue string, payload []byte) {
	if ix.config.Disabled {
		return
	}
	ix.mu.Lock()
	ix.queues[queue] = append(ix.queues[queue], payload)
	ix.mu.Unlock()
}

// Dequeue pops the oldest payload from the named queue.
func (ix *Index) Dequeue(queue string) ([]byte, bool) {
	if ix.config.Disabled {
		return nil, false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	q := ix.queues[queue]
	if len(q) == 0 {
		return nil, false
	}
	head := q[0]
	ix.queues[queue] = q[1:]
	return head, true
}

// DequeueN pops up to n payloads in FIFO order.
func (ix *Index) DequeueN(queue string, n int) [][]byte {
	if ix.config.Disabled || n <= 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	q := ix.queues[queue]
	if len(q) == 0 {
		return nil
	}
	if n > len(q) {
		n = len(q)
	}
	out := make([][]byte, n)
	copy(out, q[:n])
	ix.queues[queue] = q[n:]
	return out
}

// QueueLen reports the number of pending payloads.
func (ix *Index) QueueLen(queue string) int {
	if ix.config.Disabled {
		return 0
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.queues[queue])
}
