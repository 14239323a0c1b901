// -----------------------------------------------------------------------
// Export Queue - Bounded FIFO of job ids feeding the pipeline worker
// -----------------------------------------------------------------------

package pipeline

import (
	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
)

// DefaultQueueCapacity bounds the queue when the config leaves it unset.
const DefaultQueueCapacity = 128

// Queue is the bounded submission channel between the HTTP surface and
// the single pipeline worker. Submit never blocks: a full queue is a
// QUEUE_UNAVAILABLE error the handler turns into a 503.
type Queue struct {
	jobs   chan string
	logger arbor.ILogger
}

// NewQueue creates the queue with the configured capacity.
func NewQueue(capacity int, logger arbor.ILogger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		jobs:   make(chan string, capacity),
		logger: logger,
	}
}

// Submit enqueues a job id without blocking.
func (q *Queue) Submit(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		q.logger.Warn().
			Str("job_id", jobID).
			Int("capacity", cap(q.jobs)).
			Msg("Export queue full, submission rejected")
		return models.NewQueueUnavailable()
	}
}

// Receive exposes the worker side of the queue.
func (q *Queue) Receive() <-chan string {
	return q.jobs
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}
