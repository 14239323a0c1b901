// -----------------------------------------------------------------------
// Event Bus - Per-job fan-out of export events to live subscribers
// -----------------------------------------------------------------------

package events

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/gitnexus/capsuled/internal/models"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind than this loses events (drop-newest on its
// channel); stream consumers recover via replay from the registry ring.
const subscriberBuffer = 512

type subscriber struct {
	ch chan models.ExportEvent
}

type stream struct {
	subscribers map[*subscriber]struct{}
	closed      bool
}

// Bus fans events out to the live subscribers of each job. Publish never
// blocks: a full subscriber channel drops the event for that subscriber
// only. The registry's event ring remains the source of truth; the bus
// is purely a delivery optimization for open streams.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	logger  arbor.ILogger
}

// NewBus creates an empty bus.
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		logger:  logger,
	}
}

// Register creates the fan-out stream for a job. Idempotent.
func (b *Bus) Register(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.streams[jobID]; exists {
		return
	}
	b.streams[jobID] = &stream{subscribers: make(map[*subscriber]struct{})}
}

// Remove tears down the stream for a job and closes every subscriber
// channel, which ends any open SSE/WebSocket delivery loop.
func (b *Bus) Remove(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[jobID]
	if !ok {
		return
	}
	st.closed = true
	for sub := range st.subscribers {
		close(sub.ch)
	}
	delete(b.streams, jobID)
}

// Has reports whether the job still has a registered stream.
func (b *Bus) Has(jobID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.streams[jobID]
	return ok
}

// Subscribe attaches a new subscriber to a job's stream. The returned
// cancel function detaches and closes the channel; it is safe to call
// more than once. Returns false when the stream does not exist.
func (b *Bus) Subscribe(jobID string) (<-chan models.ExportEvent, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[jobID]
	if !ok {
		return nil, nil, false
	}

	sub := &subscriber{ch: make(chan models.ExportEvent, subscriberBuffer)}
	st.subscribers[sub] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if st.closed {
				return // Remove already closed the channel
			}
			if _, attached := st.subscribers[sub]; attached {
				delete(st.subscribers, sub)
				close(sub.ch)
			}
		})
	}

	return sub.ch, cancel, true
}

// Publish delivers an event to every subscriber of the job without
// blocking. Events for unregistered jobs are dropped silently; the
// registry already recorded them.
func (b *Bus) Publish(event models.ExportEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.streams[event.JobID]
	if !ok {
		return
	}

	for sub := range st.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("job_id", event.JobID).
				Int64("seq", event.Seq).
				Msg("Subscriber channel full, event dropped from live stream")
		}
	}
}

// SubscriberCount returns the number of live subscribers for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.streams[jobID]
	if !ok {
		return 0
	}
	return len(st.subscribers)
}
