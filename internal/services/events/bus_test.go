package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
	"github.com/gitnexus/capsuled/internal/models"
)

func testEvent(jobID string, seq int64) models.ExportEvent {
	return models.ExportEvent{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Kind:      models.EventStageProgress,
		Stage:     models.StageTransform,
		Progress:  10,
		Glyph:     models.EventStageProgress.Glyph(),
		Message:   "tick",
	}
}

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Register("job-1")

	chA, cancelA, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	defer cancelA()

	chB, cancelB, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	defer cancelB()

	bus.Publish(testEvent("job-1", 1))

	select {
	case event := <-chA:
		assert.Equal(t, int64(1), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber A did not receive the event")
	}
	select {
	case event := <-chB:
		assert.Equal(t, int64(1), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber B did not receive the event")
	}
}

func TestBus_SubscribeUnknownJob(t *testing.T) {
	bus := NewBus(common.GetLogger())

	_, _, ok := bus.Subscribe("missing")
	assert.False(t, ok)
}

func TestBus_PublishToUnregisteredJobIsDropped(t *testing.T) {
	bus := NewBus(common.GetLogger())

	// Must not panic or block.
	bus.Publish(testEvent("missing", 1))
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Register("job-1")

	_, cancel, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			bus.Publish(testEvent("job-1", int64(i+1)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestBus_RemoveClosesSubscriberChannels(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Register("job-1")

	ch, cancel, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	defer cancel()

	bus.Remove("job-1")

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel must be closed after Remove")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after Remove")
	}
	assert.False(t, bus.Has("job-1"))
}

func TestBus_CancelDetachesSubscriber(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Register("job-1")

	_, cancel, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	require.Equal(t, 1, bus.SubscriberCount("job-1"))

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount("job-1"))

	// Second cancel is a no-op.
	cancel()
}

func TestBus_RegisterIsIdempotent(t *testing.T) {
	bus := NewBus(common.GetLogger())
	bus.Register("job-1")

	_, cancel, ok := bus.Subscribe("job-1")
	require.True(t, ok)
	defer cancel()

	bus.Register("job-1")
	assert.Equal(t, 1, bus.SubscriberCount("job-1"), "re-register must not drop subscribers")
}
