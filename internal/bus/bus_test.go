package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"bitpart/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_SpecificAndWildcard(t *testing.T) {
	eb := NewEventBus(testLogger())

	var specific, all atomic.Int32
	eb.On(EventMessageProcessed, func(Event) { specific.Add(1) })
	eb.On("*", func(Event) { all.Add(1) })

	eb.Emit(Event{Type: EventMessageProcessed, Payload: map[string]any{"bot": "b"}})
	eb.Emit(Event{Type: EventSendFailed})

	assert.Equal(t, int32(1), specific.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestEventBus_OffRemovesOnlyThatHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var a, b atomic.Int32
	idA := eb.On("x", func(Event) { a.Add(1) })
	eb.On("x", func(Event) { b.Add(1) })
	eb.Off("x", idA)

	// A new handler must not reuse the removed id.
	idC := eb.On("x", func(Event) {})
	assert.NotEqual(t, idA, idC)

	eb.Emit(Event{Type: "x"})
	assert.Zero(t, a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	assert.Len(t, eb.Replay("a", time.Time{}), 2)
	assert.Len(t, eb.Replay("*", threshold), 3)
	for _, e := range eb.Replay("*", time.Time{}) {
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}
	assert.Equal(t, 5, eb.HistoryLen())
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after atomic.Int32
	eb.On("panic", func(Event) { panic("boom") })
	eb.On("panic", func(Event) { after.Add(1) })

	assert.NotPanics(t, func() { eb.Emit(Event{Type: "panic"}) })
	assert.Equal(t, int32(1), after.Load())
}

func TestEventBus_NilIsSilent(t *testing.T) {
	var eb *EventBus
	assert.NotPanics(t, func() { eb.Emit(Event{Type: "x"}) })
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	b.Publish(domain.InboundEvent{ChannelID: "ch", MessageID: "1"})
	b.Publish(domain.InboundEvent{ChannelID: "ch", MessageID: "2"})
	assert.Equal(t, 2, b.Len())

	ev := <-b.Subscribe()
	assert.Equal(t, "1", ev.MessageID)

	b.Close()
	b.Close()
	b.Publish(domain.InboundEvent{MessageID: "late"})

	ev, ok := <-b.Subscribe()
	require.True(t, ok)
	assert.Equal(t, "2", ev.MessageID)
	_, ok = <-b.Subscribe()
	assert.False(t, ok)
}

func TestInMemoryBus_FullDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	b.timeout = 20 * time.Millisecond

	b.Publish(domain.InboundEvent{MessageID: "1"})
	start := time.Now()
	b.Publish(domain.InboundEvent{MessageID: "2"})
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, b.Len())
}
