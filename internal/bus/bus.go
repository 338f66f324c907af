// Package bus carries decrypted inbound events from receive loops to the
// dispatcher, and lifecycle events to whoever listens.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"bitpart/internal/domain"
)

const (
	defaultBufferSize = 100
	publishTimeout    = 10 * time.Second
)

// InMemoryBus is a Go-channel based domain.MessageBus.
type InMemoryBus struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

// New creates an InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish queues ev. When the buffer is full it blocks for up to the publish
// timeout and then drops the event; the message stays unacknowledged and the
// transport redelivers it.
func (b *InMemoryBus) Publish(ev domain.InboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish on closed bus", "channel", ev.ChannelID)
		return
	}

	select {
	case b.inbound <- ev:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", ev.ChannelID)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.inbound <- ev:
	case <-timer.C:
		b.logger.Error("inbound event dropped: bus full", "channel", ev.ChannelID, "timeout", b.timeout)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Len returns the number of queued events.
func (b *InMemoryBus) Len() int { return len(b.inbound) }

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
