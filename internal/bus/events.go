package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lifecycle notification: a message was processed, a channel
// started, a sync failed.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus for lifecycle events with
// a bounded replay history. A nil *EventBus accepts and drops every event.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     atomic.Uint64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus keeping the last 1000 events for Replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for eventType ("*" for all events) and returns an
// id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatUint(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler synchronously, in registration order. A
// panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns the recorded events of eventType ("*" for all) since the
// given time.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Well-known event types.
const (
	EventMessageReceived  = "message.received"
	EventMessageDiscarded = "message.discarded"
	EventMessageProcessed = "message.processed"
	EventMessageFailed    = "message.failed"
	EventSendFailed       = "send.failed"
	EventChannelStarted   = "channel.started"
	EventChannelStopped   = "channel.stopped"
	EventDeviceLinked     = "device.linked"
	EventLinkFailed       = "device.link_failed"
	EventSyncFailed       = "sync.failed"
	EventBotRemoved       = "bot.removed"
)
