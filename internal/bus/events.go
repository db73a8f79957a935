package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"wabridge/internal/domain"
)

// Well-known event types.
const (
	EventInsertCompleted  = "insert.completed"
	EventInsertFailed     = "insert.failed"
	EventPing             = "ping"
	EventListenerAttached = "listener.attached"
	EventListenerDetached = "listener.detached"
)

// Event describes something an entry point did. Handlers get a copy.
type Event struct {
	Type      string
	Source    string // "dispatcher" | "listener" | "watcher"
	Message   domain.Message
	Report    domain.Report
	Err       string
	TextLen   int // runes in Message.Text, set by Emit
	TabID     string
	Duration  time.Duration
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based pub/sub for bridge outcomes with a bounded
// replay buffer. "*" subscribes to everything. The buffer never holds
// message text.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	seq        int
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
	}
}

// On registers a handler and returns its ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := eventType + "#" + strconv.Itoa(eb.seq)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls the matching handlers synchronously, specific before wildcard.
// A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TextLen == 0 {
		event.TextLen = utf8.RuneCountInString(event.Message.Text)
	}
	kept := event
	kept.Message.Text = ""

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, kept)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.ID, "panic", r)
		}
	}()
	h.Handler(event)
}

// Replay returns buffered events of the given type ("*" for all) at or
// after since, oldest first. Message.Text is always empty.
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
