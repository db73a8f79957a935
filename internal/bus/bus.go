package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/domain"
)

const defaultResponseTimeout = 2 * time.Minute

// InMemoryBus delivers each message to the registered listeners in order
// until one takes it, then waits for that listener's single response.
type InMemoryBus struct {
	mu        sync.RWMutex
	listeners []namedListener
	nextID    int
	timeout   time.Duration
	logger    *slog.Logger
}

type namedListener struct {
	id   int
	name string
	fn   domain.Listener
}

// New creates a bus. timeout bounds how long Send waits for a listener that
// promised an asynchronous response; 0 selects the default.
func New(timeout time.Duration, logger *slog.Logger) *InMemoryBus {
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	return &InMemoryBus{timeout: timeout, logger: logger}
}

// AddListener registers l and returns a function that removes it again.
func (b *InMemoryBus) AddListener(name string, l domain.Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, namedListener{id: id, name: name, fn: l})
	b.logger.Debug("listener registered", "listener", name)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, nl := range b.listeners {
				if nl.id == id {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					b.logger.Debug("listener removed", "listener", name)
					return
				}
			}
		})
	}
}

// Send offers msg to the listeners and returns the first response. A
// listener that returns true keeps the exchange open until it responds.
func (b *InMemoryBus) Send(ctx context.Context, msg domain.Message) (domain.Response, error) {
	if msg.Sent.IsZero() {
		msg.Sent = time.Now()
	}

	b.mu.RLock()
	listeners := make([]namedListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	replies := make(chan domain.Response, 1)
	var once sync.Once
	respond := func(r domain.Response) {
		once.Do(func() { replies <- r })
	}

	for _, nl := range listeners {
		if b.offer(ctx, nl, msg, respond) {
			select {
			case r := <-replies:
				return r, nil
			case <-ctx.Done():
				b.logger.Warn("listener did not respond in time", "listener", nl.name, "type", msg.Type)
				return domain.Response{}, fmt.Errorf("%s: waiting for response: %w", nl.name, ctx.Err())
			}
		}
		// Synchronous answer without claiming the channel.
		select {
		case r := <-replies:
			return r, nil
		default:
		}
	}

	return domain.Response{}, fmt.Errorf("no listener handled message type %q", msg.Type)
}

// offer calls one listener, converting a panic into an error response.
func (b *InMemoryBus) offer(ctx context.Context, nl namedListener, msg domain.Message, respond domain.Responder) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panic", "listener", nl.name, "type", msg.Type, "panic", r)
			respond(domain.Response{OK: false, Error: fmt.Sprintf("listener %s failed", nl.name)})
			claimed = true
		}
	}()
	return nl.fn(ctx, msg, respond)
}

// Len returns the number of registered listeners.
func (b *InMemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
