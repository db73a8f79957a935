package domain

import "context"

// Responder delivers the single answer for a message. Only the first call
// counts.
type Responder func(Response)

// Listener is offered every message. It returns true when it has taken the
// message and will respond, possibly after returning.
type Listener func(ctx context.Context, msg Message, respond Responder) bool

// MessageBus routes messages from transports to listeners.
type MessageBus interface {
	AddListener(name string, l Listener) (remove func())
	Send(ctx context.Context, msg Message) (Response, error)
}
