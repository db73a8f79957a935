package domain

import "context"

// Channel is a transport that carries UI messages to the bus (HTTP,
// WebSocket, Telegram).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
