package bus

import (
	"context"
	"sync"
	"time"

	"wabridge/internal/domain"
)

// RateLimiter is a token bucket shared by every channel.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 5
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		wait := time.Duration((1.0 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// throttledBus charges one token per insertion before handing the message
// on. Pings pass through.
type throttledBus struct {
	domain.MessageBus
	limiter *RateLimiter
}

// Throttle wraps b so that insertions queue behind limiter.
func Throttle(b domain.MessageBus, limiter *RateLimiter) domain.MessageBus {
	return &throttledBus{MessageBus: b, limiter: limiter}
}

func (t *throttledBus) Send(ctx context.Context, msg domain.Message) (domain.Response, error) {
	if msg.Type != domain.TypePing {
		if err := t.limiter.Wait(ctx); err != nil {
			return domain.Response{}, err
		}
	}
	return t.MessageBus.Send(ctx, msg)
}
