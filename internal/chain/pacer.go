// pacer.go bounds the pipeline's RPC pressure. Public endpoints throttle
// aggressive log-filter traffic, so every contract call and filter query
// waits on a token bucket that refills continuously at the configured
// spacing (RPC_CALL_DELAY_MS; 200 ms default = 5 calls/s).
package chain

import (
	"context"
	"sync"
	"time"
)

// Pacer is a token-bucket limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type Pacer struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewPacer builds a limiter enforcing one call per minInterval on average,
// with a small burst allowance so the three concurrent event filters of an
// epoch sync do not serialize completely. A zero interval disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	if minInterval <= 0 {
		return &Pacer{capacity: 1, rate: 0, tokens: 1}
	}
	rate := float64(time.Second) / float64(minInterval)
	return &Pacer{
		tokens:   3,
		capacity: 3,
		rate:     rate,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.rate == 0 {
			p.mu.Unlock()
			return nil
		}
		now := time.Now()
		elapsed := now.Sub(p.lastTime).Seconds()
		p.tokens += elapsed * p.rate
		if p.tokens > p.capacity {
			p.tokens = p.capacity
		}
		p.lastTime = now

		if p.tokens >= 1 {
			p.tokens--
			p.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - p.tokens) / p.rate * float64(time.Second))
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
