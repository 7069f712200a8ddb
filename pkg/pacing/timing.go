package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Timing struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewTiming() *Timing {
	return &Timing{
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *Timing) float() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rand.Float64()
}

// Jitter spreads base by up to ±fraction.
func (t *Timing) Jitter(base time.Duration, fraction float64) time.Duration {
	if base <= 0 || fraction <= 0 {
		return base
	}
	delta := float64(base) * fraction * (t.float()*2 - 1)
	return base + time.Duration(delta)
}

func (t *Timing) SleepWithJitter(ctx context.Context, base time.Duration) error {
	return Sleep(ctx, t.Jitter(base, 0.2))
}

// ExponentialBackoff returns base·2^attempt capped at maxDelay, plus up to 30% jitter.
func (t *Timing) ExponentialBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.3 * t.float())
	return delay + jitter
}
