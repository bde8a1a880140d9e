package runtime

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/objrpc/internal/config"
)

// RetryPolicy bounds connection establishment retries.
type RetryPolicy struct {
	// Attempts is the number of retries after the first failure.
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func retryPolicyFrom(d config.Defaults) RetryPolicy {
	return RetryPolicy{
		Attempts:     d.RetryAttempts,
		InitialDelay: d.RetryDelay,
		Multiplier:   2.0,
		MaxDelay:     d.RetryMaxDelay,
		Jitter:       true,
	}
}

// Delay returns the wait before retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return p.jitter(float64(p.InitialDelay), rng)
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return p.jitter(delay, rng)
}

func (p RetryPolicy) jitter(delay float64, rng *rand.Rand) time.Duration {
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// lockedRand is a rand source shared by concurrent invocations.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) delay(p RetryPolicy, attempt int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.Delay(attempt, r.rng)
}

func sleep(ctx context.Context, d time.Duration) error {
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
