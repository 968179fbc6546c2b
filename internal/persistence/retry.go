package persistence

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy shapes the exponential backoff between save attempts.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64 // fraction of the base delay, 0 to 1
}

// DefaultRetryPolicy retries a save twice more, starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Initial:  50 * time.Millisecond,
		Max:      2 * time.Second,
		Factor:   2,
		Jitter:   0.1,
	}
}

// Delay returns the wait before attempt+1 given a jitter draw in [0, 1).
func (p RetryPolicy) Delay(attempt int, draw float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*draw
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total)
}

// Retrying wraps a Gateway and retries failed saves. Loads are not retried:
// a failed load aborts Restore and is reported to the caller directly.
type Retrying struct {
	next   Gateway
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next. Attempts below 1 are treated as 1.
func NewRetrying(next Gateway, policy RetryPolicy) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	return &Retrying{next: next, policy: policy, sleep: sleepContext}
}

func (r *Retrying) Save(ctx context.Context, key string, blob []byte) error {
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if err = r.next.Save(ctx, key, blob); err == nil {
			return nil
		}
		if attempt == r.policy.Attempts {
			break
		}
		if serr := r.sleep(ctx, r.policy.Delay(attempt, rand.Float64())); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

func (r *Retrying) Load(ctx context.Context, key string) ([]byte, error) {
	return r.next.Load(ctx, key)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
