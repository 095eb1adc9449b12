package extraction

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle owns the client-side rate-limit state: a proactive token bucket
// plus bookkeeping about the last call and consecutive failures. State is
// private per client instance; the mutex makes it safe for workers that
// share one extractor.
type throttle struct {
	mu          sync.Mutex
	bucket      *rate.Limiter
	lastCall    time.Time
	consecFails int
}

// newThrottle builds a throttle allowing callsPerSecond sustained requests
// with a burst of one.
func newThrottle(callsPerSecond float64) *throttle {
	if callsPerSecond <= 0 {
		callsPerSecond = 2
	}
	return &throttle{
		bucket: rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

// wait blocks until it is safe to issue a request.
func (t *throttle) wait(ctx context.Context) error {
	if err := t.bucket.Wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.lastCall = time.Now()
	t.mu.Unlock()
	return nil
}

// record updates the consecutive-failure counter after a call completes.
func (t *throttle) record(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if failed {
		t.consecFails++
	} else {
		t.consecFails = 0
	}
}

// failures returns the current consecutive-failure count.
func (t *throttle) failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecFails
}
