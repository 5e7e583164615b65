package sampler

import (
	"sync"
	"time"
)

// rateTracker derives per-second rates from monotonic counter totals across
// successive scrapes.
//
// All exported methods are safe for concurrent use.
type rateTracker struct {
	mu       sync.Mutex
	prev     map[string]float64
	prevTime time.Time
}

func newRateTracker() *rateTracker {
	return &rateTracker{}
}

// observe records totals taken at now and returns the rate per key since the
// previous call. The first call only stores the baseline and returns nil.
// Keys missing from the previous call get no rate this round.
func (r *rateTracker) observe(totals map[string]float64, now time.Time) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		r.prev = totals
		r.prevTime = now
	}()

	if r.prev == nil {
		return nil
	}

	elapsed := now.Sub(r.prevTime).Seconds()
	if elapsed <= 0 {
		return nil
	}

	out := make(map[string]float64, len(totals))
	for k, v := range totals {
		prev, ok := r.prev[k]
		if !ok {
			continue
		}
		out[k] = deltaOf(v, prev) / elapsed
	}
	return out
}

// deltaOf returns the positive counter delta between current and previous.
// If current < previous (counter reset after restart), returns 0.
func deltaOf(current, previous float64) float64 {
	d := current - previous
	if d < 0 {
		return 0
	}
	return d
}
