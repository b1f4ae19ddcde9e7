package scan

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a job-wide, concurrency-safe RPS limiter. Every worker
// thread executing a slice of the same job shares one Throttle, so the
// combined cadence of all its concurrent slices is rate-limited together —
// two workers each recording a success advance the same token bucket.
//
// rate.Limiter already implements the "advance next-allowed-timestamp via
// CAS, return how long the caller must wait" discipline the job throttle
// needs: Reserve() reserves a token immediately and reports the resulting
// delay without blocking, so the caller (not the limiter) does the sleep.
type Throttle struct {
	rps     int
	limiter *rate.Limiter
}

// NewThrottle builds a throttle targeting rps records/sec across the whole
// job. rps == 0 means unlimited — every call returns 0 immediately.
func NewThrottle(rps int) *Throttle {
	if rps <= 0 {
		return &Throttle{}
	}
	// Burst of 1: each record consumes exactly one token, so the delay
	// returned is exactly next-allowed-timestamp minus now.
	return &Throttle{rps: rps, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

// RPS reports the configured target, 0 meaning unlimited.
func (t *Throttle) RPS() int {
	if t == nil {
		return 0
	}
	return t.rps
}

// Sleep returns how long the caller must sleep before this record is
// allowed to proceed. Returns 0 when RPS is unlimited or no sleep is due.
func (t *Throttle) Sleep() time.Duration {
	if t == nil || t.limiter == nil {
		return 0
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

// Wait blocks the calling goroutine for the throttle's computed delay.
func (t *Throttle) Wait() {
	if d := t.Sleep(); d > 0 {
		time.Sleep(d)
	}
}
