package worker

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces calls toward the remote tool server. The server is a
// single fixed endpoint, often a free-tier deployment that degrades under
// bursts, so one token bucket covers every call.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing requestsPerSecond sustained with
// the given burst. A non-positive rate disables pacing.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if requestsPerSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Wait blocks until a request may proceed or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed right now without
// waiting, consuming a token when one is available.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
