package raftnode

import (
	"golang.org/x/time/rate"

	"github.com/confluxdb/conflux/pkg/coreerr"
)

// admission is the node's backpressure gate: a token bucket, an
// in-flight semaphore and a max request size check, applied before
// anything reaches the consensus engine. Admission is the *only* place
// backpressure is enforced.
type admission struct {
	limiter  *rate.Limiter
	inFlight chan struct{}
	maxBytes int
}

func newAdmission(cfg Config) *admission {
	return &admission{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		inFlight: make(chan struct{}, cfg.MaxInFlightRequests),
		maxBytes: cfg.MaxRequestBytes,
	}
}

// acquire admits one request of the given size, returning a release func
// to call when the request completes. It never blocks: a full in-flight
// slot or exhausted rate budget fails fast with ResourceExhausted rather
// than queuing, since admission must stay ahead of consensus latency.
func (a *admission) acquire(size int) (func(), error) {
	if a.maxBytes > 0 && size > a.maxBytes {
		return nil, coreerr.ResourceExhausted("request exceeds max_request_bytes")
	}
	if !a.limiter.Allow() {
		return nil, coreerr.ResourceExhausted("rate limit exceeded")
	}
	select {
	case a.inFlight <- struct{}{}:
	default:
		return nil, coreerr.ResourceExhausted("in-flight request cap reached")
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-a.inFlight
	}, nil
}
