// Package ratelimit keys a set of token-bucket limiters by peer, grounded
// on the teacher's BootstrapService.getRateLimiter pattern of a
// lazily-created map[key]*rate.Limiter guarded by a single mutex.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one rate.Limiter per key, creating it on first use.
// A zero-value ratePerSec disables limiting: Get returns nil, and callers
// are expected to treat a nil *rate.Limiter as "unlimited".
type Registry struct {
	ratePerSec float64
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRegistry constructs a Registry. ratePerSec <= 0 disables limiting
// entirely: Get always returns nil.
func NewRegistry(ratePerSec float64, burst int) *Registry {
	return &Registry{
		ratePerSec: ratePerSec,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Get returns the limiter for key, creating it if this is the first
// request for that key. Returns nil when the registry was constructed
// with a non-positive rate (limiting disabled).
func (r *Registry) Get(key string) *rate.Limiter {
	if r.ratePerSec <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.ratePerSec), r.burst)
		r.limiters[key] = lim
	}
	return lim
}

// Forget drops a key's limiter, e.g. once its peer connection closes.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
