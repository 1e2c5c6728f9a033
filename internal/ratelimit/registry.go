package ratelimit

import (
	"sync"

	"tradeflow/config"
	"tradeflow/internal/metrics"
	"tradeflow/models"
)

// Registry owns one Limiter per credential key.
type Registry struct {
	cfg config.RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewRegistry(cfg config.RateLimitConfig) *Registry {
	return &Registry{cfg: cfg, limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for cred, starting it on first use.
func (r *Registry) GetOrCreate(cred models.Credential) *Limiter {
	key := cred.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := New(cred.Masked(), r.cfg)
	r.limiters[key] = l
	return l
}

// Remove stops and forgets the limiter for cred.
func (r *Registry) Remove(cred models.Credential) {
	r.mu.Lock()
	l, ok := r.limiters[cred.Key()]
	delete(r.limiters, cred.Key())
	r.mu.Unlock()
	if ok {
		l.Close()
		metrics.Forget(cred.Masked())
	}
}

// Close stops every limiter.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.limiters
	r.limiters = make(map[string]*Limiter)
	r.mu.Unlock()
	for _, l := range all {
		l.Close()
	}
}
