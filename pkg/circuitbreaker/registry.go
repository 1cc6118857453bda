package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry manages circuit breakers for multiple resources.
// Breakers are created lazily on first access and share one config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the number of breakers in each state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Remove removes a breaker from the registry.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
