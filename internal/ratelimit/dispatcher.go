package ratelimit

import "sync"

// Dispatcher maps operation names to limiters so different API surfaces can
// carry different quotas. Unknown operations are unlimited.
type Dispatcher struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{limiters: make(map[string]*Limiter)}
}

func (d *Dispatcher) Register(operation string, limiter *Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters[operation] = limiter
}

func (d *Dispatcher) Check(operation, key string, n int) error {
	d.mu.RLock()
	limiter, ok := d.limiters[operation]
	d.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Check(key, n)
}

func (d *Dispatcher) Status(operation, key string) (Status, bool) {
	d.mu.RLock()
	limiter, ok := d.limiters[operation]
	d.mu.RUnlock()

	if !ok {
		return Status{}, false
	}
	return limiter.Status(key), true
}
