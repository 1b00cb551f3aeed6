// Package memory holds single-process implementations of the rate limit
// stores. Counters are not shared between replicas; use the redis store
// when more than one docgate instance serves the same endpoints.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/docgate/internal/ratelimit"
)

type window struct {
	mu        sync.Mutex
	count     int64
	expiresAt time.Time
	dead      bool // removed by Sweep; callers must reload
}

// Counters is a fixed-window ratelimit.CounterStore.
type Counters struct {
	now     func() time.Time
	windows sync.Map // key -> *window
}

var _ ratelimit.CounterStore = (*Counters)(nil)

type Option func(*Counters)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counters) { c.now = now }
}

func NewCounters(opts ...Option) *Counters {
	c := &Counters{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counters) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	for {
		v, _ := c.windows.LoadOrStore(key, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}

		now := c.now()
		// first increment of a window sets its expiry
		if w.count == 0 || !now.Before(w.expiresAt) {
			w.count = 0
			w.expiresAt = now.Add(d)
		}
		w.count++
		count, ttl := w.count, w.expiresAt.Sub(now)
		w.mu.Unlock()

		return count, ttl, nil
	}
}

func (c *Counters) Reset(_ context.Context, key string) error {
	if v, ok := c.windows.LoadAndDelete(key); ok {
		w := v.(*window)
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}
	return nil
}

// Sweep drops expired windows. It returns how many were removed.
func (c *Counters) Sweep() int {
	now := c.now()
	removed := 0
	c.windows.Range(func(k, v any) bool {
		if c.expire(k, v.(*window), now) {
			removed++
		}
		return true
	})
	return removed
}

// expire retires w if its window is over. The map entry is only removed
// while it still points at w; a Reset followed by an Incr may already have
// stored a fresh window under the same key.
func (c *Counters) expire(key any, w *window, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead || now.Before(w.expiresAt) {
		return false
	}
	w.dead = true
	c.windows.CompareAndDelete(key, w)
	return true
}

// StartJanitor sweeps expired windows every interval until ctx is done.
func (c *Counters) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
}

// Policies is an in-memory ratelimit.PolicyStore.
type Policies struct {
	mu   sync.RWMutex
	rows map[string]ratelimit.Policy
}

var _ ratelimit.PolicyStore = (*Policies)(nil)

func NewPolicies() *Policies {
	return &Policies{rows: make(map[string]ratelimit.Policy)}
}

func (p *Policies) Lookup(_ context.Context, endpoint string) (ratelimit.Policy, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pol, ok := p.rows[endpoint]
	return pol, ok, nil
}

func (p *Policies) Upsert(_ context.Context, pol ratelimit.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[pol.Endpoint] = pol
	return nil
}
