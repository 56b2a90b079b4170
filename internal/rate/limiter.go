// Package rate paces calls per key. The inventory client keys by verb so
// lookups and writes draw on separate budgets.
package rate

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type PerKey struct {
	mu       sync.Mutex
	m        map[string]*rate.Limiter
	defLimit rate.Limit
	defBurst int
}

// New returns a limiter whose keys default to perSecond with the given
// burst. perSecond <= 0 means unlimited.
func New(perSecond float64, burst int) *PerKey {
	return &PerKey{
		m:        make(map[string]*rate.Limiter),
		defLimit: toLimit(perSecond),
		defBurst: max(burst, 1),
	}
}

// SetLimit overrides the rate for one key.
func (p *PerKey) SetLimit(key string, perSecond float64, burst int) {
	p.mu.Lock()
	p.m[key] = rate.NewLimiter(toLimit(perSecond), max(burst, 1))
	p.mu.Unlock()
}

func (p *PerKey) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(p.defLimit, p.defBurst)
		p.m[key] = l
	}
	return l
}

func (p *PerKey) Allow(key string) bool {
	return p.get(key).Allow()
}

// Wait blocks until key may proceed or ctx is done.
func (p *PerKey) Wait(ctx context.Context, key string) error {
	return p.get(key).Wait(ctx)
}

func toLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}
