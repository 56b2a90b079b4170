// Package dedup hands out claim tokens so only one worker auto-populates a
// given device within a TTL window.
package dedup

import (
	"context"
	"time"

	"github.com/gustycube/netenrich/internal/cache"
)

// Claimer grants a key to its first caller until the claim expires.
type Claimer interface {
	Claim(ctx context.Context, key string) bool
}

// Memory is an in-process Claimer.
type Memory struct {
	claims *cache.Store[string, struct{}]
}

// NewMemory keeps at most capacity live claims for ttl each.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	return &Memory{claims: cache.New[string, struct{}](cache.Options[struct{}]{
		Name:     "claims",
		Capacity: capacity,
		TTL:      ttl,
	})}
}

func (d *Memory) Claim(_ context.Context, key string) bool {
	return d.claims.PutIfAbsent(key, struct{}{})
}
