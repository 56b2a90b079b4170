// Package cache is a size- and time-bounded key/value store with
// least-recently-used eviction. It never performs I/O.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/gustycube/netenrich/internal/metrics"
)

// Options configures a Store. Capacity <= 0 or TTL <= 0 disables caching.
type Options[V any] struct {
	// Name labels the store's metrics.
	Name     string
	Capacity int
	TTL      time.Duration

	// TTLFunc, when set, picks the lifetime of an individual value. A
	// non-positive return falls back to TTL.
	TTLFunc func(V) time.Duration

	// SweepInterval > 0 starts a goroutine removing expired entries.
	SweepInterval time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

type entry[V any] struct {
	value      V
	inserted   time.Time
	expires    time.Time
	lastAccess time.Time
}

// Store is safe for concurrent use. A single mutex guards the LRU, so a Get
// racing a Put on the same key observes either the old or the new value.
type Store[K comparable, V any] struct {
	name    string
	ttl     time.Duration
	ttlFunc func(V) time.Duration
	now     func() time.Time

	mu  sync.Mutex
	lru *simplelru.LRU[K, *entry[V]]

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Store. A disabled store misses on every Get.
func New[K comparable, V any](opts Options[V]) *Store[K, V] {
	s := &Store[K, V]{
		name:    opts.Name,
		ttl:     opts.TTL,
		ttlFunc: opts.TTLFunc,
		now:     opts.Clock,
		stop:    make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Capacity <= 0 || opts.TTL <= 0 {
		return s
	}
	// NewLRU only fails for a non-positive size, checked above.
	s.lru, _ = simplelru.NewLRU[K, *entry[V]](opts.Capacity, nil)
	if opts.SweepInterval > 0 {
		go s.sweeper(opts.SweepInterval)
	}
	return s
}

// Enabled reports whether the store retains anything.
func (s *Store[K, V]) Enabled() bool { return s.lru != nil }

// Get returns the live value for key. An expired entry is evicted and
// reported as missing.
func (s *Store[K, V]) Get(key K) (V, bool) {
	var zero V
	if s.lru == nil {
		metrics.CacheRequests.WithLabelValues(s.name, "miss").Inc()
		return zero, false
	}
	now := s.now()

	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if ok && !now.Before(e.expires) {
		s.lru.Remove(key)
		n := s.lru.Len()
		s.mu.Unlock()
		s.setEntries(n)
		metrics.CacheEvictions.WithLabelValues(s.name, "expired").Inc()
		metrics.CacheRequests.WithLabelValues(s.name, "miss").Inc()
		return zero, false
	}
	if ok {
		e.lastAccess = now
	}
	s.mu.Unlock()

	if !ok {
		metrics.CacheRequests.WithLabelValues(s.name, "miss").Inc()
		return zero, false
	}
	metrics.CacheRequests.WithLabelValues(s.name, "hit").Inc()
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the store is full.
func (s *Store[K, V]) Put(key K, value V) {
	if s.lru == nil {
		return
	}
	e := s.newEntry(value)

	s.mu.Lock()
	evicted := s.lru.Add(key, e)
	n := s.lru.Len()
	s.mu.Unlock()
	s.setEntries(n)

	if evicted {
		metrics.CacheEvictions.WithLabelValues(s.name, "capacity").Inc()
	}
}

// PutIfAbsent stores value only when key holds no live entry and reports
// whether it did. The first caller for a key wins until its entry expires.
func (s *Store[K, V]) PutIfAbsent(key K, value V) bool {
	if s.lru == nil {
		return true
	}
	e := s.newEntry(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.lru.Peek(key); ok && e.inserted.Before(cur.expires) {
		return false
	}
	if s.lru.Add(key, e) {
		metrics.CacheEvictions.WithLabelValues(s.name, "capacity").Inc()
	}
	s.setEntries(s.lru.Len())
	return true
}

// Remove deletes key.
func (s *Store[K, V]) Remove(key K) {
	if s.lru == nil {
		return
	}
	s.mu.Lock()
	s.lru.Remove(key)
	n := s.lru.Len()
	s.mu.Unlock()
	s.setEntries(n)
}

// Len is the number of entries held, expired or not.
func (s *Store[K, V]) Len() int {
	if s.lru == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Keys returns keys from least to most recently used.
func (s *Store[K, V]) Keys() []K {
	if s.lru == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// Purge drops every entry.
func (s *Store[K, V]) Purge() {
	if s.lru == nil {
		return
	}
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
	s.setEntries(0)
}

// Sweep removes expired entries and returns how many it removed.
func (s *Store[K, V]) Sweep() int {
	if s.lru == nil {
		return 0
	}
	now := s.now()
	removed := 0

	s.mu.Lock()
	for _, k := range s.lru.Keys() {
		if e, ok := s.lru.Peek(k); ok && !now.Before(e.expires) {
			s.lru.Remove(k)
			removed++
		}
	}
	n := s.lru.Len()
	s.mu.Unlock()

	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues(s.name, "expired").Add(float64(removed))
	}
	s.setEntries(n)
	return removed
}

func (s *Store[K, V]) setEntries(n int) {
	metrics.CacheEntries.WithLabelValues(s.name).Set(float64(n))
}

// Close stops the sweeper. The store stays usable.
func (s *Store[K, V]) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store[K, V]) newEntry(value V) *entry[V] {
	now := s.now()
	ttl := s.ttl
	if s.ttlFunc != nil {
		if d := s.ttlFunc(value); d > 0 {
			ttl = d
		}
	}
	return &entry[V]{value: value, inserted: now, expires: now.Add(ttl), lastAccess: now}
}

func (s *Store[K, V]) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
