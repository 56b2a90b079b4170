package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/netenrich/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func TestStore_GetPut(t *testing.T) {
	s := New[string, int](Options[int]{Name: "test", Capacity: 4, TTL: time.Minute})
	defer s.Close()

	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Put("a", 1)
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	s.Put("a", 2)
	v, _ = s.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RetainsMostRecentlyUsed(t *testing.T) {
	s := New[int, int](Options[int]{Name: "test", Capacity: 3, TTL: time.Minute})

	for i := 0; i < 3; i++ {
		s.Put(i, i)
	}
	// touch 0 so 1 becomes least recently used
	_, ok := s.Get(0)
	require.True(t, ok)

	s.Put(3, 3)
	s.Put(4, 4)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{0, 3, 4}, s.Keys())
	for _, k := range []int{1, 2} {
		_, ok := s.Get(k)
		assert.False(t, ok, "key %d should have been evicted", k)
	}
}

func TestStore_CapacityNeverExceeded(t *testing.T) {
	s := New[string, int](Options[int]{Name: "test", Capacity: 10, TTL: time.Minute})
	for i := 0; i < 1000; i++ {
		s.Put(fmt.Sprintf("k%d", i), i)
		require.LessOrEqual(t, s.Len(), 10)
	}
	keys := s.Keys()
	require.Len(t, keys, 10)
	assert.Equal(t, "k990", keys[0])
	assert.Equal(t, "k999", keys[9])
}

func TestStore_TTLExpiry(t *testing.T) {
	clk := newClock()
	s := New[string, string](Options[string]{Name: "test", Capacity: 8, TTL: 10 * time.Second, Clock: clk.Now})

	s.Put("a", "x")
	clk.Advance(9 * time.Second)
	_, ok := s.Get("a")
	assert.True(t, ok)

	// access does not extend lifetime
	clk.Advance(time.Second)
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired entry must not count toward occupancy")
}

func TestStore_TTLFunc(t *testing.T) {
	clk := newClock()
	s := New[string, bool](Options[bool]{
		Name:     "test",
		Capacity: 8,
		TTL:      time.Minute,
		TTLFunc: func(found bool) time.Duration {
			if !found {
				return 5 * time.Second
			}
			return 0
		},
		Clock: clk.Now,
	})

	s.Put("pos", true)
	s.Put("neg", false)
	clk.Advance(6 * time.Second)

	_, ok := s.Get("neg")
	assert.False(t, ok)
	_, ok = s.Get("pos")
	assert.True(t, ok)
}

func TestStore_Sweep(t *testing.T) {
	clk := newClock()
	s := New[int, int](Options[int]{Name: "test", Capacity: 8, TTL: time.Second, Clock: clk.Now})
	s.Put(1, 1)
	s.Put(2, 2)
	clk.Advance(500 * time.Millisecond)
	s.Put(3, 3)
	clk.Advance(600 * time.Millisecond)

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, []int{3}, s.Keys())
}

func TestStore_EntriesGaugeWithoutSweeper(t *testing.T) {
	clock := newClock()
	s := New[string, int](Options[int]{Name: "gauge-test", Capacity: 2, TTL: time.Minute, Clock: clock.Now})
	defer s.Close()
	entries := func() float64 { return testutil.ToFloat64(metrics.CacheEntries.WithLabelValues("gauge-test")) }

	s.Put("a", 1)
	s.Put("b", 2)
	s.Put("c", 3)
	assert.Equal(t, 2.0, entries())

	clock.Advance(2 * time.Minute)
	_, ok := s.Get("b")
	require.False(t, ok)
	assert.Equal(t, 1.0, entries())

	assert.True(t, s.PutIfAbsent("d", 4))
	assert.Equal(t, 2.0, entries())
	s.Remove("d")
	assert.Equal(t, 1.0, entries())
	s.Purge()
	assert.Equal(t, 0.0, entries())
}

func TestStore_Disabled(t *testing.T) {
	for _, opts := range []Options[int]{
		{Capacity: 0, TTL: time.Minute},
		{Capacity: 10, TTL: 0},
		{Capacity: -1, TTL: -time.Second},
	} {
		s := New[string, int](opts)
		assert.False(t, s.Enabled())
		s.Put("a", 1)
		_, ok := s.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, s.Len())
		assert.True(t, s.PutIfAbsent("a", 1), "disabled store never blocks a claim")
	}
}

func TestStore_PutIfAbsent(t *testing.T) {
	clk := newClock()
	s := New[string, int](Options[int]{Name: "test", Capacity: 8, TTL: time.Second, Clock: clk.Now})

	assert.True(t, s.PutIfAbsent("k", 1))
	assert.False(t, s.PutIfAbsent("k", 2))
	v, _ := s.Get("k")
	assert.Equal(t, 1, v)

	clk.Advance(time.Second)
	assert.True(t, s.PutIfAbsent("k", 3))
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New[int, int](Options[int]{Name: "test", Capacity: 64, TTL: time.Minute})
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				k := (i * (w + 1)) % 200
				s.Put(k, k)
				if v, ok := s.Get(k); ok && v != k {
					t.Errorf("torn value for %d: %d", k, v)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 64)
}

func TestStore_SweeperStops(t *testing.T) {
	s := New[int, int](Options[int]{Name: "test", Capacity: 8, TTL: 5 * time.Millisecond, SweepInterval: 2 * time.Millisecond})
	s.Put(1, 1)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
