// Package cache provides a TTL and LRU bounded in-memory cache and a
// registry of per-namespace caches.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/stepflow/clock"
)

const (
	// DefaultMaxSize is the entry limit used when Options.MaxSize is unset.
	DefaultMaxSize = 1000
	// DefaultTTL is the lifetime used when Options.DefaultTTL is unset.
	DefaultTTL = 5 * time.Minute
)

// Options configures an Engine.
type Options struct {
	// MaxSize is the entry limit. Zero or less uses DefaultMaxSize.
	MaxSize int `yaml:"max_size" json:"max_size"`

	// DefaultTTL applies to entries stored without an explicit TTL. Zero or
	// less uses DefaultTTL.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// SingleFlight makes concurrent GetOrCompute calls for the same missing
	// key share one compute. Off by default: every caller computes.
	SingleFlight bool `yaml:"single_flight" json:"single_flight"`

	// Clock is the time source. Nil uses the wall clock.
	Clock clock.Clock `yaml:"-" json:"-"`
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	o.Clock = clock.OrReal(o.Clock)
	return o
}

// EntryStats describes one live entry.
type EntryStats struct {
	Key  string        `json:"key"`
	Hits int64         `json:"hits"`
	Age  time.Duration `json:"age"`
	TTL  time.Duration `json:"ttl"`
}

// Stats is a snapshot of an Engine's counters and contents.
type Stats struct {
	Hits      int64        `json:"hits"`
	Misses    int64        `json:"misses"`
	Evictions int64        `json:"evictions"`
	Size      int          `json:"size"`
	MaxSize   int          `json:"max_size"`
	HitRate   float64      `json:"hit_rate"`
	Entries   []EntryStats `json:"entries,omitempty"`
}

type entry[V any] struct {
	value      V
	createdAt  time.Time
	accessedAt time.Time
	ttl        time.Duration
	hits       int64
	touched    uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Engine is a concurrency-safe cache with lazy TTL expiry and
// least-recently-accessed eviction.
type Engine[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	touches uint64

	hits      int64
	misses    int64
	evictions int64

	opts  Options
	group singleflight.Group
}

// New creates an Engine.
func New[V any](opts Options) *Engine[V] {
	return &Engine[V]{
		entries: make(map[string]*entry[V]),
		opts:    opts.withDefaults(),
	}
}

// Get returns the value for key. An expired entry is removed and reported as
// a miss.
func (c *Engine[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Engine[V]) getLocked(key string) (V, bool) {
	var zero V
	now := c.opts.Clock.Now()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(now) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}

	e.hits++
	e.accessedAt = now
	e.touched = c.touch()
	c.hits++
	return e.value, true
}

// Set stores value under key. A ttl of zero or less uses the default. When
// the cache is full and key is new, the least recently accessed entry is
// evicted first.
func (c *Engine[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Engine[V]) setLocked(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictLocked()
	}

	now := c.opts.Clock.Now()
	c.entries[key] = &entry[V]{
		value:      value,
		createdAt:  now,
		accessedAt: now,
		ttl:        ttl,
		touched:    c.touch(),
	}
}

// evictLocked removes the entry with the oldest access time. Ties go to the
// entry touched first.
func (c *Engine[V]) evictLocked() {
	var (
		victim string
		oldest *entry[V]
	)
	for key, e := range c.entries {
		if oldest == nil ||
			e.accessedAt.Before(oldest.accessedAt) ||
			(e.accessedAt.Equal(oldest.accessedAt) && e.touched < oldest.touched) {
			victim, oldest = key, e
		}
	}
	if oldest != nil {
		delete(c.entries, victim)
		c.evictions++
	}
}

func (c *Engine[V]) touch() uint64 {
	c.touches++
	return c.touches
}

// Has reports whether key holds an unexpired entry without touching its
// access metadata or the hit counters. An expired entry is removed.
func (c *Engine[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expired(c.opts.Clock.Now()) {
		delete(c.entries, key)
		return false
	}
	return true
}

// ComputeFunc produces a value for a cache miss.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

// GetOrCompute returns the cached value for key, or calls compute, stores its
// result with ttl and returns it. Errors are returned and never cached.
func (c *Engine[V]) GetOrCompute(ctx context.Context, key string, compute ComputeFunc[V], ttl time.Duration) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if !c.opts.SingleFlight {
		return c.compute(ctx, key, compute, ttl)
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		return c.compute(ctx, key, compute, ttl)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (c *Engine[V]) compute(ctx context.Context, key string, compute ComputeFunc[V], ttl time.Duration) (V, error) {
	v, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("compute %q: %w", key, err)
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes key and reports whether it was present.
func (c *Engine[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes every entry and resets the counters.
func (c *Engine[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Engine[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock.Now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// removed.
func (c *Engine[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the counters and a per-entry listing sorted by key.
func (c *Engine[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock.Now()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		MaxSize:   c.opts.MaxSize,
		HitRate:   hitRate(c.hits, c.misses),
		Entries:   make([]EntryStats, 0, len(c.entries)),
	}
	for key, e := range c.entries {
		s.Entries = append(s.Entries, EntryStats{
			Key:  key,
			Hits: e.hits,
			Age:  now.Sub(e.createdAt),
			TTL:  e.ttl,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Key < s.Entries[j].Key })
	return s
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
