package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrAlreadyCreated is returned by Configure for a namespace whose cache exists.
var ErrAlreadyCreated = errors.New("cache namespace already created")

// AggregateStats sums the counters of every namespace.
type AggregateStats struct {
	Hits       int64            `json:"hits"`
	Misses     int64            `json:"misses"`
	Evictions  int64            `json:"evictions"`
	Size       int              `json:"size"`
	HitRate    float64          `json:"hit_rate"`
	Namespaces map[string]Stats `json:"namespaces"`
}

// Manager is a registry of caches keyed by namespace. Each namespace gets one
// Engine, created on first use.
type Manager[V any] struct {
	mu        sync.Mutex
	defaults  Options
	overrides map[string]Options
	caches    map[string]*Engine[V]
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewManager creates a Manager whose namespaces use defaults unless
// configured otherwise.
func NewManager[V any](defaults Options, opts ...ManagerOption) *Manager[V] {
	cfg := managerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager[V]{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Options),
		caches:    make(map[string]*Engine[V]),
		logger:    cfg.logger,
	}
}

// Configure sets the options for ns. It must be called before the namespace
// is first used. Unset size, TTL and clock come from the manager defaults.
func (m *Manager[V]) Configure(ns string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.caches[ns]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyCreated, ns)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = m.defaults.MaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = m.defaults.DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = m.defaults.Clock
	}
	m.overrides[ns] = opts
	return nil
}

// Cache returns the Engine for ns, creating it on first use.
func (m *Manager[V]) Cache(ns string) *Engine[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[ns]; ok {
		return c
	}
	opts, ok := m.overrides[ns]
	if !ok {
		opts = m.defaults
	}
	c := New[V](opts)
	m.caches[ns] = c
	m.logger.Debug("Created cache namespace", "namespace", ns, "max_size", c.opts.MaxSize, "default_ttl", c.opts.DefaultTTL)
	return c
}

// ExecuteWithCache runs compute through the namespace's cache.
func (m *Manager[V]) ExecuteWithCache(ctx context.Context, ns, key string, compute ComputeFunc[V], ttl time.Duration) (V, error) {
	return m.Cache(ns).GetOrCompute(ctx, key, compute, ttl)
}

// Namespaces returns the created namespaces in sorted order.
func (m *Manager[V]) Namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.caches))
	for ns := range m.caches {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

func (m *Manager[V]) snapshot() map[string]*Engine[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Engine[V], len(m.caches))
	for ns, c := range m.caches {
		out[ns] = c
	}
	return out
}

// matching returns the caches whose namespace matches a doublestar pattern.
func (m *Manager[V]) matching(pattern string) (map[string]*Engine[V], error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid namespace pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}
	out := make(map[string]*Engine[V])
	for ns, c := range m.snapshot() {
		if ok, _ := doublestar.Match(pattern, ns); ok {
			out[ns] = c
		}
	}
	return out, nil
}

// NamespaceStats returns the stats of every namespace.
func (m *Manager[V]) NamespaceStats() map[string]Stats {
	out := make(map[string]Stats)
	for ns, c := range m.snapshot() {
		out[ns] = c.Stats()
	}
	return out
}

// Stats aggregates the counters of all namespaces.
func (m *Manager[V]) Stats() AggregateStats {
	return aggregate(m.NamespaceStats())
}

// StatsMatching aggregates the namespaces matching pattern, e.g. "tools/**".
func (m *Manager[V]) StatsMatching(pattern string) (AggregateStats, error) {
	caches, err := m.matching(pattern)
	if err != nil {
		return AggregateStats{}, err
	}
	per := make(map[string]Stats, len(caches))
	for ns, c := range caches {
		per[ns] = c.Stats()
	}
	return aggregate(per), nil
}

// ClearMatching clears the namespaces matching pattern and returns how many
// were cleared.
func (m *Manager[V]) ClearMatching(pattern string) (int, error) {
	caches, err := m.matching(pattern)
	if err != nil {
		return 0, err
	}
	for _, c := range caches {
		c.Clear()
	}
	return len(caches), nil
}

// CleanupAll sweeps expired entries from every namespace.
func (m *Manager[V]) CleanupAll() int {
	removed := 0
	for _, c := range m.snapshot() {
		removed += c.Cleanup()
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (m *Manager[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	clk := m.defaults.Clock
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			if n := m.CleanupAll(); n > 0 {
				m.logger.Debug("Swept expired cache entries", "removed", n)
			}
		}
	}
}

func aggregate(per map[string]Stats) AggregateStats {
	agg := AggregateStats{Namespaces: per}
	for _, s := range per {
		agg.Hits += s.Hits
		agg.Misses += s.Misses
		agg.Evictions += s.Evictions
		agg.Size += s.Size
	}
	agg.HitRate = hitRate(agg.Hits, agg.Misses)
	return agg
}
