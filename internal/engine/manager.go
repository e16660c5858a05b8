package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gftdcojp/cas-ioclass/internal/meta"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"go.uber.org/zap"
)

// Manager owns the caches of one daemon. All caches share a rule compiler so
// that identical rules are compiled once.
type Manager struct {
	compiler *rule.Compiler
	meta     meta.Store
	logger   *zap.Logger

	mu     sync.RWMutex
	caches map[string]*Cache
}

// NewManager creates an empty manager. metaStore may be nil.
func NewManager(compiler *rule.Compiler, metaStore meta.Store, logger *zap.Logger) *Manager {
	return &Manager{
		compiler: compiler,
		meta:     metaStore,
		logger:   logger,
		caches:   make(map[string]*Cache),
	}
}

// Add creates a cache with the default table.
func (m *Manager) Add(id string) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[id]; ok {
		return nil, fmt.Errorf("cache %q: %w", id, ErrCacheExists)
	}
	c := NewCache(CacheConfig{
		ID:       id,
		Compiler: m.compiler,
		Meta:     m.meta,
		Logger:   m.logger,
	})
	m.caches[id] = c
	return c, nil
}

// Get returns the cache with the given id.
func (m *Manager) Get(id string) (*Cache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[id]
	if !ok {
		return nil, fmt.Errorf("cache %q: %w", id, ErrCacheUnknown)
	}
	return c, nil
}

// List returns all caches ordered by id.
func (m *Manager) List() []*Cache {
	m.mu.RLock()
	out := make([]*Cache, 0, len(m.caches))
	for _, c := range m.caches {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// EachSnapshot visits every class snapshot of every core of every cache.
func (m *Manager) EachSnapshot(fn func(cache string, core uint16, s stats.Snapshot)) {
	for _, c := range m.List() {
		c.EachSnapshot(fn)
	}
}
