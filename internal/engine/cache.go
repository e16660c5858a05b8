// Package engine ties a class table to the per-core statistics of one cache
// and swaps both atomically on reconfiguration.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/meta"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"go.uber.org/zap"
)

// ByIDDir is the only directory core devices may be attached from.
const ByIDDir = "/dev/disk/by-id/"

// CacheConfig holds dependencies for a cache.
type CacheConfig struct {
	ID       string
	Compiler *rule.Compiler
	Meta     meta.Store // optional
	Logger   *zap.Logger
}

// Core is an attached core device.
type Core struct {
	ID   uint16 `json:"core_id"`
	Path string `json:"path"`
}

type core struct {
	Core
	reg *stats.Registry
}

// generation is one published (table, registries) pair. It is never mutated
// after publication except through the registries' atomic counters. seq
// advances only when a table is installed; attaching or detaching a core
// publishes a new generation with the same seq.
type generation struct {
	seq   uint64
	table *ioclass.Table
	cores map[uint16]*core
}

func (g *generation) registry(coreID uint16) *stats.Registry {
	if c, ok := g.cores[coreID]; ok {
		return c.reg
	}
	return nil
}

// Request is a classified IO, bound to the generation it was classified
// against.
type Request struct {
	gen   *generation
	Core  uint16
	Class uint32
}

// Generation returns the sequence number of the configuration the request
// was classified against.
func (r Request) Generation() uint64 {
	if r.gen == nil {
		return 0
	}
	return r.gen.seq
}

// Cache classifies requests for one cache instance and keeps statistics for
// each of its cores.
type Cache struct {
	id      string
	builder *ioclass.Builder
	meta    meta.Store
	logger  *zap.Logger

	cur atomic.Pointer[generation]
	mu  sync.Mutex // serializes admin operations
}

// NewCache creates a cache running the default single-class table.
func NewCache(cfg CacheConfig) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		id:      cfg.ID,
		builder: ioclass.NewBuilder(cfg.Compiler),
		meta:    cfg.Meta,
		logger:  logger.Named("cache").With(zap.String("cache", cfg.ID)),
	}
	c.cur.Store(&generation{seq: 1, table: ioclass.Default(), cores: map[uint16]*core{}})
	c.observe(c.cur.Load())
	return c
}

// ID returns the cache id.
func (c *Cache) ID() string { return c.id }

// Generation returns the sequence number of the active configuration.
func (c *Cache) Generation() uint64 { return c.cur.Load().seq }

// Table returns the active class table.
func (c *Cache) Table() *ioclass.Table { return c.cur.Load().table }

// Active returns the active class table and its generation from a single
// load, so the two always belong together.
func (c *Cache) Active() (*ioclass.Table, uint64) {
	g := c.cur.Load()
	return g.table, g.seq
}

// Classify returns the class of attrs under the active table.
func (c *Cache) Classify(attrs *rule.Attributes) uint32 {
	return c.cur.Load().table.Classify(attrs)
}

// Submit classifies a request for coreID. The returned Request must be
// passed to Complete once the IO finishes.
func (c *Cache) Submit(coreID uint16, attrs *rule.Attributes) Request {
	g := c.cur.Load()
	return Request{gen: g, Core: coreID, Class: g.table.Classify(attrs)}
}

// Complete records the outcome of req against the registry of the generation
// it was classified under. It returns false if the core was not attached in
// that generation.
func (c *Cache) Complete(req Request, o stats.Outcome) bool {
	if req.gen == nil {
		return false
	}
	return c.record(req.gen, req.Core, req.Class, o) == nil
}

// ReportCompletion records an outcome for classID against the active
// generation. Completions for a core that is not attached or a class the
// active table does not contain are rejected with ErrCoreNotFound or
// ErrClassUnknown.
func (c *Cache) ReportCompletion(coreID uint16, classID uint32, o stats.Outcome) error {
	return c.record(c.cur.Load(), coreID, classID, o)
}

// ReportCompletionAt is ReportCompletion for a request classified under
// generation gen. If a different table has been installed since, the
// completion is rejected with ErrStaleGeneration and nothing is recorded.
func (c *Cache) ReportCompletionAt(gen uint64, coreID uint16, classID uint32, o stats.Outcome) error {
	g := c.cur.Load()
	if gen != g.seq {
		metrics.CompletionsRejected.WithLabelValues(c.id, "stale_generation").Inc()
		return fmt.Errorf("generation %d, active %d: %w", gen, g.seq, ErrStaleGeneration)
	}
	return c.record(g, coreID, classID, o)
}

func (c *Cache) record(g *generation, coreID uint16, classID uint32, o stats.Outcome) error {
	reg := g.registry(coreID)
	if reg == nil {
		metrics.CompletionsRejected.WithLabelValues(c.id, "unknown_core").Inc()
		return fmt.Errorf("core %d: %w", coreID, ErrCoreNotFound)
	}
	if !reg.Record(classID, o) {
		metrics.CompletionsRejected.WithLabelValues(c.id, "unknown_class").Inc()
		return fmt.Errorf("class %d: %w", classID, ErrClassUnknown)
	}
	return nil
}

// AttachCore binds a core device to the cache and returns its fresh
// registry. path must be a /dev/disk/by-id link and is stored as given.
func (c *Cache) AttachCore(ctx context.Context, coreID uint16, path string) (*stats.Registry, error) {
	if err := checkByID(path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.cur.Load()
	if _, ok := g.cores[coreID]; ok {
		return nil, fmt.Errorf("core %d: %w", coreID, ErrCoreExists)
	}
	for _, other := range g.cores {
		if other.Path == path {
			return nil, fmt.Errorf("%s (core %d): %w", path, other.ID, ErrPathInUse)
		}
	}

	if c.meta != nil {
		if err := c.meta.SaveCore(ctx, c.id, meta.CoreBinding{ID: coreID, Path: path}); err != nil {
			return nil, fmt.Errorf("persisting core %d: %w", coreID, err)
		}
	}

	next := g.withCores(len(g.cores) + 1)
	reg := stats.New(g.table)
	next.cores[coreID] = &core{Core: Core{ID: coreID, Path: path}, reg: reg}
	c.publish(next)

	c.logger.Info("core attached", zap.Uint16("core", coreID), zap.String("path", path))
	return reg, nil
}

// DetachCore removes a core and drops its statistics.
func (c *Cache) DetachCore(ctx context.Context, coreID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.cur.Load()
	if _, ok := g.cores[coreID]; !ok {
		return fmt.Errorf("core %d: %w", coreID, ErrCoreNotFound)
	}
	if c.meta != nil {
		if err := c.meta.DeleteCore(ctx, c.id, coreID); err != nil {
			return fmt.Errorf("removing core %d: %w", coreID, err)
		}
	}

	next := g.withCores(len(g.cores))
	delete(next.cores, coreID)
	c.publish(next)

	c.logger.Info("core detached", zap.Uint16("core", coreID))
	return nil
}

// LoadConfig validates specs and installs the resulting table. On error the
// active table and statistics are left untouched; validation failures are
// returned as *ioclass.ConfigError.
func (c *Cache) LoadConfig(ctx context.Context, specs []ioclass.ClassSpec) error {
	table, err := c.builder.Build(specs)
	if err != nil {
		metrics.ConfigLoads.WithLabelValues(c.id, "invalid").Inc()
		c.logger.Warn("rejected io class config", zap.Error(err))
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.meta != nil {
		if err := c.meta.SaveClasses(ctx, c.id, table.Specs()); err != nil {
			metrics.ConfigLoads.WithLabelValues(c.id, "error").Inc()
			return fmt.Errorf("persisting io class config: %w", err)
		}
	}
	c.install(table)
	metrics.ConfigLoads.WithLabelValues(c.id, "ok").Inc()
	return nil
}

// Install publishes table with a zeroed registry for every attached core.
// It does not persist the table.
func (c *Cache) Install(table *ioclass.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install(table)
}

func (c *Cache) install(table *ioclass.Table) {
	g := c.cur.Load()
	next := &generation{seq: g.seq + 1, table: table, cores: make(map[uint16]*core, len(g.cores))}
	for id, cr := range g.cores {
		next.cores[id] = &core{Core: cr.Core, reg: stats.New(table)}
	}
	c.publish(next)
	c.logger.Info("io class config installed",
		zap.Uint64("generation", next.seq),
		zap.Int("classes", table.Len()),
		zap.Int("cores", len(next.cores)))
}

// Restore reloads the persisted class config and core bindings. It is a
// no-op without a metadata store.
func (c *Cache) Restore(ctx context.Context) error {
	if c.meta == nil {
		return nil
	}
	rec, err := c.meta.LoadClasses(ctx, c.id)
	if err != nil {
		return fmt.Errorf("loading persisted io classes: %w", err)
	}
	if rec != nil {
		table, err := c.builder.Build(rec.Specs)
		if err != nil {
			return fmt.Errorf("persisted io class config: %w", err)
		}
		c.Install(table)
	}

	bindings, err := c.meta.ListCores(ctx, c.id)
	if err != nil {
		return fmt.Errorf("loading persisted cores: %w", err)
	}
	for _, b := range bindings {
		if _, err := c.AttachCore(ctx, b.ID, b.Path); err != nil {
			c.logger.Warn("skipping persisted core", zap.Uint16("core", b.ID), zap.Error(err))
		}
	}
	return nil
}

// ResetStats zeroes the counters of one core without changing the table.
func (c *Cache) ResetStats(coreID uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg := c.cur.Load().registry(coreID)
	if reg == nil {
		return fmt.Errorf("core %d: %w", coreID, ErrCoreNotFound)
	}
	reg.ResetAll()
	return nil
}

// ResetAllStats zeroes the counters of every core.
func (c *Cache) ResetAllStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cr := range c.cur.Load().cores {
		cr.reg.ResetAll()
	}
}

// Registry returns the active registry of a core.
func (c *Cache) Registry(coreID uint16) (*stats.Registry, bool) {
	reg := c.cur.Load().registry(coreID)
	return reg, reg != nil
}

// Stats returns the snapshot of one class on one core.
func (c *Cache) Stats(coreID uint16, classID uint32) (stats.Snapshot, error) {
	reg := c.cur.Load().registry(coreID)
	if reg == nil {
		return stats.Snapshot{}, fmt.Errorf("core %d: %w", coreID, ErrCoreNotFound)
	}
	s, ok := reg.Read(classID)
	if !ok {
		return stats.Snapshot{}, fmt.Errorf("class %d: %w", classID, ErrClassUnknown)
	}
	return s, nil
}

// CoreStats returns snapshots of every class on one core, in table order.
func (c *Cache) CoreStats(coreID uint16) ([]stats.Snapshot, error) {
	_, snaps, err := c.CoreStatsAt(coreID)
	return snaps, err
}

// CoreStatsAt is CoreStats that also returns the generation the snapshots
// were read from.
func (c *Cache) CoreStatsAt(coreID uint16) (uint64, []stats.Snapshot, error) {
	g := c.cur.Load()
	reg := g.registry(coreID)
	if reg == nil {
		return g.seq, nil, fmt.Errorf("core %d: %w", coreID, ErrCoreNotFound)
	}
	return g.seq, reg.ReadAll(), nil
}

// Cores lists attached cores ordered by id.
func (c *Cache) Cores() []Core {
	g := c.cur.Load()
	out := make([]Core, 0, len(g.cores))
	for _, cr := range g.cores {
		out = append(out, cr.Core)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EachSnapshot calls fn for every class of every attached core.
func (c *Cache) EachSnapshot(fn func(cache string, core uint16, s stats.Snapshot)) {
	g := c.cur.Load()
	for id, cr := range g.cores {
		for _, s := range cr.reg.ReadAll() {
			fn(c.id, id, s)
		}
	}
}

func (g *generation) withCores(capacity int) *generation {
	next := &generation{seq: g.seq, table: g.table, cores: make(map[uint16]*core, capacity)}
	for id, cr := range g.cores {
		next.cores[id] = cr
	}
	return next
}

// publish must be called with c.mu held.
func (c *Cache) publish(next *generation) {
	c.cur.Store(next)
	c.observe(next)
}

func (c *Cache) observe(g *generation) {
	metrics.ConfigGeneration.WithLabelValues(c.id).Set(float64(g.seq))
	metrics.ConfiguredClasses.WithLabelValues(c.id).Set(float64(g.table.Len()))
	metrics.AttachedCores.WithLabelValues(c.id).Set(float64(len(g.cores)))
}

func checkByID(path string) error {
	if !strings.HasPrefix(path, ByIDDir) || !strings.HasPrefix(filepath.Clean(path), ByIDDir) {
		return fmt.Errorf("%q: %w", path, ErrPathNotByID)
	}
	return nil
}
