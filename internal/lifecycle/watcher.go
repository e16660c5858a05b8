// Package lifecycle keeps each cache's io class table in step with its
// configured config source.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/pkg/s3util"
	"go.uber.org/zap"
)

// WatcherConfig holds dependencies for a Watcher.
type WatcherConfig struct {
	S3            *s3util.Client // required for s3:// sources
	MaxConfigSize int64
	Logger        *zap.Logger
}

type source struct {
	cache    *engine.Cache
	location string

	applied  uint64 // fingerprint of the installed content
	rejected uint64 // fingerprint of the last content that failed validation
	lastErr  error
}

// Watcher polls io class config sources and reloads a cache whenever its
// source content changes. Unchanged content is never reinstalled, so
// statistics survive polls.
type Watcher struct {
	s3      *s3util.Client
	maxSize int64
	logger  *zap.Logger

	mu      sync.Mutex
	sources map[string]*source
}

// NewWatcher creates a watcher with no sources.
func NewWatcher(cfg WatcherConfig) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		s3:      cfg.S3,
		maxSize: cfg.MaxConfigSize,
		logger:  logger.Named("watcher"),
		sources: make(map[string]*source),
	}
}

// Watch registers location as the config source of c, replacing any
// previous source of the same cache.
func (w *Watcher) Watch(c *engine.Cache, location string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources[c.ID()] = &source{cache: c, location: location}
}

// Run polls every source on each tick until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sync(ctx); err != nil {
				w.logger.Error("config sync error", zap.Error(err))
			}
		}
	}
}

// Sync polls every source once and returns the failures joined.
func (w *Watcher) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, id := range w.cacheIDs() {
		if err := w.poll(ctx, w.sources[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Check reports the outcome of the most recent poll of every source.
func (w *Watcher) Check(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, id := range w.cacheIDs() {
		if err := w.sources[id].lastErr; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) cacheIDs() []string {
	ids := make([]string, 0, len(w.sources))
	for id := range w.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Watcher) poll(ctx context.Context, src *source) error {
	cacheID := src.cache.ID()

	data, err := w.fetch(ctx, cacheID, src.location)
	if err != nil {
		metrics.SourcePolls.WithLabelValues(cacheID, "error").Inc()
		src.lastErr = fmt.Errorf("cache %s: %w", cacheID, err)
		w.logger.Warn("fetching io class config",
			zap.String("cache", cacheID), zap.String("source", src.location), zap.Error(err))
		return src.lastErr
	}

	sum := xxhash.Sum64(data)
	switch {
	case src.applied != 0 && sum == src.applied:
		metrics.SourcePolls.WithLabelValues(cacheID, "unchanged").Inc()
		src.lastErr = nil
		return nil
	case src.rejected != 0 && sum == src.rejected:
		metrics.SourcePolls.WithLabelValues(cacheID, "invalid").Inc()
		return src.lastErr
	}

	if invalid, err := w.load(ctx, src, data); err != nil {
		if invalid {
			metrics.SourcePolls.WithLabelValues(cacheID, "invalid").Inc()
			src.rejected = sum
		} else {
			metrics.SourcePolls.WithLabelValues(cacheID, "error").Inc()
		}
		src.lastErr = fmt.Errorf("cache %s: %w", cacheID, err)
		w.logger.Error("io class config rejected, keeping active table",
			zap.String("cache", cacheID),
			zap.String("source", src.location),
			zap.Uint64("generation", src.cache.Generation()),
			zap.Error(err))
		return src.lastErr
	}

	metrics.SourcePolls.WithLabelValues(cacheID, "applied").Inc()
	src.applied, src.rejected, src.lastErr = sum, 0, nil
	w.logger.Info("io class config applied",
		zap.String("cache", cacheID),
		zap.String("source", src.location),
		zap.Uint64("generation", src.cache.Generation()),
		zap.Int("classes", src.cache.Table().Len()))
	return nil
}

// load parses and installs data. invalid is set when the content itself was
// refused, as opposed to a failure persisting it.
func (w *Watcher) load(ctx context.Context, src *source, data []byte) (invalid bool, err error) {
	specs, err := ioclass.ParseConfig(src.location, data)
	if err != nil {
		return true, err
	}
	err = src.cache.LoadConfig(ctx, specs)
	var ce *ioclass.ConfigError
	return errors.As(err, &ce), err
}
