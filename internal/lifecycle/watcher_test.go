package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"github.com/gftdcojp/cas-ioclass/pkg/s3util"
	"go.uber.org/zap"
)

const (
	corePath = "/dev/disk/by-id/ata-Samsung_SSD_860_EVO_S3Z9NB0K000001"

	twoClasses = `IO class id,IO class name,Rule,Priority,Allocation
0,unclassified,unclassified,255,1
1,direct-io,direction==write && flag==direct,1,1
`
	threeClasses = twoClasses + "2,small,request_size<=4096,2,0.5\n"
)

func newTestCache(t *testing.T) *engine.Cache {
	t.Helper()
	c := engine.NewCache(engine.CacheConfig{ID: "cache1", Logger: zap.NewNop()})
	if _, err := c.AttachCore(context.Background(), 1, corePath); err != nil {
		t.Fatal(err)
	}
	return c
}

func writeSource(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSyncAppliesChangedContent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "ioclass.csv")
	writeSource(t, path, twoClasses)

	w := NewWatcher(WatcherConfig{MaxConfigSize: 1 << 20, Logger: zap.NewNop()})
	w.Watch(c, path)

	if err := w.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if c.Table().Len() != 2 {
		t.Fatalf("expected 2 classes, got %d", c.Table().Len())
	}
	gen := c.Generation()

	c.ReportCompletion(1, 1, stats.Outcome{Direction: rule.DirWrite, Result: stats.Hit, Bytes: 512, CacheBytes: 512})

	// Unchanged content must not reinstall the table or drop statistics.
	if err := w.Sync(ctx); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if c.Generation() != gen {
		t.Errorf("generation moved from %d to %d on unchanged content", gen, c.Generation())
	}
	if s, _ := c.Stats(1, 1); s.Requests.Total != 1 {
		t.Errorf("statistics lost on unchanged content: %+v", s)
	}

	writeSource(t, path, threeClasses)
	if err := w.Sync(ctx); err != nil {
		t.Fatalf("Sync after change failed: %v", err)
	}
	if c.Generation() <= gen || c.Table().Len() != 3 {
		t.Errorf("change not applied: generation %d, classes %d", c.Generation(), c.Table().Len())
	}
	if s, _ := c.Stats(1, 1); !s.IsZero() {
		t.Errorf("reload should start from fresh statistics: %+v", s)
	}
}

func TestSyncKeepsTableOnInvalidContent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "ioclass.csv")
	writeSource(t, path, twoClasses)

	w := NewWatcher(WatcherConfig{Logger: zap.NewNop()})
	w.Watch(c, path)
	if err := w.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	gen := c.Generation()

	writeSource(t, path, twoClasses+"3,bad,request_size>>4,3,1\n")
	if err := w.Sync(ctx); err == nil {
		t.Fatal("expected an error for an invalid rule")
	}
	if c.Generation() != gen || c.Table().Len() != 2 {
		t.Errorf("invalid content changed the active table")
	}
	if err := w.Check(ctx); err == nil {
		t.Error("Check should report the rejected source")
	}

	// The same bad content is reported again without another load attempt.
	if err := w.Sync(ctx); err == nil {
		t.Error("expected the rejected content to keep failing")
	}

	writeSource(t, path, threeClasses)
	if err := w.Sync(ctx); err != nil {
		t.Fatalf("Sync after fix failed: %v", err)
	}
	if err := w.Check(ctx); err != nil {
		t.Errorf("Check after fix: %v", err)
	}
	if c.Table().Len() != 3 {
		t.Errorf("expected 3 classes, got %d", c.Table().Len())
	}
}

func TestSyncFetchErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		c := newTestCache(t)
		w := NewWatcher(WatcherConfig{Logger: zap.NewNop()})
		w.Watch(c, filepath.Join(dir, "absent.csv"))
		if err := w.Sync(ctx); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected ErrNotExist, got %v", err)
		}
		if c.Generation() != 1 {
			t.Error("failed fetch must not change the table")
		}
	})

	t.Run("oversized file", func(t *testing.T) {
		c := newTestCache(t)
		path := filepath.Join(dir, "big.csv")
		writeSource(t, path, twoClasses+strings.Repeat("# padding\n", 100))
		w := NewWatcher(WatcherConfig{MaxConfigSize: 128, Logger: zap.NewNop()})
		w.Watch(c, path)
		if err := w.Sync(ctx); !errors.Is(err, s3util.ErrTooLarge) {
			t.Errorf("expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("s3 without client", func(t *testing.T) {
		c := newTestCache(t)
		w := NewWatcher(WatcherConfig{Logger: zap.NewNop()})
		w.Watch(c, "s3://configs/cache1.csv")
		if err := w.Sync(ctx); err == nil {
			t.Error("expected an error without an s3 client")
		}
		if err := w.Check(ctx); err == nil {
			t.Error("Check should report the failed fetch")
		}
	})
}

func TestSyncYAMLSource(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "ioclass.yaml")
	writeSource(t, path, `
- id: 0
  name: unclassified
  priority: 255
- id: 5
  name: logs
  rule: "extension:log & direction:write"
  priority: 10
`)
	w := NewWatcher(WatcherConfig{Logger: zap.NewNop()})
	w.Watch(c, path)
	if err := w.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	attrs := &rule.Attributes{Direction: rule.DirWrite, File: &rule.FileInfo{Extension: "log"}}
	if got := c.Classify(attrs); got != 5 {
		t.Errorf("Classify = %d, want 5", got)
	}
}

func TestRunPicksUpChanges(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "ioclass.csv")
	writeSource(t, path, twoClasses)

	w := NewWatcher(WatcherConfig{Logger: zap.NewNop()})
	w.Watch(c, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for c.Table().Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not apply the config")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
