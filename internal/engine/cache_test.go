package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/meta"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const testCorePath = "/dev/disk/by-id/nvme-INTEL_SSDPE2KX010T8_PHLJ0000001"

func directIOSpecs() []ioclass.ClassSpec {
	return []ioclass.ClassSpec{
		{ID: 0, Name: "unclassified", Rule: "unclassified", Priority: 255, Allocation: 1},
		{ID: 1, Name: "direct-io", Rule: "direction==write && flag==direct", Priority: 1, Allocation: 1},
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(CacheConfig{ID: "cache1", Logger: zap.NewNop()})
	if _, err := c.AttachCore(context.Background(), 1, testCorePath); err != nil {
		t.Fatalf("AttachCore failed: %v", err)
	}
	return c
}

func writeOutcome() stats.Outcome {
	return stats.Outcome{Direction: rule.DirWrite, Result: stats.FullMiss, Bytes: 4096, CacheBytes: 4096, BackingBytes: 4096}
}

func randomSpecs(rng *rand.Rand, n int) []ioclass.ClassSpec {
	specs := []ioclass.ClassSpec{{ID: 0, Name: "unclassified", Priority: 255, Allocation: 1}}
	ids := rng.Perm(ioclass.MaxClasses - 1)
	for i := 0; i < n-1; i++ {
		id := uint32(ids[i] + 1)
		specs = append(specs, ioclass.ClassSpec{
			ID:         id,
			Name:       fmt.Sprintf("size-%d", id),
			Rule:       fmt.Sprintf("request_size:le:%d", rng.Intn(1<<20)),
			Priority:   rng.Intn(ioclass.MaxPriority + 1),
			Allocation: 1,
		})
	}
	return specs
}

func TestDirectIOScenario(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		attrs := &rule.Attributes{Direction: rule.DirWrite, Size: 4096, Offset: uint64(i) * 4096}
		if i%2 == 0 {
			attrs.Flags = rule.FlagDirect
		}
		req := c.Submit(1, attrs)
		if !c.Complete(req, writeOutcome()) {
			t.Fatalf("Complete %d failed", i)
		}
	}

	direct, err := c.Stats(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	unclassified, err := c.Stats(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if direct.Requests.Total != 5 || unclassified.Requests.Total != 5 {
		t.Errorf("got direct=%d unclassified=%d, want 5/5", direct.Requests.Total, unclassified.Requests.Total)
	}
	if direct.Blocks.Exported.Writes != 5*4096 {
		t.Errorf("direct exported writes = %d", direct.Blocks.Exported.Writes)
	}

	// Reload with 20 unrelated classes: every counter starts from zero.
	specs := randomSpecs(rand.New(rand.NewSource(7)), 20)
	if err := c.LoadConfig(ctx, specs); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	all, err := c.CoreStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 20 {
		t.Fatalf("got %d class snapshots, want 20", len(all))
	}
	for _, s := range all {
		if !s.IsZero() {
			t.Errorf("class %d not zero after reload: %+v", s.ClassID, s.Requests)
		}
	}
}

func TestInvalidConfigLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	req := c.Submit(1, &rule.Attributes{Direction: rule.DirWrite, Flags: rule.FlagDirect})
	c.Complete(req, writeOutcome())

	before := c.Table()
	gen := c.Generation()

	bad := append(directIOSpecs(), ioclass.ClassSpec{ID: 2, Name: "bad", Rule: "colour==red", Allocation: 1})
	err := c.LoadConfig(ctx, bad)
	var ce *ioclass.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ioclass.ConfigError, got %v", err)
	}
	var pe *rule.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected wrapped *rule.ParseError, got %v", err)
	}

	if c.Table() != before || c.Generation() != gen {
		t.Error("failed load must not replace the table")
	}
	s, _ := c.Stats(1, 1)
	if s.Requests.Total != 1 {
		t.Errorf("counters changed by failed load: %d", s.Requests.Total)
	}
}

func TestLoadConfigIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	first, _ := c.Registry(1)
	c.ReportCompletion(1, 1, writeOutcome())

	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	second, _ := c.Registry(1)
	if first == second {
		t.Fatal("second load must allocate a new registry")
	}
	for _, s := range second.ReadAll() {
		if !s.IsZero() {
			t.Errorf("class %d carried counters over: %+v", s.ClassID, s.Requests)
		}
	}
	a, b := first.Table().Specs(), second.Table().Specs()
	if len(a) != len(b) {
		t.Fatalf("tables differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("spec %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestInFlightRequestCompletesAgainstOldGeneration(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	old, _ := c.Registry(1)

	req := c.Submit(1, &rule.Attributes{Direction: rule.DirWrite, Flags: rule.FlagDirect})
	if req.Class != 1 {
		t.Fatalf("classified as %d, want 1", req.Class)
	}

	// The new table no longer has class 1.
	if err := c.LoadConfig(ctx, ioclass.DefaultSpecs()); err != nil {
		t.Fatal(err)
	}
	if req.Generation() == c.Generation() {
		t.Fatal("reload should advance the generation")
	}
	if !c.Complete(req, writeOutcome()) {
		t.Fatal("in-flight completion should be accepted by its own generation")
	}

	s, _ := old.Read(1)
	if s.Requests.Total != 1 {
		t.Errorf("old registry total = %d, want 1", s.Requests.Total)
	}
	cur, _ := c.Registry(1)
	if cur.Total() != 0 {
		t.Errorf("new registry must not see the in-flight request, total = %d", cur.Total())
	}
	if err := c.ReportCompletion(1, 1, writeOutcome()); !errors.Is(err, ErrClassUnknown) {
		t.Errorf("completion for a class absent from the active table: got %v, want ErrClassUnknown", err)
	}
	if cur.Total() != 0 {
		t.Errorf("rejected completion was counted: %d", cur.Total())
	}
}

func TestConcurrentClassifyDuringReload(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	const workers = 8
	const perWorker = 2000
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				req := c.Submit(1, &rule.Attributes{Direction: rule.DirRead, Size: uint64(rng.Intn(1 << 20))})
				if !req.gen.table.Contains(req.Class) {
					errs <- fmt.Errorf("class %d not in generation %d", req.Class, req.Generation())
					return
				}
				if !c.Complete(req, stats.Outcome{Direction: rule.DirRead, Result: stats.Hit, Bytes: 512, CacheBytes: 512}) {
					errs <- fmt.Errorf("completion rejected for class %d", req.Class)
					return
				}
			}
		}(int64(w))
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		if err := c.LoadConfig(ctx, randomSpecs(rng, 2+rng.Intn(ioclass.MaxClasses-1))); err != nil {
			t.Fatalf("reload %d failed: %v", i, err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestConservationWithinGeneration(t *testing.T) {
	c := newTestCache(t)
	if err := c.LoadConfig(context.Background(), randomSpecs(rand.New(rand.NewSource(3)), 12)); err != nil {
		t.Fatal(err)
	}
	const n = 4000
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < n/4; i++ {
				req := c.Submit(1, &rule.Attributes{Direction: rule.DirWrite, Size: uint64(rng.Intn(1 << 20))})
				c.Complete(req, writeOutcome())
			}
		}(int64(w))
	}
	wg.Wait()

	reg, _ := c.Registry(1)
	if reg.Total() != n {
		t.Errorf("sum of requests_total = %d, want %d", reg.Total(), n)
	}
}

func TestAttachCorePaths(t *testing.T) {
	ctx := context.Background()
	c := NewCache(CacheConfig{ID: "cache1", Logger: zap.NewNop()})

	for _, p := range []string{"/dev/sdb", "/dev/nvme0n1p1", "sdb", "/dev/disk/by-id/", "/dev/disk/by-id/../../sdb", "/dev/disk/by-uuid/1234"} {
		if _, err := c.AttachCore(ctx, 1, p); !errors.Is(err, ErrPathNotByID) {
			t.Errorf("AttachCore(%q) = %v, want ErrPathNotByID", p, err)
		}
	}

	if _, err := c.AttachCore(ctx, 1, testCorePath); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AttachCore(ctx, 1, testCorePath+"-part1"); !errors.Is(err, ErrCoreExists) {
		t.Errorf("duplicate core id: got %v", err)
	}
	if _, err := c.AttachCore(ctx, 2, testCorePath); !errors.Is(err, ErrPathInUse) {
		t.Errorf("duplicate path: got %v", err)
	}
	if _, err := c.AttachCore(ctx, 2, testCorePath+"-part1"); err != nil {
		t.Fatal(err)
	}

	cores := c.Cores()
	if len(cores) != 2 || cores[0].Path != testCorePath || cores[1].Path != testCorePath+"-part1" {
		t.Errorf("paths must be kept as given: %+v", cores)
	}

	if err := c.DetachCore(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.DetachCore(ctx, 1); !errors.Is(err, ErrCoreNotFound) {
		t.Errorf("second detach: got %v", err)
	}
	if err := c.ReportCompletion(1, 0, writeOutcome()); !errors.Is(err, ErrCoreNotFound) {
		t.Errorf("completion for a detached core: got %v, want ErrCoreNotFound", err)
	}
	if _, err := c.AttachCore(ctx, 1, testCorePath); err != nil {
		t.Errorf("reattach after detach failed: %v", err)
	}
}

func TestAttachedCoreUsesActiveTable(t *testing.T) {
	ctx := context.Background()
	c := NewCache(CacheConfig{ID: "cache1", Logger: zap.NewNop()})
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	reg, err := c.AttachCore(ctx, 3, testCorePath)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Table() != c.Table() {
		t.Error("new core registry should be sized to the active table")
	}
	if !reg.Record(1, writeOutcome()) {
		t.Error("class 1 should be recordable on the new core")
	}
}

func TestResetStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if _, err := c.AttachCore(ctx, 2, testCorePath+"-b"); err != nil {
		t.Fatal(err)
	}
	table := c.Table()
	c.ReportCompletion(1, 0, writeOutcome())
	c.ReportCompletion(2, 0, writeOutcome())

	if err := c.ResetStats(1); err != nil {
		t.Fatal(err)
	}
	if s, _ := c.Stats(1, 0); !s.IsZero() {
		t.Error("core 1 not reset")
	}
	if s, _ := c.Stats(2, 0); s.Requests.Total != 1 {
		t.Error("core 2 should be untouched")
	}
	c.ResetAllStats()
	if s, _ := c.Stats(2, 0); !s.IsZero() {
		t.Error("core 2 not reset")
	}
	if c.Table() != table {
		t.Error("statistics reset must not change the table")
	}
	if err := c.ResetStats(9); !errors.Is(err, ErrCoreNotFound) {
		t.Errorf("reset unknown core: %v", err)
	}
	if _, err := c.Stats(1, 5); !errors.Is(err, ErrClassUnknown) {
		t.Errorf("stats for unknown class: %v", err)
	}
}

func TestRestoreFromMeta(t *testing.T) {
	ctx := context.Background()
	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := NewCache(CacheConfig{ID: "cache1", Meta: store, Logger: zap.NewNop()})
	if _, err := c.AttachCore(ctx, 1, testCorePath); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AttachCore(ctx, 2, testCorePath+"-b"); err != nil {
		t.Fatal(err)
	}
	if err := c.DetachCore(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}

	restored := NewCache(CacheConfig{ID: "cache1", Meta: store, Logger: zap.NewNop()})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := restored.Table().Len(); got != 2 {
		t.Errorf("restored table has %d classes, want 2", got)
	}
	cores := restored.Cores()
	if len(cores) != 1 || cores[0].ID != 1 || cores[0].Path != testCorePath {
		t.Errorf("restored cores = %+v", cores)
	}
	if got := restored.Classify(&rule.Attributes{Direction: rule.DirWrite, Flags: rule.FlagDirect}); got != 1 {
		t.Errorf("restored table classified direct write as %d", got)
	}
}

func TestManager(t *testing.T) {
	m := NewManager(nil, nil, zap.NewNop())
	if _, err := m.Add("b"); err != nil {
		t.Fatal(err)
	}
	a, err := m.Add("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add("a"); !errors.Is(err, ErrCacheExists) {
		t.Errorf("duplicate cache: %v", err)
	}
	if _, err := m.Get("c"); !errors.Is(err, ErrCacheUnknown) {
		t.Errorf("unknown cache: %v", err)
	}
	list := m.List()
	if len(list) != 2 || list[0].ID() != "a" || list[1].ID() != "b" {
		t.Errorf("unexpected list order")
	}

	if _, err := a.AttachCore(context.Background(), 1, testCorePath); err != nil {
		t.Fatal(err)
	}
	a.ReportCompletion(1, 0, writeOutcome())
	var seen int
	m.EachSnapshot(func(cache string, core uint16, s stats.Snapshot) {
		seen++
		if cache != "a" || core != 1 || s.Requests.Total != 1 {
			t.Errorf("unexpected snapshot %s/%d: %+v", cache, core, s)
		}
	})
	if seen != 1 {
		t.Errorf("visited %d snapshots, want 1", seen)
	}
}

func TestGenerationOnlyMovesOnInstall(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	gen := c.Generation()

	if _, err := c.AttachCore(ctx, 2, testCorePath+"-part2"); err != nil {
		t.Fatal(err)
	}
	if err := c.DetachCore(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if c.Generation() != gen {
		t.Errorf("core attach/detach moved the generation from %d to %d", gen, c.Generation())
	}

	c.Install(c.Table())
	if c.Generation() != gen+1 {
		t.Errorf("install: generation = %d, want %d", c.Generation(), gen+1)
	}
}

func TestReportCompletionAt(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}

	table, gen := c.Active()
	class := table.Classify(&rule.Attributes{Direction: rule.DirWrite, Flags: rule.FlagDirect})
	if class != 1 {
		t.Fatalf("classified as %d, want 1", class)
	}

	// A core attached while the request is in flight does not invalidate it.
	if _, err := c.AttachCore(ctx, 2, testCorePath+"-part2"); err != nil {
		t.Fatal(err)
	}
	if err := c.ReportCompletionAt(gen, 1, class, writeOutcome()); err != nil {
		t.Fatalf("completion after unrelated attach: %v", err)
	}
	if s, _ := c.Stats(1, 1); s.Requests.Total != 1 {
		t.Errorf("requests_total = %d, want 1", s.Requests.Total)
	}

	if err := c.ReportCompletionAt(gen, 3, class, writeOutcome()); !errors.Is(err, ErrCoreNotFound) {
		t.Errorf("unknown core: got %v, want ErrCoreNotFound", err)
	}
	if err := c.ReportCompletionAt(gen, 1, 7, writeOutcome()); !errors.Is(err, ErrClassUnknown) {
		t.Errorf("unknown class: got %v, want ErrClassUnknown", err)
	}

	if err := c.LoadConfig(ctx, directIOSpecs()); err != nil {
		t.Fatal(err)
	}
	if err := c.ReportCompletionAt(gen, 1, class, writeOutcome()); !errors.Is(err, ErrStaleGeneration) {
		t.Errorf("completion from a replaced table: got %v, want ErrStaleGeneration", err)
	}
	cur, _ := c.Registry(1)
	if cur.Total() != 0 {
		t.Errorf("stale completion was recorded into the new registry: total = %d", cur.Total())
	}
}

func rejectedCompletions(t *testing.T, cache, reason string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.CompletionsRejected); err != nil {
		t.Fatal(err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["cache"] == cache && labels["reason"] == reason {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCompleteCountsUnknownClass(t *testing.T) {
	c := NewCache(CacheConfig{ID: "complete-unknown-class", Logger: zap.NewNop()})
	if _, err := c.AttachCore(context.Background(), 1, testCorePath); err != nil {
		t.Fatal(err)
	}
	req := c.Submit(1, &rule.Attributes{Direction: rule.DirRead})
	req.Class = 9

	if c.Complete(req, writeOutcome()) {
		t.Fatal("completion for a class outside its generation must be rejected")
	}
	if got := rejectedCompletions(t, c.ID(), "unknown_class"); got != 1 {
		t.Errorf("unknown_class rejections = %v, want 1", got)
	}
	if err := c.ReportCompletion(1, 9, writeOutcome()); !errors.Is(err, ErrClassUnknown) {
		t.Errorf("got %v, want ErrClassUnknown", err)
	}
	if got := rejectedCompletions(t, c.ID(), "unknown_class"); got != 2 {
		t.Errorf("unknown_class rejections = %v, want 2", got)
	}
}
