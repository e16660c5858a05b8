// Package stats keeps per io class request and block counters for one core.
package stats

import (
	"fmt"
	"sync/atomic"

	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
)

// Result is the cache outcome of a completed request.
type Result uint8

const (
	Hit Result = iota
	PartialMiss
	FullMiss
	PassThrough
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case PartialMiss:
		return "partial_miss"
	case FullMiss:
		return "full_miss"
	case PassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// ParseResult parses the String form of a Result.
func ParseResult(s string) (Result, error) {
	for r := Hit; r <= PassThrough; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown result %q", s)
}

// Outcome describes one completed request. Bytes is the size seen by the
// exported object; CacheBytes and BackingBytes are the parts serviced by the
// cache device and the core device (both non-zero for partial hits).
type Outcome struct {
	Direction    rule.Direction
	Result       Result
	Bytes        uint64
	CacheBytes   uint64
	BackingBytes uint64
}

// counters is one class slot. Every cell is updated independently.
type counters struct {
	total         atomic.Uint64
	readHits      atomic.Uint64
	readPartial   atomic.Uint64
	readFull      atomic.Uint64
	writeHits     atomic.Uint64
	writePartial  atomic.Uint64
	writeFull     atomic.Uint64
	passThroughRd atomic.Uint64
	passThroughWr atomic.Uint64
	cacheRd       atomic.Uint64
	cacheWr       atomic.Uint64
	backingRd     atomic.Uint64
	backingWr     atomic.Uint64
	exportedRd    atomic.Uint64
	exportedWr    atomic.Uint64
}

func (c *counters) record(o Outcome) {
	c.total.Add(1)

	read := o.Direction == rule.DirRead
	switch o.Result {
	case Hit:
		pick(read, &c.readHits, &c.writeHits).Add(1)
	case PartialMiss:
		pick(read, &c.readPartial, &c.writePartial).Add(1)
	case FullMiss:
		pick(read, &c.readFull, &c.writeFull).Add(1)
	case PassThrough:
		pick(read, &c.passThroughRd, &c.passThroughWr).Add(1)
	}

	if o.CacheBytes > 0 {
		pick(read, &c.cacheRd, &c.cacheWr).Add(o.CacheBytes)
	}
	if o.BackingBytes > 0 {
		pick(read, &c.backingRd, &c.backingWr).Add(o.BackingBytes)
	}
	if o.Bytes > 0 {
		pick(read, &c.exportedRd, &c.exportedWr).Add(o.Bytes)
	}
}

func pick(read bool, rd, wr *atomic.Uint64) *atomic.Uint64 {
	if read {
		return rd
	}
	return wr
}

func (c *counters) reset() {
	for _, cell := range []*atomic.Uint64{
		&c.total, &c.readHits, &c.readPartial, &c.readFull,
		&c.writeHits, &c.writePartial, &c.writeFull,
		&c.passThroughRd, &c.passThroughWr,
		&c.cacheRd, &c.cacheWr, &c.backingRd, &c.backingWr,
		&c.exportedRd, &c.exportedWr,
	} {
		cell.Store(0)
	}
}

// Registry maps the class ids of one table to their counters. It is sized
// when created and never grows; a new table always gets a new Registry.
type Registry struct {
	table *ioclass.Table
	slots []*counters
}

// New allocates zeroed counters for every class of table.
func New(table *ioclass.Table) *Registry {
	r := &Registry{
		table: table,
		slots: make([]*counters, table.MaxID()+1),
	}
	for _, c := range table.Classes() {
		r.slots[c.ID] = &counters{}
	}
	return r
}

// Table returns the class table the registry was sized for.
func (r *Registry) Table() *ioclass.Table {
	return r.table
}

func (r *Registry) slot(id uint32) *counters {
	if int(id) >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// Record accounts one completed request to class id. It returns false and
// records nothing when id is not a class of this registry's table.
func (r *Registry) Record(id uint32, o Outcome) bool {
	c := r.slot(id)
	if c == nil {
		return false
	}
	c.record(o)
	return true
}

// Read returns a snapshot of class id's counters.
func (r *Registry) Read(id uint32) (Snapshot, bool) {
	c := r.slot(id)
	if c == nil {
		return Snapshot{}, false
	}
	return r.snapshot(id, c), true
}

// ReadAll returns snapshots for every class in table priority order.
func (r *Registry) ReadAll() []Snapshot {
	classes := r.table.Classes()
	out := make([]Snapshot, 0, len(classes))
	for _, cl := range classes {
		out = append(out, r.snapshot(cl.ID, r.slots[cl.ID]))
	}
	return out
}

// Total returns the sum of requests_total over all classes.
func (r *Registry) Total() uint64 {
	var sum uint64
	for _, c := range r.slots {
		if c != nil {
			sum += c.total.Load()
		}
	}
	return sum
}

// ResetAll zeroes every counter of every class.
func (r *Registry) ResetAll() {
	for _, c := range r.slots {
		if c != nil {
			c.reset()
		}
	}
}

func (r *Registry) snapshot(id uint32, c *counters) Snapshot {
	s := Snapshot{ClassID: id}
	if cl, ok := r.table.Lookup(id); ok {
		s.ClassName = cl.Name
	}
	s.Requests = RequestStats{
		Total:              c.total.Load(),
		ReadHits:           c.readHits.Load(),
		ReadPartialMisses:  c.readPartial.Load(),
		ReadFullMisses:     c.readFull.Load(),
		WriteHits:          c.writeHits.Load(),
		WritePartialMisses: c.writePartial.Load(),
		WriteFullMisses:    c.writeFull.Load(),
		PassThroughReads:   c.passThroughRd.Load(),
		PassThroughWrites:  c.passThroughWr.Load(),
	}
	s.Blocks = BlockStats{
		Cache:    newDeviceStats(c.cacheRd.Load(), c.cacheWr.Load()),
		Backing:  newDeviceStats(c.backingRd.Load(), c.backingWr.Load()),
		Exported: newDeviceStats(c.exportedRd.Load(), c.exportedWr.Load()),
	}
	return s
}
