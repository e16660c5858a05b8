package ingest

import (
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
)

// Completion is the JSON body of a completion event. Generation, when set,
// is the io class config generation the request was classified under;
// events from another generation are dropped.
type Completion struct {
	ClassID      uint32         `json:"class_id"`
	Generation   uint64         `json:"generation,omitempty"`
	Direction    rule.Direction `json:"direction"`
	Result       string         `json:"result"`
	Bytes        uint64         `json:"bytes"`
	CacheBytes   uint64         `json:"cache_bytes"`
	BackingBytes uint64         `json:"backing_bytes"`
}

func (c Completion) outcome() (stats.Outcome, error) {
	res, err := stats.ParseResult(c.Result)
	if err != nil {
		return stats.Outcome{}, err
	}
	return stats.Outcome{
		Direction:    c.Direction,
		Result:       res,
		Bytes:        c.Bytes,
		CacheBytes:   c.CacheBytes,
		BackingBytes: c.BackingBytes,
	}, nil
}
