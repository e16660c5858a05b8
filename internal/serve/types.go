package serve

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
)

// FileAttributes is the JSON form of rule.FileInfo.
type FileAttributes struct {
	Size      uint64 `json:"size"`
	Offset    uint64 `json:"offset"`
	Extension string `json:"extension,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// RequestAttributes is the JSON form of rule.Attributes.
type RequestAttributes struct {
	Direction rule.Direction  `json:"direction"`
	Flags     []string        `json:"flags,omitempty"`
	Size      uint64          `json:"request_size"`
	Offset    uint64          `json:"offset"`
	File      *FileAttributes `json:"file,omitempty"`
}

func (a RequestAttributes) attributes() (*rule.Attributes, error) {
	attrs := &rule.Attributes{Direction: a.Direction, Size: a.Size, Offset: a.Offset}
	for _, name := range a.Flags {
		f, err := rule.ParseFlag(name)
		if err != nil {
			return nil, err
		}
		attrs.Flags |= f
	}
	if a.File != nil {
		attrs.File = &rule.FileInfo{
			Size:      a.File.Size,
			Offset:    a.File.Offset,
			Extension: a.File.Extension,
			Directory: a.File.Directory,
		}
	}
	return attrs, nil
}

// ClassifyResponse is the reply to a classify request.
type ClassifyResponse struct {
	ClassID    uint32 `json:"class_id"`
	ClassName  string `json:"class_name"`
	Generation uint64 `json:"generation"`
}

// AttachRequest attaches a core device.
type AttachRequest struct {
	CoreID uint16 `json:"core_id"`
	Path   string `json:"path"`
}

// CompletionRequest reports one finished IO.
type CompletionRequest struct {
	ClassID      uint32         `json:"class_id"`
	Generation   uint64         `json:"generation,omitempty"` // 0 records against the active table
	Direction    rule.Direction `json:"direction"`
	Result       string         `json:"result"`
	Bytes        uint64         `json:"bytes"`
	CacheBytes   uint64         `json:"cache_bytes"`
	BackingBytes uint64         `json:"backing_bytes"`
}

func (c CompletionRequest) outcome() (stats.Outcome, error) {
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

// CacheInfo summarizes one cache.
type CacheInfo struct {
	ID         string        `json:"id"`
	Generation uint64        `json:"generation"`
	Classes    int           `json:"classes"`
	Cores      []engine.Core `json:"cores"`
}

// CoreStatsResponse holds every class snapshot of one core.
type CoreStatsResponse struct {
	Cache      string           `json:"cache"`
	CoreID     uint16           `json:"core_id"`
	Generation uint64           `json:"generation"`
	Classes    []stats.Snapshot `json:"classes"`
}

// LoadResponse is the reply to a successful config load.
type LoadResponse struct {
	Cache      string `json:"cache"`
	Generation uint64 `json:"generation"`
	Classes    int    `json:"classes"`
}

// ErrorResponse is returned for failed requests. Config errors carry the
// offending entry.
type ErrorResponse struct {
	Error   string  `json:"error"`
	Index   *int    `json:"index,omitempty"`
	ClassID *uint32 `json:"class_id,omitempty"`
	Field   string  `json:"field,omitempty"`
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var ce *ioclass.ConfigError
	if errors.As(err, &ce) {
		if ce.Index >= 0 {
			idx, id := ce.Index, ce.ClassID
			resp.Index, resp.ClassID = &idx, &id
		}
		resp.Field = ce.Field
	}
	return resp
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func statusFor(err error) int {
	var ce *ioclass.ConfigError
	switch {
	case errors.As(err, &ce), errors.Is(err, errBadRequest), errors.Is(err, engine.ErrPathNotByID):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrCacheUnknown), errors.Is(err, engine.ErrCoreNotFound), errors.Is(err, engine.ErrClassUnknown):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCoreExists), errors.Is(err, engine.ErrPathInUse), errors.Is(err, engine.ErrStaleGeneration):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// configFormat maps a content type to the file name ParseConfig expects.
func configFormat(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "yaml"):
		return "request.yaml"
	case strings.Contains(ct, "json"):
		return "request.json"
	default:
		return "request.csv"
	}
}
