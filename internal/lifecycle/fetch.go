package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"github.com/gftdcojp/cas-ioclass/pkg/s3util"
)

// fetch reads a config source: an s3://bucket/key URL or a local path.
func (w *Watcher) fetch(ctx context.Context, cacheID, location string) ([]byte, error) {
	kind := "file"
	if strings.HasPrefix(location, "s3://") {
		kind = "s3"
	}
	start := time.Now()
	defer func() {
		metrics.SourceFetchDuration.WithLabelValues(cacheID, kind).Observe(time.Since(start).Seconds())
	}()

	if kind == "s3" {
		return w.fetchS3(ctx, location)
	}
	return w.fetchFile(location)
}

func (w *Watcher) fetchS3(ctx context.Context, location string) ([]byte, error) {
	if w.s3 == nil {
		return nil, fmt.Errorf("%s: no s3 client configured", location)
	}
	bucket, key, err := s3util.ParseURL(location)
	if err != nil {
		return nil, err
	}
	return w.s3.Get(ctx, bucket, key, w.maxSize)
}

func (w *Watcher) fetchFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := io.Reader(f)
	if w.maxSize > 0 {
		r = io.LimitReader(f, w.maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if w.maxSize > 0 && int64(len(data)) > w.maxSize {
		return nil, fmt.Errorf("%s: %w", path, s3util.ErrTooLarge)
	}
	return data, nil
}
