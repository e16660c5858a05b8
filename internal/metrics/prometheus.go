package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Configuration metrics
	ConfigLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_config_loads_total",
		Help: "IO class config load attempts by result",
	}, []string{"cache", "result"})

	ConfigGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cas_ioclass_config_generation",
		Help: "Sequence number of the active table/registry generation",
	}, []string{"cache"})

	ConfiguredClasses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cas_ioclass_configured_classes",
		Help: "Number of io classes in the active table",
	}, []string{"cache"})

	AttachedCores = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cas_ioclass_attached_cores",
		Help: "Number of cores attached to the cache",
	}, []string{"cache"})

	CompletionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_completions_rejected_total",
		Help: "Completions ignored because their core or class is not configured",
	}, []string{"cache", "reason"})

	CompletionsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_completions_ingested_total",
		Help: "Completion events consumed from JetStream by outcome",
	}, []string{"cache", "result"})

	// Config source metrics
	SourcePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_source_polls_total",
		Help: "IO class config source polls by outcome",
	}, []string{"cache", "result"})

	SourceFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cas_ioclass_source_fetch_duration_seconds",
		Help:    "Time to fetch an io class config source",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"cache", "kind"})

	// API metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_http_requests_total",
		Help: "HTTP API requests by route and status code",
	}, []string{"route", "code"})

	NATSRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_ioclass_nats_requests_total",
		Help: "NATS responder requests by operation and status",
	}, []string{"operation", "status"})
)

// SnapshotSource enumerates per-class statistics of every attached core.
type SnapshotSource interface {
	EachSnapshot(fn func(cache string, core uint16, s stats.Snapshot))
}

var (
	requestsDesc = prometheus.NewDesc(
		"cas_ioclass_requests_total",
		"Requests assigned to an io class since the last reset or reload",
		[]string{"cache", "core", "class_id", "class_name"}, nil)

	resultsDesc = prometheus.NewDesc(
		"cas_ioclass_request_results_total",
		"Requests of an io class by direction and cache result",
		[]string{"cache", "core", "class_id", "direction", "result"}, nil)

	bytesDesc = prometheus.NewDesc(
		"cas_ioclass_bytes_total",
		"Bytes moved for an io class by device and direction",
		[]string{"cache", "core", "class_id", "device", "direction"}, nil)
)

// StatsCollector exports registry snapshots at scrape time. Counters are
// reset by reloads, which Prometheus rate functions handle as restarts.
type StatsCollector struct {
	src SnapshotSource
}

// NewStatsCollector returns a collector reading from src.
func NewStatsCollector(src SnapshotSource) *StatsCollector {
	return &StatsCollector{src: src}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- resultsDesc
	ch <- bytesDesc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.src.EachSnapshot(func(cache string, core uint16, s stats.Snapshot) {
		coreLabel := strconv.FormatUint(uint64(core), 10)
		classLabel := strconv.FormatUint(uint64(s.ClassID), 10)
		counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v),
				append([]string{cache, coreLabel, classLabel}, labels...)...)
		}

		counter(requestsDesc, s.Requests.Total, s.ClassName)

		r := s.Requests
		counter(resultsDesc, r.ReadHits, "read", "hit")
		counter(resultsDesc, r.ReadPartialMisses, "read", "partial_miss")
		counter(resultsDesc, r.ReadFullMisses, "read", "full_miss")
		counter(resultsDesc, r.PassThroughReads, "read", "pass_through")
		counter(resultsDesc, r.WriteHits, "write", "hit")
		counter(resultsDesc, r.WritePartialMisses, "write", "partial_miss")
		counter(resultsDesc, r.WriteFullMisses, "write", "full_miss")
		counter(resultsDesc, r.PassThroughWrites, "write", "pass_through")

		for _, d := range []struct {
			name string
			st   stats.DeviceStats
		}{
			{"cache", s.Blocks.Cache},
			{"backing", s.Blocks.Backing},
			{"exported", s.Blocks.Exported},
		} {
			counter(bytesDesc, d.st.Reads, d.name, "read")
			counter(bytesDesc, d.st.Writes, d.name, "write")
		}
	})
}

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
