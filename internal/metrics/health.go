package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/meta"
	"github.com/gftdcojp/cas-ioclass/pkg/s3util"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Probe reports the readiness of one dependency.
type Probe func(ctx context.Context) Check

// HealthChecker runs health probes.
type HealthChecker struct {
	mu     sync.Mutex
	probes []Probe
}

// NewHealthChecker creates a health checker probing whichever of the
// dependencies are non-nil.
func NewHealthChecker(nc *nats.Conn, metaStore meta.Store, s3Client *s3util.Client) *HealthChecker {
	h := &HealthChecker{}
	if nc != nil {
		h.Add(natsProbe(nc))
	}
	if metaStore != nil {
		h.Add(errProbe("metadata", func(context.Context) error { return metaStore.Ping() }))
	}
	if s3Client != nil {
		h.Add(errProbe("s3", s3Client.Ping))
	}
	return h
}

// Add registers an extra readiness probe.
func (h *HealthChecker) Add(p Probe) {
	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// AddCheck registers a probe that is healthy while fn returns nil.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.Add(errProbe(name, fn))
}

func natsProbe(nc *nats.Conn) Probe {
	return func(context.Context) Check {
		if !nc.IsConnected() {
			return Check{Name: "nats", Status: "disconnected"}
		}
		return Check{Name: "nats", Status: "connected"}
	}
}

func errProbe(name string, fn func(ctx context.Context) error) Probe {
	return func(ctx context.Context) Check {
		if err := fn(ctx); err != nil {
			return Check{Name: name, Status: "error", Error: err.Error()}
		}
		return Check{Name: name, Status: "ok"}
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.mu.Lock()
	probes := append([]Probe(nil), h.probes...)
	h.mu.Unlock()

	status := HealthStatus{OK: true}
	for _, p := range probes {
		c := p(ctx)
		if c.Status != "ok" && c.Status != "connected" {
			status.OK = false
		}
		status.Checks = append(status.Checks, c)
	}
	return status
}

// Handler serves liveness and readiness on the configured paths.
func (h *HealthChecker) Handler(cfg config.HealthConfig) http.Handler {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, h.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: checker.Handler(cfg),
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
