package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/config"
	"github.com/gftdcojp/cas-ioclass/internal/engine"
	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"github.com/gftdcojp/cas-ioclass/internal/metrics"
	"go.uber.org/zap"
)

// Version is reported by /v1/status; set at link time.
var Version = "dev"

type handler struct {
	mgr     *engine.Manager
	maxBody int64
	logger  *zap.Logger
}

// NewHandler returns the HTTP API for mgr.
func NewHandler(cfg config.APIConfig, mgr *engine.Manager, logger *zap.Logger) http.Handler {
	h := &handler{
		mgr:     mgr,
		maxBody: int64(cfg.MaxBodySize),
		logger:  logger.Named("http"),
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}

	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, fn))
	}
	route("GET /v1/status", h.handleStatus)
	route("GET /v1/caches", h.handleCaches)
	route("GET /v1/caches/{cache}/ioclasses", h.handleListClasses)
	route("POST /v1/caches/{cache}/ioclasses", h.handleLoadClasses)
	route("POST /v1/caches/{cache}/classify", h.handleClassify)
	route("GET /v1/caches/{cache}/cores", h.handleListCores)
	route("POST /v1/caches/{cache}/cores", h.handleAttachCore)
	route("DELETE /v1/caches/{cache}/cores/{core}", h.handleDetachCore)
	route("GET /v1/caches/{cache}/cores/{core}/stats", h.handleCoreStats)
	route("GET /v1/caches/{cache}/cores/{core}/ioclasses/{class}/stats", h.handleClassStats)
	route("POST /v1/caches/{cache}/cores/{core}/completions", h.handleCompletion)
	route("POST /v1/caches/{cache}/stats/reset", h.handleReset)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, mgr *engine.Manager, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(cfg, mgr, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"caches":  len(h.mgr.List()),
	})
}

func (h *handler) handleCaches(w http.ResponseWriter, r *http.Request) {
	caches := h.mgr.List()
	out := make([]CacheInfo, 0, len(caches))
	for _, c := range caches {
		out = append(out, cacheInfo(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func cacheInfo(c *engine.Cache) CacheInfo {
	table, gen := c.Active()
	return CacheInfo{
		ID:         c.ID(),
		Generation: gen,
		Classes:    table.Len(),
		Cores:      c.Cores(),
	}
}

func (h *handler) handleListClasses(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	specs := c.Table().Specs()
	if strings.Contains(r.Header.Get("Accept"), "text/csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		if err := ioclass.WriteCSV(w, specs); err != nil {
			h.logger.Warn("writing csv response", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (h *handler) handleLoadClasses(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		writeError(w, badRequest("reading body: %v", err))
		return
	}
	if int64(len(data)) > h.maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "config too large"})
		return
	}

	resp, err := loadConfig(r.Context(), c, configFormat(r.Header.Get("Content-Type")), data)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("io class config loaded via API",
		zap.String("cache", c.ID()),
		zap.Uint64("generation", resp.Generation),
		zap.Int("classes", resp.Classes))
	writeJSON(w, http.StatusOK, resp)
}

func loadConfig(ctx context.Context, c *engine.Cache, name string, data []byte) (LoadResponse, error) {
	specs, err := ioclass.ParseConfig(name, data)
	if err != nil {
		var ce *ioclass.ConfigError
		if !errors.As(err, &ce) {
			err = badRequest("%v", err)
		}
		return LoadResponse{}, err
	}
	if err := c.LoadConfig(ctx, specs); err != nil {
		return LoadResponse{}, err
	}
	table, gen := c.Active()
	return LoadResponse{Cache: c.ID(), Generation: gen, Classes: table.Len()}, nil
}

func (h *handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	var req RequestAttributes
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, badRequest("decoding attributes: %v", err))
		return
	}
	resp, err := classify(c, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func classify(c *engine.Cache, req RequestAttributes) (ClassifyResponse, error) {
	attrs, err := req.attributes()
	if err != nil {
		return ClassifyResponse{}, badRequest("%v", err)
	}
	table, gen := c.Active()
	id := table.Classify(attrs)
	cl, _ := table.Lookup(id)
	return ClassifyResponse{ClassID: id, ClassName: cl.Name, Generation: gen}, nil
}

func (h *handler) handleListCores(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Cores())
}

func (h *handler) handleAttachCore(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	var req AttachRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, badRequest("decoding request: %v", err))
		return
	}
	if _, err := c.AttachCore(r.Context(), req.CoreID, req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, engine.Core{ID: req.CoreID, Path: req.Path})
}

func (h *handler) handleDetachCore(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	coreID, ok := parseCoreID(w, r)
	if !ok {
		return
	}
	if err := c.DetachCore(r.Context(), coreID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleCoreStats(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	coreID, ok := parseCoreID(w, r)
	if !ok {
		return
	}
	gen, snaps, err := c.CoreStatsAt(coreID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CoreStatsResponse{Cache: c.ID(), CoreID: coreID, Generation: gen, Classes: snaps})
}

func (h *handler) handleClassStats(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	coreID, ok := parseCoreID(w, r)
	if !ok {
		return
	}
	classID, err := strconv.ParseUint(r.PathValue("class"), 10, 32)
	if err != nil {
		writeError(w, badRequest("invalid class id %q", r.PathValue("class")))
		return
	}
	snap, err := c.Stats(coreID, uint32(classID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	coreID, ok := parseCoreID(w, r)
	if !ok {
		return
	}
	var req CompletionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, badRequest("decoding completion: %v", err))
		return
	}
	o, err := req.outcome()
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	if req.Generation != 0 {
		err = c.ReportCompletionAt(req.Generation, coreID, req.ClassID, o)
	} else {
		err = c.ReportCompletion(coreID, req.ClassID, o)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleReset(w http.ResponseWriter, r *http.Request) {
	c, ok := h.cache(w, r)
	if !ok {
		return
	}
	if core := r.URL.Query().Get("core"); core != "" {
		coreID, err := strconv.ParseUint(core, 10, 16)
		if err != nil {
			writeError(w, badRequest("invalid core id %q", core))
			return
		}
		if err := c.ResetStats(uint16(coreID)); err != nil {
			writeError(w, err)
			return
		}
	} else {
		c.ResetAllStats()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *handler) cache(w http.ResponseWriter, r *http.Request) (*engine.Cache, bool) {
	c, err := h.mgr.Get(r.PathValue("cache"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

func parseCoreID(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(r.PathValue("core"), 10, 16)
	if err != nil {
		writeError(w, badRequest("invalid core id %q", r.PathValue("core")))
		return 0, false
	}
	return uint16(id), true
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
