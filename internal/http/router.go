package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agnij-dutta/tempus/internal/domain"
	"github.com/agnij-dutta/tempus/internal/repository"
	"github.com/agnij-dutta/tempus/internal/service/cleanup"
	"github.com/agnij-dutta/tempus/internal/service/preview"
	"github.com/agnij-dutta/tempus/internal/ws"
)

// PreviewService is the lifecycle surface the router exposes.
type PreviewService interface {
	Create(ctx context.Context, ttlHours int) (*domain.Preview, error)
	Extend(ctx context.Context, previewID string, hours int) (*domain.Preview, error)
	Delete(ctx context.Context, previewID string) error
	GetStatus(ctx context.Context, previewID string) (*domain.PreviewStatus, error)
	ListStatuses(ctx context.Context) ([]domain.PreviewStatus, error)
	Test(ctx context.Context, previewID string) (*domain.ProbeResult, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	preview  PreviewService
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	lifecycleTotal     *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitCreate    = 10
	rateLimitMutate    = 30
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, previewSvc PreviewService, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		preview: previewSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit("/health", r.handleHealth))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/preview/create", r.audit("/preview/create", r.withRateLimit("/preview/create", rateLimitCreate, rateWindowDefault, r.handleCreate)))
	r.mux.HandleFunc("/preview", r.audit("/preview", r.withRateLimit("/preview", rateLimitRead, rateWindowDefault, r.handleList)))
	r.mux.HandleFunc("/preview/", r.audit("/preview/{id}", r.handlePreviewSubroutes))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.withRateLimit("/ws/events", rateLimitStream, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit("/events", r.withRateLimit("/events", rateLimitStream, rateWindowRealtime, r.handleEventsSSE)))
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TTLHours int `json:"ttl_hours"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	p, err := r.preview.Create(req.Context(), payload.TTLHours)
	r.recordLifecycle("create", err)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"preview_id":  p.ID,
		"preview_url": p.PreviewURL,
		"expires_at":  p.ExpiresAt,
	})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	items, err := r.preview.ListStatuses(req.Context())
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (r *Router) handlePreviewSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/preview/")
	parts := strings.Split(trimmed, "/")
	previewID := parts[0]
	if previewID == "" {
		r.notFound(w)
		return
	}
	if _, err := uuid.Parse(previewID); err != nil {
		writeError(w, http.StatusBadRequest, "malformed preview id")
		return
	}
	switch {
	case len(parts) == 1:
		r.handlePreview(w, req, previewID)
	case len(parts) == 2 && parts[1] == "extend":
		r.withRateLimit("/preview/{id}/extend", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleExtend(w, req, previewID)
		})(w, req)
	case len(parts) == 2 && parts[1] == "test":
		r.withRateLimit("/preview/{id}/test", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleTest(w, req, previewID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request, previewID string) {
	switch req.Method {
	case http.MethodGet:
		r.withRateLimit("/preview/{id}", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			status, err := r.preview.GetStatus(req.Context(), previewID)
			if err != nil {
				r.respondServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})(w, req)
	case http.MethodDelete:
		r.withRateLimit("/preview/{id}", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			err := r.preview.Delete(req.Context(), previewID)
			r.recordLifecycle("delete", err)
			if err != nil {
				r.respondServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleExtend(w http.ResponseWriter, req *http.Request, previewID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		AdditionalHours int `json:"additional_hours"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.preview.Extend(req.Context(), previewID, payload.AdditionalHours)
	r.recordLifecycle("extend", err)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"preview_id": p.ID,
		"expires_at": p.ExpiresAt,
	})
}

func (r *Router) handleTest(w http.ResponseWriter, req *http.Request, previewID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.preview.Test(req.Context(), previewID)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	previewID := req.URL.Query().Get("preview_id")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(previewID, client)
	go func() {
		defer func() {
			r.hub.Unregister(previewID, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	previewID := req.URL.Query().Get("preview_id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(previewID, client)
	defer func() {
		r.hub.Unregister(previewID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// respondServiceError maps lifecycle errors onto the HTTP surface.
func (r *Router) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, preview.ErrInvalidTTL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "preview not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "preview was modified concurrently, retry with fresh state")
	case errors.Is(err, preview.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cleanup.ErrTeardown):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
