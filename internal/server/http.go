package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noeRls/puppeteer-stream/internal/config"
	"github.com/noeRls/puppeteer-stream/internal/control"
	"github.com/noeRls/puppeteer-stream/internal/metrics"
	"github.com/noeRls/puppeteer-stream/internal/readiness"
	"github.com/noeRls/puppeteer-stream/internal/session"
)

// HTTPServer provides the HTTP management API for capture sessions
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	controlCli *control.Client
	metrics    *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server. The control client and metrics
// handle may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, sessionMgr *session.Manager, controlCli *control.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessionMgr: sessionMgr,
		controlCli: controlCli,
		metrics:    m,
		startTime:  time.Now(),
	}

	router := chi.NewRouter()
	h.setupRoutes(router)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(router chi.Router) {
	// Session management endpoints
	router.Post("/sessions", h.withMetrics("/sessions", h.handleCreateSession))
	router.Get("/sessions", h.withMetrics("/sessions", h.handleListSessions))
	router.Get("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	router.Delete("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleDestroySession))

	// Session output streaming (no metrics wrapper; transfers are long-lived)
	router.Get("/sessions/{id}/stream", h.handleSessionStream)

	// Health check endpoint
	router.Get("/health", h.withMetrics("/health", h.handleHealth))

	// Configuration endpoint
	router.Get("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	router.Get("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	router.Get("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// Handler returns the configured router, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleCreateSession implements POST /sessions
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var opts session.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	s, err := h.sessionMgr.Create(r.Context(), opts)
	if err != nil {
		var timeoutErr *readiness.TimeoutError
		switch {
		case errors.Is(err, session.ErrInvalidOptions):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &timeoutErr):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			h.logger.Error("session creation failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, s.Info())
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessionMgr.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	s, exists := h.sessionMgr.Get(chi.URLParam(r, "id"))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, s.Info())
}

// handleDestroySession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	err := h.sessionMgr.Destroy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}

		// The transport is released even when the producer stop fails, so
		// the session is gone; report the failed stop instead of a 5xx.
		var stopErr *control.ProducerStopError
		if errors.As(err, &stopErr) {
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"state":   session.StateClosed,
				"warning": stopErr.Error(),
			})
			return
		}

		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSessionStream implements GET /sessions/{id}/stream. It relays the
// session's ordered output until the session is destroyed and its buffer is
// drained. Consuming the output here is what resumes a paused session.
func (h *HTTPServer) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	s, exists := h.sessionMgr.Get(chi.URLParam(r, "id"))
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	out := s.Output()
	buf := make([]byte, 32*1024)

	for {
		n, err := out.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	stats := h.sessionMgr.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "puppeteer-stream-bridge",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": stats.ActiveSessions,
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":    h.config.HTTP.Port,
			"address": h.config.HTTP.Address,
			"enabled": h.config.HTTP.Enabled,
		},
		"control": map[string]interface{}{
			"endpoint": h.config.Control.Endpoint,
			"timeout":  h.config.Control.Timeout,
		},
		"capture": map[string]interface{}{
			"base_port":          h.config.Capture.BasePort,
			"high_water_mark_mb": h.config.Capture.HighWaterMarkMB,
			"immediate_resume":   h.config.Capture.ImmediateResume,
			"retry": map[string]interface{}{
				"each":  h.config.Capture.Retry.Each,
				"times": h.config.Capture.Retry.Times,
			},
			"session_retention": h.config.Capture.SessionRetention,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessionMgr.GetStats(),
	}

	if h.controlCli != nil {
		stats["control"] = h.controlCli.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Capture Stream Bridge",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                     "API documentation",
			"POST /sessions":            "Create a capture session",
			"GET /sessions":             "List all sessions",
			"GET /sessions/{id}":        "Get detailed session information",
			"DELETE /sessions/{id}":     "Destroy a session",
			"GET /sessions/{id}/stream": "Relay the session's output stream",
			"GET /health":               "Service health check",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
