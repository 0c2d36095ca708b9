package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"treasuredig/prober/internal/detector"
	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/logging"
	"treasuredig/prober/internal/metrics"
)

// ReadinessProvider exposes service state required for readiness checks.
type ReadinessProvider interface {
	SceneInfo() (name string, surfaces int)
	SessionCount() int
	StartupError() error
	Uptime() time.Duration
}

// Detector answers the query endpoints.
type Detector interface {
	Probe(ctx context.Context, req detector.ProbeRequest) (detector.ProbeResponse, error)
	Furthest(ctx context.Context, req detector.FurthestRequest) (detector.FurthestResponse, error)
	Scan(ctx context.Context, req detector.ScanRequest) (detector.ScanResponse, error)
}

// SceneReloader re-reads the scene file and reports what was loaded.
type SceneReloader interface {
	ReloadScene(ctx context.Context) (name string, surfaces int, err error)
}

// SceneReloaderFunc adapts a function into a SceneReloader.
type SceneReloaderFunc func(ctx context.Context) (string, int, error)

// ReloadScene implements SceneReloader.
func (f SceneReloaderFunc) ReloadScene(ctx context.Context) (string, int, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Detector     Detector
	Metrics      *metrics.QueryMetrics
	Reloader     SceneReloader
	AdminToken   string
	RateLimiter  RateLimiter
	MaxBodyBytes int64
	TimeSource   func() time.Time
	JournalStats func() journal.StorageStats
}

// HandlerSet bundles the operational and query handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	detector     Detector
	metrics      *metrics.QueryMetrics
	reloader     SceneReloader
	adminToken   string
	rateLimiter  RateLimiter
	maxBodyBytes int64
	now          func() time.Time
	journalStats func() journal.StorageStats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		detector:     opts.Detector,
		metrics:      opts.Metrics,
		reloader:     opts.Reloader,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		maxBodyBytes: maxBody,
		now:          now,
		journalStats: opts.JournalStats,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/v1/probe", h.ProbeHandler())
	mux.HandleFunc("/v1/furthest", h.FurthestHandler())
	mux.HandleFunc("/v1/scan", h.ScanHandler())
	mux.HandleFunc("/v1/scene/reload", h.SceneReloadHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including the loaded scene and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Scene         string  `json:"scene"`
		Surfaces      int     `json:"surfaces"`
		Sessions      int     `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Scene, resp.Surfaces = h.readiness.SceneInfo()
			resp.Sessions = h.readiness.SessionCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.readiness != nil {
			name, surfaces := h.readiness.SceneInfo()
			fmt.Fprintf(w, "# HELP prober_uptime_seconds Prober uptime in seconds.\n")
			fmt.Fprintf(w, "# TYPE prober_uptime_seconds gauge\n")
			fmt.Fprintf(w, "prober_uptime_seconds %.0f\n", h.readiness.Uptime().Seconds())

			fmt.Fprintf(w, "# HELP prober_scene_surfaces Surfaces in the active scene.\n")
			fmt.Fprintf(w, "# TYPE prober_scene_surfaces gauge\n")
			fmt.Fprintf(w, "prober_scene_surfaces{scene=%q} %d\n", name, surfaces)

			fmt.Fprintf(w, "# HELP prober_sessions Current live detector sessions.\n")
			fmt.Fprintf(w, "# TYPE prober_sessions gauge\n")
			fmt.Fprintf(w, "prober_sessions %d\n", h.readiness.SessionCount())
		}
		if h.metrics != nil {
			fmt.Fprintf(w, "# HELP prober_requests_total Queries served per operation and outcome.\n")
			fmt.Fprintf(w, "# TYPE prober_requests_total counter\n")
			for _, counter := range h.metrics.Requests() {
				fmt.Fprintf(w, "prober_requests_total{operation=%q,outcome=%q} %d\n", counter.Operation, counter.Outcome, counter.Value)
			}
			latencies := h.metrics.Latencies()
			fmt.Fprintf(w, "# HELP prober_request_duration_seconds Query latency per operation.\n")
			fmt.Fprintf(w, "# TYPE prober_request_duration_seconds summary\n")
			for _, latency := range latencies {
				fmt.Fprintf(w, "prober_request_duration_seconds_sum{operation=%q} %.6f\n", latency.Operation, latency.SumSeconds)
				fmt.Fprintf(w, "prober_request_duration_seconds_count{operation=%q} %d\n", latency.Operation, latency.Count)
			}

			casts, failures, samples, skipped := h.metrics.Totals()
			fmt.Fprintf(w, "# HELP prober_ray_casts_total Scene ray casts issued by ground probes.\n")
			fmt.Fprintf(w, "# TYPE prober_ray_casts_total counter\n")
			fmt.Fprintf(w, "prober_ray_casts_total %d\n", casts)
			fmt.Fprintf(w, "# HELP prober_capability_failures_total Ray casts that failed and were treated as misses.\n")
			fmt.Fprintf(w, "# TYPE prober_capability_failures_total counter\n")
			fmt.Fprintf(w, "prober_capability_failures_total %d\n", failures)
			fmt.Fprintf(w, "# HELP prober_samples_total Grid samples evaluated by treasure searches.\n")
			fmt.Fprintf(w, "# TYPE prober_samples_total counter\n")
			fmt.Fprintf(w, "prober_samples_total %d\n", samples)
			fmt.Fprintf(w, "# HELP prober_surfaces_skipped_total Surfaces pruned before sampling.\n")
			fmt.Fprintf(w, "# TYPE prober_surfaces_skipped_total counter\n")
			fmt.Fprintf(w, "prober_surfaces_skipped_total %d\n", skipped)

			if sessions := h.metrics.Sessions(); len(sessions) > 0 {
				fmt.Fprintf(w, "# HELP prober_session_queries Queries served per live session.\n")
				fmt.Fprintf(w, "# TYPE prober_session_queries gauge\n")
				for id, count := range sessions {
					fmt.Fprintf(w, "prober_session_queries{session=%q} %d\n", id, count)
				}
			}
		}
		if h.journalStats != nil {
			stats := h.journalStats()
			fmt.Fprintf(w, "# HELP prober_journal_bundles Journal bundles retained on disk.\n")
			fmt.Fprintf(w, "# TYPE prober_journal_bundles gauge\n")
			fmt.Fprintf(w, "prober_journal_bundles %d\n", stats.Bundles)
			fmt.Fprintf(w, "# HELP prober_journal_bytes Journal footprint on disk in bytes.\n")
			fmt.Fprintf(w, "# TYPE prober_journal_bytes gauge\n")
			fmt.Fprintf(w, "prober_journal_bytes %d\n", stats.Bytes)
		}
	}
}

// ProbeHandler serves POST /v1/probe.
func (h *HandlerSet) ProbeHandler() http.HandlerFunc {
	return h.query("probe", func(ctx context.Context, r *http.Request) (any, error) {
		var wire detector.ProbeWire
		if err := detector.DecodeJSON(r.Body, &wire); err != nil {
			return nil, err
		}
		req, err := wire.Request()
		if err != nil {
			return nil, err
		}
		return h.detector.Probe(ctx, req)
	})
}

// FurthestHandler serves POST /v1/furthest.
func (h *HandlerSet) FurthestHandler() http.HandlerFunc {
	return h.query("furthest", func(ctx context.Context, r *http.Request) (any, error) {
		var wire detector.FurthestWire
		if err := detector.DecodeJSON(r.Body, &wire); err != nil {
			return nil, err
		}
		req, err := wire.Request()
		if err != nil {
			return nil, err
		}
		return h.detector.Furthest(ctx, req)
	})
}

// ScanHandler serves POST /v1/scan.
func (h *HandlerSet) ScanHandler() http.HandlerFunc {
	return h.query("scan", func(ctx context.Context, r *http.Request) (any, error) {
		var wire detector.ScanWire
		if err := detector.DecodeJSON(r.Body, &wire); err != nil {
			return nil, err
		}
		req, err := wire.Request()
		if err != nil {
			return nil, err
		}
		return h.detector.Scan(ctx, req)
	})
}

func (h *HandlerSet) query(name string, serve func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.detector == nil {
			http.Error(w, "detector unavailable", http.StatusServiceUnavailable)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		resp, err := serve(r.Context(), r)
		if err != nil {
			status := StatusFor(err)
			if status >= http.StatusInternalServerError {
				logging.LoggerFromContext(r.Context()).Warn("query failed",
					logging.String("handler", name),
					logging.Error(err),
				)
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusFor maps detector errors onto HTTP status codes.
func StatusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case detector.IsInvalidArgument(err):
		return http.StatusBadRequest
	case detector.IsCapabilityFailure(err):
		return http.StatusBadGateway
	case errors.Is(err, detector.ErrSceneUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// SceneReloadHandler authorises and triggers a scene reload.
func (h *HandlerSet) SceneReloadHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Scene    string `json:"scene"`
		Surfaces int    `json:"surfaces"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "scene_reload"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("scene reload denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("scene reload denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("scene reload denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.reloader == nil {
			reqLogger.Warn("scene reload denied: no reloader configured")
			http.Error(w, "scene reload is unavailable", http.StatusServiceUnavailable)
			return
		}
		name, surfaces, err := h.reloader.ReloadScene(r.Context())
		if err != nil {
			reqLogger.Error("scene reload failed", logging.Error(err))
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		reqLogger.Info("scene reloaded", logging.String("scene", name), logging.Int("surfaces", surfaces))
		writeJSON(w, http.StatusOK, response{Status: "reloaded", Scene: name, Surfaces: surfaces})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeError(w http.ResponseWriter, status int, err error) {
	type response struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, response{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
