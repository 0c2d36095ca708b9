package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"

	"treasuredig/prober/internal/config"
	"treasuredig/prober/internal/detector"
	grpcapi "treasuredig/prober/internal/grpc"
	httpapi "treasuredig/prober/internal/http"
	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/logging"
	"treasuredig/prober/internal/metrics"
	"treasuredig/prober/internal/scene"
)

// ServerOption customises the prober server.
type ServerOption func(*Server)

// WithSessionAuthenticator wires a custom WebSocket authenticator into the server.
func WithSessionAuthenticator(authenticator sessionAuthenticator) ServerOption {
	return func(s *Server) {
		if s == nil || authenticator == nil {
			return
		}
		s.auth = authenticator
	}
}

// WithJournal records every query into writer and reports retention through cleaner.
func WithJournal(writer *journal.Writer, cleaner *journal.Cleaner) ServerOption {
	return func(s *Server) {
		if s == nil || writer == nil {
			return
		}
		s.journal = writer
		s.cleaner = cleaner
	}
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if s == nil || now == nil {
			return
		}
		s.now = now
	}
}

// Server owns the scene store, the detector and the live WebSocket sessions.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	scenes   *scene.Store
	detector *detector.Service
	metrics  *metrics.QueryMetrics
	journal  *journal.Writer
	cleaner  *journal.Cleaner
	auth     sessionAuthenticator
	limiter  *httpapi.KeyedLimiter
	reloads  *httpapi.SlidingWindowLimiter
	upgrader websocket.Upgrader
	now      func() time.Time
	started  time.Time

	mu         sync.Mutex
	sessions   map[string]*session
	startupErr error
}

// NewServer loads the configured scene and wires the detector for every transport.
func NewServer(cfg *config.Config, logger *logging.Logger, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics.New(),
		auth:     allowAllAuthenticator{},
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	if cfg.SessionSecret != "" {
		authenticator, err := newHMACSessionAuthenticator(cfg.SessionSecret)
		if err != nil {
			return nil, err
		}
		s.auth = authenticator
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.now()

	//1.- Load the scene; a broken file keeps the server up but not ready until a reload succeeds.
	var initial *scene.Scene
	if cfg.ScenePath != "" {
		loaded, err := scene.Load(cfg.ScenePath)
		if err != nil {
			s.startupErr = err
			logger.Error("scene load failed", logging.String("path", cfg.ScenePath), logging.Error(err))
		} else {
			initial = loaded
			logger.Info("scene loaded", logging.String("scene", loaded.Name()), logging.Int("surfaces", loaded.Len()))
		}
	} else {
		logger.Warn("no scene configured; queries run against an empty scene")
	}
	s.scenes = scene.NewStore(cfg.ScenePath, initial)

	//2.- Build the detector that every transport shares.
	detectorOpts := []detector.Option{
		detector.WithDefaults(detector.DefaultsFromConfig(cfg)),
		detector.WithMetrics(s.metrics),
		detector.WithLogger(logger),
		detector.WithClock(s.now),
	}
	if s.journal != nil {
		//3.- The journal keeps the defaults and the starting scene so its queries can be replayed.
		detectorOpts = append(detectorOpts, detector.WithJournal(s.journal))
		if err := s.journal.RecordSettings(detector.DefaultsFromConfig(cfg).Settings()); err != nil {
			logger.Warn("journal settings failed", logging.Error(err))
		}
		if _, err := s.journal.SnapshotScene(s.scenes.Current()); err != nil {
			logger.Warn("journal scene snapshot failed", logging.Error(err))
		}
	}
	s.detector = detector.NewService(s.scenes, detectorOpts...)

	//4.- Rate limits for sessions and admin reloads.
	s.limiter = httpapi.NewKeyedLimiter(cfg.SessionRateWindow, cfg.SessionRateLimit, s.now)
	s.reloads = httpapi.NewSlidingWindowLimiter(cfg.ReloadWindow, cfg.ReloadBurst, s.now)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the HTTP surface: operational endpoints, query endpoints and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       s.log,
		Readiness:    s,
		Detector:     s.detector,
		Metrics:      s.metrics,
		Reloader:     s,
		AdminToken:   s.cfg.AdminToken,
		RateLimiter:  s.reloads,
		MaxBodyBytes: s.cfg.MaxPayloadBytes,
		TimeSource:   s.now,
		JournalStats: s.journalStats,
	})
	handlers.Register(mux)
	mux.HandleFunc("/ws", s.serveWS)
	return logging.HTTPTraceMiddleware(s.log)(mux)
}

// GRPCServer builds a gRPC server exposing the probe service with the configured security.
func (s *Server) GRPCServer() (*grpc.Server, error) {
	opts, err := grpcapi.ServerOptions(s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	grpcapi.RegisterZstd()
	server := grpc.NewServer(opts...)
	grpcapi.Register(server, grpcapi.NewService(s.detector, grpcapi.WithLogger(s.log)))
	return server, nil
}

// SceneInfo reports the active scene name and surface count.
func (s *Server) SceneInfo() (string, int) {
	current := s.scenes.Current()
	return current.Name(), current.Len()
}

// SessionCount reports the number of live WebSocket sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartupError reports why the server is not ready, if anything.
func (s *Server) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupErr
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return s.now().Sub(s.started)
}

// ReloadScene re-reads the scene file, snapshots it into the journal and publishes it.
func (s *Server) ReloadScene(ctx context.Context) (string, int, error) {
	next, err := s.scenes.Load()
	if err != nil {
		return "", 0, err
	}
	//1.- Snapshot before publishing so every query against next maps to its generation.
	if s.journal != nil {
		if _, err := s.journal.SnapshotScene(next); err != nil {
			logging.LoggerFromContext(ctx).Warn("journal scene snapshot failed", logging.Error(err))
		}
	}
	s.scenes.Replace(next)
	s.mu.Lock()
	s.startupErr = nil
	s.mu.Unlock()
	return next.Name(), next.Len(), nil
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return config.DefaultPingInterval
	}
	return s.cfg.PingInterval
}

func (s *Server) journalStats() journal.StorageStats {
	if s.cleaner == nil {
		return journal.StorageStats{}
	}
	return s.cleaner.Stats()
}

// checkOrigin allows every origin when none are configured, otherwise requires an exact match.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalised := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), normalised) {
			return true
		}
	}
	return false
}

// Close terminates live sessions and flushes the journal.
func (s *Server) Close() error {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.close()
	}
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}
