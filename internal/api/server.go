package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"luau-runner/internal/config"
	"luau-runner/internal/monitor"
	"luau-runner/internal/playground"
	"luau-runner/internal/storage"
)

// RuntimeStatus reports the integration mode behind the sessions.
type RuntimeStatus interface {
	Mode() string
	Ready() bool
}

// Server is the HTTP surface of the playground.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	cfg        *config.Config
	sessions   *playground.Sessions
	runtime    RuntimeStatus
	db         *storage.DB
	startTime  time.Time
	cancel     context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db is only consulted by /health and may be nil.
func NewServer(cfg *config.Config, sessions *playground.Sessions, runtime RuntimeStatus, history storage.HistoryStore, db *storage.DB, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(sessions, history, cfg.History.Limit)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		runtime:   runtime,
		db:        db,
		startTime: time.Now(),
		cancel:    cancel,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Info().Msg("no API keys configured, the playground API is public")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/run", handlers.HandleRun)
	apiMux.HandleFunc("POST /api/run/stream", handlers.HandleRunStream)
	apiMux.HandleFunc("GET /api/history", handlers.HandleHistory)

	sessionAPI := SessionMiddleware(cfg.Sessions)(apiMux)
	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(sessionAPI)

	// Health and metrics bypass auth and sessions.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/api/", authedAPI)

	// Apply middleware chain (outermost last)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Str("mode", s.runtime.Mode()).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	defer s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	ready := s.runtime.Ready()

	resp := HealthResponse{
		Status:       "ok",
		Mode:         s.runtime.Mode(),
		RuntimeReady: ready,
		Database:     dbOK,
		Sessions:     s.sessions.Len(),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
	}

	if !dbOK || !ready {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
