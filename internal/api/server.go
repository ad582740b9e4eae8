package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/config"
	"cyberlab-engine/internal/monitor"
	"cyberlab-engine/internal/store"
)

// Server is the engine's HTTP API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires all routes and the middleware chain. Health and metrics
// bypass auth; budget config, orphan actions, pipeline review and the audit
// trail additionally require an admin key.
func NewServer(cfg *config.Config, handlers *Handlers, db *store.DB, adapter cloud.Adapter, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	authDisabled := len(cfg.Security.AllowedKeys) == 0 && len(cfg.Security.AdminKeys) == 0
	if authDisabled {
		log.Warn().Msg("no API keys configured, all requests accepted with admin rights")
	}
	admin := RequireAdmin(authDisabled)

	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /sessions", handlers.HandleStartSession)
	apiMux.HandleFunc("GET /sessions", handlers.HandleListSessions)
	apiMux.HandleFunc("GET /sessions/{id}", handlers.HandleGetSession)
	apiMux.HandleFunc("DELETE /sessions/{id}", handlers.HandleTerminateSession)
	apiMux.HandleFunc("POST /sessions/{id}/activity", handlers.HandleTouchActivity)
	apiMux.HandleFunc("POST /sessions/{id}/heartbeat", handlers.HandleHeartbeat)

	apiMux.HandleFunc("GET /budget", handlers.HandleGetBudget)
	apiMux.HandleFunc("GET /budget/alerts", handlers.HandleListBudgetAlerts)
	apiMux.Handle("PUT /budget/config", admin(http.HandlerFunc(handlers.HandleUpdateBudgetConfig)))

	apiMux.HandleFunc("GET /orphans", handlers.HandleListOrphans)
	apiMux.Handle("POST /orphans/{id}/terminate", admin(http.HandlerFunc(handlers.HandleTerminateOrphan)))
	apiMux.Handle("POST /orphans/{id}/ignore", admin(http.HandlerFunc(handlers.HandleIgnoreOrphan)))

	apiMux.HandleFunc("POST /pipelines", handlers.HandleSubmitPipeline)
	apiMux.HandleFunc("GET /pipelines/production", handlers.HandleListProduction)
	apiMux.HandleFunc("GET /pipelines/{scenario}", handlers.HandleGetPipeline)
	apiMux.HandleFunc("POST /pipelines/{scenario}/scan", handlers.HandleRecordScan)
	apiMux.Handle("POST /pipelines/{scenario}/approve", admin(http.HandlerFunc(handlers.HandleApprovePipeline)))
	apiMux.Handle("POST /pipelines/{scenario}/reject", admin(http.HandlerFunc(handlers.HandleRejectPipeline)))

	apiMux.Handle("GET /audit", admin(http.HandlerFunc(handlers.HandleListAudit)))

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AdminKeys)(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, adapter))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
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
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *store.DB, adapter cloud.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())
		cloudOK := adapter == nil || adapter.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: dbOK,
			Cloud:    cloudOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK || !cloudOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
