// Package api serves the thread command surface and live thread events over
// HTTP for terminal and browser front-ends.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/chat"
	"github.com/odvcencio/threadline/pkg/history"
	"github.com/odvcencio/threadline/pkg/logging"
)

const maxRequestBytes = 4 << 20

// Config configures the API server.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// AllowedOrigins lists extra origins for CORS and WebSocket upgrades.
	AllowedOrigins []string
	Version        string
}

// Deps are the collaborators the handlers call into. History, Bus and
// Gatherer are optional; their endpoints answer 503 when unset.
type Deps struct {
	Orchestrator *chat.Orchestrator
	History      *history.Repository
	Bus          bus.MessageBus
	Gatherer     prometheus.Gatherer
	Logger       *logging.Logger
}

// Server is the threadline API server.
type Server struct {
	cfg     Config
	orch    *chat.Orchestrator
	history *history.Repository
	bus     bus.MessageBus
	metrics prometheus.Gatherer
	logger  *logging.Logger

	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates the server and builds its routes.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		orch:    deps.Orchestrator,
		history: deps.History,
		bus:     deps.Bus,
		metrics: deps.Gatherer,
		logger:  deps.Logger,
	}

	router := chi.NewRouter()
	router.Use(s.recoverMiddleware)
	router.Use(s.logMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Put("/settings", s.handleUpdateSettings)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", s.handleNewThread)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", s.handleGetThread)
				r.Delete("/", s.handleEvictThread)
				r.Post("/messages", s.handleSubmit)
				r.Post("/send", s.handleSendMessages)
				r.Post("/retry", s.handleRetry)
				r.Post("/abort", s.handleAbort)
				r.Post("/enable-send", s.handleEnableSend)
				r.Get("/pause", s.handlePauseSummary)
				r.Post("/confirm", s.handleConfirm)
				r.Post("/reject", s.handleReject)
				r.Post("/patch", s.handlePatchChoice)
				r.Get("/export", s.handleExport)
			})
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Post("/import", s.handleImportHistory)
			r.Get("/{threadID}", s.handleGetHistory)
			r.Delete("/{threadID}", s.handleDeleteHistory)
			r.Post("/{threadID}/restore", s.handleRestoreHistory)
			r.Post("/{threadID}/rollback", s.handleRollbackHistory)
		})

		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWebSocket)
	})

	// h2c lets clients keep HTTP/2 streams open for SSE without TLS.
	s.handler = h2c.NewHandler(router, &http2.Server{})
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info(logging.CategoryAPI, "listening", "serving API", map[string]any{"addr": s.cfg.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
