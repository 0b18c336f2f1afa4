// Package server exposes the HTTP API of the turn router: game project
// lookups, run lifecycle, whole-turn processing, and the step-mode debugging
// endpoints.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/talespin/internal/modclient"
	"github.com/danshapiro/talespin/internal/registry"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	// GameProjectsRoot is the directory holding one subdirectory per game
	// project; runs live under <project>/saved/<runId>/.
	GameProjectsRoot string

	// GameProjectID is the project new runs are created in.
	GameProjectID string

	// Client posts stage requests to module services. Defaults to a client
	// configured from the environment.
	Client *modclient.Client

	// EnvLookup resolves MODULE_<ROLE>_URL variables. Defaults to the process
	// environment; tests inject their own.
	EnvLookup registry.EnvLookup
}

// Server is the HTTP server routing player turns through the module pipeline.
type Server struct {
	config  Config
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a Server with the given config.
func New(cfg Config) *Server {
	if cfg.Client == nil {
		cfg.Client = modclient.NewFromEnv()
	}
	if cfg.EnvLookup == nil {
		cfg.EnvLookup = os.LookupEnv
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[talespin] ", log.LstdFlags),
	}

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the route mux, exposed for in-process tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /game_projects/{id}", s.handleGetGameProject)
	mux.HandleFunc("GET /game_projects/{id}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /run/start", s.handleStartRun)
	mux.HandleFunc("GET /run/{runId}/state", s.handleRunState)
	mux.HandleFunc("GET /run/{runId}/turn/{turn}/pipeline", s.handleTurnPipeline)
	mux.HandleFunc("POST /run/{runId}/open-saved-folder", s.handleOpenSavedFolder)
	mux.HandleFunc("POST /turn", s.handleProcessTurn)
	mux.HandleFunc("POST /turn/step/start", s.handleStepStart)
	mux.HandleFunc("POST /turn/step/next", s.handleStepNext)

	return mux
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
