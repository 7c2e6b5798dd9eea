// Package server provides the HTTP API for Revisit.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/config"
	"github.com/hyperjump/revisit/internal/indexer"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
)

// Server is the HTTP server for the Revisit API.
type Server struct {
	indexer *indexer.Indexer
	search  *search.Service
	storage storage.Storage
	index   *persist.Manager
	config  *config.Config
	logger  *zap.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server with the given dependencies. index may be nil,
// in which case status omits the snapshot generation.
func NewServer(
	idx *indexer.Indexer,
	svc *search.Service,
	storage storage.Storage,
	index *persist.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		indexer: idx,
		search:  svc,
		storage: storage,
		index:   index,
		config:  cfg,
		logger:  logger,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.config.Server.CORSAllowedOrigins))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/page_visit", s.handlePageVisit)
		r.Post("/semantic_search", s.handleSemanticSearch)
		r.Post("/show_results", s.handleShowResults)
		r.Get("/status", s.handleStatus)
	})
	return otelhttp.NewHandler(r, "revisit")
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	s.logger.Info("Starting server", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
