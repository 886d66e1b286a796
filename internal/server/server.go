package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"photoprep/internal/compress"
	"photoprep/internal/config"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
	"photoprep/internal/storage"
)

// Server exposes compression, stripping and inspection over HTTP
type Server struct {
	cfg        config.ServerConfig
	compressor *compress.Compressor
	inspector  *metadata.Inspector
	storage    *storage.Storage
	defaults   models.CompressionOptions
	sem        *semaphore.Weighted
	log        zerolog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithCompressor replaces the default compressor
func WithCompressor(c *compress.Compressor) Option {
	return func(s *Server) {
		s.compressor = c
	}
}

// WithInspector replaces the default inspector
func WithInspector(i *metadata.Inspector) Option {
	return func(s *Server) {
		s.inspector = i
	}
}

// WithStorage enables the history endpoints and records every compression
func WithStorage(st *storage.Storage) Option {
	return func(s *Server) {
		s.storage = st
	}
}

// WithDefaults sets the compression options used when a request leaves a
// field unset
func WithDefaults(opts models.CompressionOptions) Option {
	return func(s *Server) {
		s.defaults = opts
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l.With().Str("component", "server").Logger()
	}
}

// New creates a new Server
func New(cfg config.ServerConfig, opts ...Option) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		defaults: models.DefaultCompressionOptions(),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compressor == nil {
		s.compressor = compress.New(compress.WithLogger(s.log))
	}
	if s.inspector == nil {
		s.inspector = metadata.NewInspector(metadata.WithLogger(s.log))
	}
	return s
}

// Routes builds the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/compress", s.handleCompress)
		r.Post("/strip", s.handleStrip)
		r.Post("/info", s.handleInfo)

		r.Get("/history", s.handleHistory)
		r.Get("/history/similar", s.handleSimilar)
		r.Delete("/history/{id}", s.handleDeleteRecord)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	g.Go(func() error {
		s.log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done() // Wait for a signal or a listener failure

		s.log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	s.log.Info().Msg("stopped server")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

// acquire blocks until a processing slot is free or the client goes away
func (s *Server) acquire(w http.ResponseWriter, r *http.Request) bool {
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for a worker")
		return false
	}
	return true
}

func (s *Server) release() {
	s.sem.Release(1)
}
