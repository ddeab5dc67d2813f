// Package server exposes speech generation and the artifact store over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-server/internal/audio"
	"github.com/book-expert/tts-server/internal/core"
	"github.com/book-expert/tts-server/internal/metrics"
	"github.com/book-expert/tts-server/internal/pipeline"
	"github.com/book-expert/tts-server/internal/store"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

var (
	// ErrMissingDependency indicates a server built without a store or pipeline.
	ErrMissingDependency = errors.New("server needs a store, a pipeline and a logger")
	// ErrPlayerAtRoot indicates a web player path that would shadow the API.
	ErrPlayerAtRoot = errors.New("web player cannot be mounted at /")
)

// Options configure the HTTP surface.
type Options struct {
	Addr            string
	Title           string
	Description     string
	Version         string
	ShutdownTimeout time.Duration
	DefaultFormat   audio.Format

	// RateLimitPerSecond of zero disables the per-IP limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int

	CORSEnabled bool
	CORSOrigins []string

	// WebPlayerPath of "" leaves the player unmounted.
	WebPlayerPath string
	WebPlayerDir  string

	// Voices lists the voices offered by /v1/audio/voices. When empty the
	// backend is asked, falling back to DefaultVoice alone.
	Voices       []string
	DefaultVoice string
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Log      *logger.Logger
	Metrics  *metrics.Collector
	// Auth of nil disables authentication.
	Auth core.Authorizer
	// Health, when set, is consulted by /health.
	Health func(ctx context.Context) error
	// Voices, when set, lists the voices the backend knows.
	Voices func(ctx context.Context) ([]string, error)
}

// Server is the HTTP transport.
type Server struct {
	deps    Deps
	opts    Options
	handler http.Handler
	started time.Time
}

// New builds the router and middleware chain. ctx bounds background upkeep
// such as the rate limiter's visitor sweep.
func New(ctx context.Context, deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil || deps.Pipeline == nil || deps.Log == nil {
		return nil, ErrMissingDependency
	}

	if opts.DefaultFormat == "" {
		opts.DefaultFormat = audio.FormatWAV
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	if opts.WebPlayerPath != "" {
		trimmed := strings.Trim(opts.WebPlayerPath, "/")
		if trimmed == "" {
			return nil, fmt.Errorf("%w: got %q", ErrPlayerAtRoot, opts.WebPlayerPath)
		}

		opts.WebPlayerPath = "/" + trimmed + "/"
	}

	s := &Server{deps: deps, opts: opts, started: time.Now()}
	s.handler = s.routes(ctx)

	return s, nil
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on opts.Addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		errChan <- httpServer.Serve(listener)
	}()

	s.deps.Log.System("%s %s listening on %s", s.opts.Title, s.opts.Version, listener.Addr())

	select {
	case err := <-errChan:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	<-errChan
	s.deps.Log.Info("HTTP server stopped")

	return nil
}

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("GET /v1/audio/artifacts/{id}", s.handleArtifact)
	mux.HandleFunc("GET /v1/audio/artifacts/{id}/status", s.handleStatus)
	mux.HandleFunc("DELETE /v1/audio/artifacts/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/audio/artifacts/{id}/persist", s.handlePersist)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/audio/voices", s.handleVoices)
	mux.HandleFunc("GET /debug/storage", s.handleStorage)
	mux.HandleFunc("GET /debug/system", s.handleSystem)
	mux.HandleFunc("GET /debug/threads", s.handleThreads)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	var skipPrefixes []string

	if s.opts.WebPlayerPath != "" {
		path := s.opts.WebPlayerPath
		mux.Handle("GET "+path, http.StripPrefix(strings.TrimSuffix(path, "/"), http.FileServer(http.Dir(s.opts.WebPlayerDir))))
		skipPrefixes = append(skipPrefixes, path)
	}

	middlewares := []Middleware{
		Recovery(s.deps.Log),
		RequestID(),
		RequestLogger(s.deps.Log, s.deps.Metrics),
	}

	if s.opts.CORSEnabled {
		middlewares = append(middlewares, CORS(s.opts.CORSOrigins))
	}

	if s.opts.RateLimitPerSecond > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, s.opts.RateLimitPerSecond, max(s.opts.RateLimitBurst, 1)))
	}

	if s.deps.Auth != nil {
		middlewares = append(middlewares, APIKeyAuth(s.deps.Auth, []string{"/health", "/metrics"}, skipPrefixes, s.deps.Log))
	}

	return Chain(mux, middlewares...)
}
