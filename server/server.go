package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/raft"
)

// RaftNode is the consensus surface the server needs: proposals, read
// verification, and the peer-facing RPC handlers.
type RaftNode interface {
	Propose(ctx context.Context, command []byte) (uint64, error)
	VerifyRead(ctx context.Context) error
	IsLeader() bool
	LeaderHint() (id string, addr string)
	HandleRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// Options configures a Server.
type Options struct {
	ListenAddress string
	// RequestTimeout bounds the commit wait of a single client request.
	RequestTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ListenAddress == "" {
		o.ListenAddress = ":8080"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server exposes the replicated store over HTTP: a client KV API and the
// raft peer RPC endpoints.
type Server struct {
	eng    engine.StorageEngineInterface
	node   RaftNode
	opts   Options
	server *http.Server
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewServer wires the engine and raft node behind a chi router.
func NewServer(eng engine.StorageEngineInterface, node RaftNode, opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		eng:    eng,
		node:   node,
		opts:   opts,
		logger: opts.Logger.With("component", "HTTPServer"),
	}
	s.server = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Put("/kv/{key}", s.handlePut)
		r.Get("/kv/{key}", s.handleGet)
		r.Delete("/kv/{key}", s.handleDelete)
		r.Get("/scan", s.handleScan)
	})

	r.Route("/raft", func(r chi.Router) {
		r.Post("/vote", s.handleRaftVote)
		r.Post("/append", s.handleRaftAppend)
		r.Post("/snapshot", s.handleRaftSnapshot)
	})

	return r
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving. It's a blocking call.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Serve serves on an already-bound listener. It's a blocking call.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", "error", err)
	} else {
		s.logger.Info("HTTP server stopped gracefully.")
	}
}
