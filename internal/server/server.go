// Package server exposes runs over HTTP: the JSON API, the engine's
// monitor endpoints, the status websocket and /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/snakemake/snakeface/internal/metrics"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/supervisor"
	"golang.org/x/time/rate"
)

// Store is the persistence the HTTP layer uses directly.
type Store interface {
	UserByToken(ctx context.Context, token string) (*store.User, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	CreateRun(ctx context.Context, run *store.Run, ownerID string) error
	AppendStatusEvent(ctx context.Context, runID string, msg json.RawMessage) error
	DeleteStatusEvents(ctx context.Context, runID string) error
	IsMember(ctx context.Context, runID, userID string) (bool, error)
	Ping(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Addr       string
	Workdir    string
	Store      Store
	Supervisor *supervisor.Supervisor
	Publisher  *status.Publisher
	Metrics    *metrics.Metrics

	// NotebookUser, when set, is who unauthenticated requests act as.
	NotebookUser *store.User
	// PlainLevels makes plain status entries the default.
	PlainLevels bool

	// RateLimit is requests per second per client address; 0 is unlimited.
	RateLimit rate.Limit
	Burst     int

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader
	limiters   *expirable.LRU[string, *rate.Limiter]

	// ctx ends every websocket subscription on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		limiters: expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterTTL),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe, s.rateLimit, s.authenticate)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/service-info", s.serviceInfo).Methods(http.MethodGet)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/schema", s.getSchema).Methods(http.MethodGet)
	api.HandleFunc("/choices", s.getChoices).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.createRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.deleteRun).Methods(http.MethodDelete)
	api.HandleFunc("/runs/{id}/submit", s.submitRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/cancel", s.cancelRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/members", s.shareRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/statuses", s.getStatuses).Methods(http.MethodGet)

	// Paths used by the engine's monitor client
	r.HandleFunc("/create_workflow", s.createWorkflow).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/update_workflow_status", s.updateWorkflowStatus).Methods(http.MethodPost)

	r.HandleFunc("/ws/workflows/{id}/", s.streamStatuses).Methods(http.MethodGet)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		s.cancel()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown ends subscriptions and stops accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}
