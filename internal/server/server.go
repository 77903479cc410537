// Package server exposes a NodeSource over HTTP.
//
// Routes:
//
//	POST   /v1/acquire          acquire nodes, returns the instance ids
//	GET    /v1/instances        instances the connector reports
//	GET    /v1/nodes            instance id -> node names
//	POST   /v1/nodes            register a node that came up
//	DELETE /v1/nodes/{name}     remove a node (body: optional Node)
//	POST   /v1/shutdown         tear down the infrastructure
//	GET    /healthz             liveness
//	GET    /metrics             Prometheus scrape (when configured)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/health"
	"github.com/terrpan/nodesource/internal/nodesource"
)

// NodeSource is what the server drives.  *nodesource.NodeSource
// satisfies it.
type NodeSource interface {
	health.Source
	AcquireNodes(ctx context.Context) ([]string, error)
	Instances(ctx context.Context) ([]connector.Instance, error)
	Nodes() map[string][]string
	NotifyAcquiredNode(ctx context.Context, node nodesource.Node) error
	RemoveNode(ctx context.Context, node nodesource.Node) error
	Shutdown(ctx context.Context) error
}

var _ NodeSource = (*nodesource.NodeSource)(nil)

// Config holds the parameters for creating a Server.
type Config struct {
	// Listen is the TCP address to serve on (e.g. ":8080").
	Listen string

	NodeSource NodeSource

	// MetricsHandler is mounted on /metrics when non-nil.
	MetricsHandler http.Handler

	// ShutdownTimeout bounds graceful shutdown.  Default: 30s.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	listen          string
	ns              NodeSource
	shutdownTimeout time.Duration
	logger          *slog.Logger
	handler         http.Handler
}

// AcquireResponse is the body of POST /v1/acquire.
type AcquireResponse struct {
	InfrastructureID string   `json:"infrastructureId"`
	Instances        []string `json:"instances"`
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		listen:          cfg.Listen,
		ns:              cfg.NodeSource,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}

	router := mux.NewRouter()
	router.StrictSlash(true)

	// Routes live on the root router so a method mismatch answers 405.
	router.HandleFunc("/v1/acquire", s.output(s.acquire)).Methods(http.MethodPost)
	router.HandleFunc("/v1/instances", s.output(s.instances)).Methods(http.MethodGet)
	router.HandleFunc("/v1/nodes", s.output(s.nodes)).Methods(http.MethodGet)
	router.HandleFunc("/v1/nodes", s.output(s.notify)).Methods(http.MethodPost)
	router.HandleFunc("/v1/nodes/{name}", s.output(s.remove)).Methods(http.MethodDelete)
	router.HandleFunc("/v1/shutdown", s.output(s.shutdown)).Methods(http.MethodPost)

	router.Handle("/healthz", health.Handler(cfg.NodeSource))
	if cfg.MetricsHandler != nil {
		router.Handle("/metrics", cfg.MetricsHandler).Methods(http.MethodGet)
	}

	s.handler = otelhttp.NewHandler(router, "nodesource.api")
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving API", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) acquire(r *http.Request) (any, int, error) {
	ids, err := s.ns.AcquireNodes(r.Context())
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	if ids == nil {
		ids = []string{}
	}
	return AcquireResponse{InfrastructureID: s.ns.InfrastructureID(), Instances: ids}, http.StatusOK, nil
}

func (s *Server) instances(r *http.Request) (any, int, error) {
	list, err := s.ns.Instances(r.Context())
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	if list == nil {
		list = []connector.Instance{}
	}
	return list, http.StatusOK, nil
}

func (s *Server) nodes(r *http.Request) (any, int, error) {
	return s.ns.Nodes(), http.StatusOK, nil
}

func (s *Server) notify(r *http.Request) (any, int, error) {
	var node nodesource.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("decoding node: %w", err)
	}
	if node.Name == "" {
		return nil, http.StatusBadRequest, errors.New("node name is required")
	}

	if err := s.ns.NotifyAcquiredNode(r.Context(), node); err != nil {
		if errors.Is(err, nodesource.ErrNoInstanceID) {
			return nil, http.StatusBadRequest, err
		}
		return nil, http.StatusInternalServerError, err
	}
	return node, http.StatusCreated, nil
}

func (s *Server) remove(r *http.Request) (any, int, error) {
	var node nodesource.Node
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&node); err != nil && !errors.Is(err, io.EOF) {
			return nil, http.StatusBadRequest, fmt.Errorf("decoding node: %w", err)
		}
	}
	node.Name = mux.Vars(r)["name"]

	if err := s.ns.RemoveNode(r.Context(), node); err != nil {
		return nil, http.StatusBadGateway, err
	}
	return nil, http.StatusNoContent, nil
}

func (s *Server) shutdown(r *http.Request) (any, int, error) {
	if err := s.ns.Shutdown(r.Context()); err != nil {
		return nil, http.StatusBadGateway, err
	}
	return nil, http.StatusNoContent, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

type simpleHandler func(r *http.Request) (any, int, error)

func (s *Server) output(h simpleHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, code, err := h(r)
		if err != nil {
			s.logger.Warn("request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", code),
				slog.String("error", err.Error()),
			)
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		if code == http.StatusNoContent {
			w.WriteHeader(code)
			return
		}
		writeJSON(w, code, result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
