package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

// Node is the part of a ChordNode the API reads from.
type Node interface {
	Status() chord.NodeStatus
	LookupName(ctx context.Context, name string) (ringkey.Key, *chord.Endpoint, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	Host     string
	HTTPPort int
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// LookupTimeout bounds a /api/v1/lookup request.
	LookupTimeout time.Duration
}

// Server is the HTTP status API and ring event feed of one node.
type Server struct {
	cfg        Config
	node       Node
	wsHub      *WebSocketHub
	marshaler  runtime.Marshaler
	httpServer *http.Server
	listener   net.Listener
	logger     *pkg.Logger
	mu         sync.Mutex
}

// NewServer creates the API server for node.
func NewServer(cfg *Config, node Node, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := *cfg
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}

	return &Server{
		cfg:       c,
		node:      node,
		wsHub:     NewWebSocketHub(logger),
		marshaler: &runtime.JSONBuiltin{},
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
	}, nil
}

// Hub returns the event hub. Register it with ChordNode.SetBroadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the route table.
func (s *Server) Handler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	routes := []struct {
		path string
		h    runtime.HandlerFunc
	}{
		{"/api/v1/node", s.nodeHandler},
		{"/api/v1/fingers", s.fingersHandler},
		{"/api/v1/lookup/{name}", s.lookupHandler},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(http.MethodGet, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", rt.path, err)
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	r.PathPrefix("/api/v1/").Handler(gw)
	r.Use(corsMiddleware)
	return r, nil
}

// Start binds the HTTP port and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	handler, err := s.Handler()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP API server")

	server := s.httpServer
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop disconnects event subscribers and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info().Msg("Stopping HTTP API server")
	s.wsHub.Close()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.httpServer = nil
	s.listener = nil
	return nil
}

type endpointView struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Health  string `json:"health"`
}

type nodeView struct {
	State       string        `json:"state"`
	Local       *endpointView `json:"local"`
	Successor   *endpointView `json:"successor,omitempty"`
	Predecessor *endpointView `json:"predecessor,omitempty"`
	FingerCount int           `json:"finger_count"`
}

type lookupView struct {
	Name  string        `json:"name"`
	Key   string        `json:"key"`
	Owner *endpointView `json:"owner"`
}

type errorView struct {
	Error string `json:"error"`
}

func viewOf(ep *chord.Endpoint) *endpointView {
	if ep == nil {
		return nil
	}
	return &endpointView{
		ID:      ep.ID.String(),
		Address: ep.Address(),
		Health:  ep.Health.String(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := s.marshaler.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		code = http.StatusInternalServerError
		data = []byte(`{"error":"encoding failed"}`)
	}
	w.Header().Set("Content-Type", s.marshaler.ContentType(v))
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	code := http.StatusOK
	if st.State != chord.StateIdle {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": st.State.String()})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st := s.node.Status()
	s.writeJSON(w, http.StatusOK, nodeView{
		State:       st.State.String(),
		Local:       viewOf(st.Local),
		Successor:   viewOf(st.Successor),
		Predecessor: viewOf(st.Predecessor),
		FingerCount: len(st.Fingers),
	})
}

func (s *Server) fingersHandler(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st := s.node.Status()
	views := make([]*endpointView, 0, len(st.Fingers))
	for _, f := range st.Fingers {
		views = append(views, viewOf(f))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request, params map[string]string) {
	name := params["name"]
	if name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorView{Error: "name is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LookupTimeout)
	defer cancel()

	key, owner, err := s.node.LookupName(ctx, name)
	if err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("Lookup failed")
		s.writeJSON(w, lookupStatus(err), errorView{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, lookupView{Name: name, Key: key.String(), Owner: viewOf(owner)})
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, pkg.ErrPrecondition):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}
