// Package server provides the HTTP control surface: health, the SSE event
// plane, the RPC command plane, extension UI responses, and shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/rpc"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20 // 1 MB

// Version is stamped at build time.
var Version = "dev"

// Config holds server configuration.
type Config struct {
	Port       int
	Host       string
	EnableCORS bool
}

// Server is the HTTP control plane over one host.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	host       *rpc.Host
	dispatcher *rpc.Dispatcher
	events     *event.Bus

	ready    bool
	shutdown chan struct{}
}

// New creates a new Server instance.
func New(cfg *Config, host *rpc.Host, events *event.Bus) *Server {
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		host:       host,
		dispatcher: rpc.NewDispatcher(host),
		events:     events,
		shutdown:   make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Get("/health", s.health)
	r.Get("/events", s.sseEvents)
	r.Post("/rpc", s.rpcCommand)
	r.Post("/extension_ui_response", s.uiResponse)
	r.Post("/shutdown", s.shutdownHandler)
}

// Start serves until the context is cancelled or /shutdown is hit.
// The returned error is nil on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE connections are long-lived.
	}
	s.ready = true

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.shutdown:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.host.Shutdown(shutdownCtx)
	return s.httpSrv.Shutdown(shutdownCtx)
}

// health implements GET /health[?ready=true].
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sched := s.host.Scheduler()
	status := map[string]any{
		"status":      "ok",
		"ready":       s.ready,
		"version":     Version,
		"sessionId":   s.host.SessionID(),
		"isStreaming": sched.IsStreaming(),
	}
	if r.URL.Query().Get("ready") == "true" && !s.ready {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// rpcCommand implements POST /rpc: one command in, one response out.
func (s *Server) rpcCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeTextError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := s.dispatcher.DispatchRaw(r.Context(), body)
	if !resp.Success && resp.Command == "" {
		// Malformed body or missing type: a transport-level 400.
		writeTextError(w, http.StatusBadRequest, resp.Error)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// uiResponse implements POST /extension_ui_response. Unknown ids return 200:
// the round-trip already timed out.
func (s *Server) uiResponse(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeTextError(w, http.StatusBadRequest, err.Error())
		return
	}
	var msg struct {
		RequestID string          `json:"requestId"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.RequestID == "" {
		writeTextError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	resolved := s.host.ResolveUI(msg.RequestID, msg.Value)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

// shutdownHandler implements POST /shutdown: 204, then graceful teardown.
func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// readBody reads a request body under the size cap.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("request body too large or unreadable")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeTextError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
