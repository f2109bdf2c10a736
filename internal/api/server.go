package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/bryanchriswhite/FrameMirror/internal/mirror"
	"github.com/bryanchriswhite/FrameMirror/internal/output"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// TargetLister discovers and resolves capture targets
type TargetLister interface {
	Targets() ([]capture.Target, error)
	Resolve(target capture.Target) (capture.Target, error)
}

// Server is the local control API used by the selector and settings UIs
type Server struct {
	router   *mux.Router
	mirror   *mirror.Mirror
	targets  TargetLister
	upgrader websocket.Upgrader
	log      *zerolog.Logger
	started  time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server. targets may be nil when no display
// server is available for discovery.
func NewServer(m *mirror.Mirror, targets TargetLister) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		mirror:  m,
		targets: targets,
		log:     logger.WithComponent("api"),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local control surface
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/targets", s.handleTargets).Methods("GET")

	// Lifecycle signals
	api.HandleFunc("/capture/start", s.handleStart).Methods("POST")
	api.HandleFunc("/capture/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/capture/select", s.handleSelect).Methods("POST")
	api.HandleFunc("/display/resize", s.handleResize).Methods("POST")

	// State changes and capture errors
	api.HandleFunc("/events", s.handleEvents)
}

// EnablePreview serves the MJPEG preview under /api/preview and a viewer
// page at /preview
func (s *Server) EnablePreview(preview *output.MJPEGOutput) {
	s.router.HandleFunc("/api/preview/stream", preview.Handler()).Methods("GET")
	s.router.HandleFunc("/api/preview/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, preview.Stats())
	}).Methods("GET")
	s.router.HandleFunc("/preview", preview.ViewerHandler("/api/preview/stream")).Methods("GET")
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info().Int("port", port).Msg("Control API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve control API: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// statusResponse is the body of GET /api/status
type statusResponse struct {
	State     capture.State `json:"state"`
	Target    string        `json:"target,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Stats     mirror.Stats  `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engine := s.mirror.Engine()
	resp := statusResponse{
		State:     engine.State(),
		SessionID: engine.SessionID(),
		Stats:     s.mirror.Stats(),
	}
	if target, ok := engine.Target(); ok {
		resp.Target = target.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if s.targets == nil {
		http.Error(w, "target discovery is not available", http.StatusNotImplemented)
		return
	}

	targets, err := s.targets.Targets()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list targets")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// startRequest accepts either a target string or its fields
type startRequest struct {
	Target     string             `json:"target"`
	Kind       capture.TargetKind `json:"kind"`
	ID         uint32             `json:"id"`
	ShowCursor bool               `json:"show_cursor"`
}

func (req startRequest) parse() (capture.Target, error) {
	if req.Target != "" {
		t, err := capture.ParseTarget(req.Target)
		if err != nil {
			return t, err
		}
		t.ShowCursor = req.ShowCursor
		return t, nil
	}
	t := capture.Target{Kind: req.Kind, ID: req.ID, ShowCursor: req.ShowCursor}
	return t, t.Validate()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	target, err := req.parse()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.targets != nil {
		if target, err = s.targets.Resolve(target); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := s.mirror.Start(target); err != nil {
		s.writeError(w, err)
		return
	}

	s.log.Info().Str("target", target.String()).Msg("Capture started via API")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"target":     target.String(),
		"session_id": s.mirror.Engine().SessionID(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.mirror.Stop(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if err := s.mirror.Select(); err != nil {
		if errors.Is(err, mirror.ErrClosed) {
			s.writeError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		http.Error(w, fmt.Sprintf("invalid size %dx%d", req.Width, req.Height), http.StatusBadRequest)
		return
	}

	if err := s.mirror.Resize(req.Width, req.Height); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"width":  req.Width,
		"height": req.Height,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.mirror.Events()
	defer s.mirror.CloseEvents(events)

	// The client never sends anything; reading detects when it goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mirror.CloseEvents(events)
				return
			}
		}
	}()

	engine := s.mirror.Engine()
	initial := capture.Event{
		Type:      capture.EventStateChanged,
		State:     engine.State(),
		SessionID: engine.SessionID(),
		Time:      time.Now(),
	}
	if target, ok := engine.Target(); ok {
		initial.Target = target.String()
	}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

// writeError maps mirror errors and classified capture errors onto HTTP
// status codes. Anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cerr *capture.Error
	switch {
	case errors.Is(err, mirror.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &cerr):
		switch cerr.Kind {
		case capture.KindTargetUnavailable:
			status = http.StatusNotFound
		case capture.KindDeviceLost:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
