// Package api exposes the tester over HTTP: task control, schema and code
// uploads, recording management, playback decode and the live WebSocket
// event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"can-bus-tester/internal/events"
	"can-bus-tester/internal/recording"
	"can-bus-tester/internal/schema"
	"can-bus-tester/internal/tasks"
	"can-bus-tester/internal/transport"
)

// Config holds API server configuration
type Config struct {
	Port int
}

// Deps are the collaborators the handlers operate on.
type Deps struct {
	Bus         transport.Bus
	Broadcaster *events.Broadcaster
	Schemas     *schema.Store
	Registry    *tasks.Registry
	Uploads     *tasks.UploadStore
	Recorder    *recording.Manager
	Stats       *transport.StatsCollector
	Logger      *zap.Logger
}

// Server represents the HTTP API server
type Server struct {
	server *http.Server
	deps   Deps
	logger *zap.Logger
}

// NewServer creates a new API server instance
func NewServer(config Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		deps:   deps,
		logger: deps.Logger,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      loggingMiddleware(deps.Logger, corsMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Bus interface
	mux.HandleFunc("GET /api/interface/status", s.handleInterfaceStatus)
	mux.HandleFunc("POST /api/interface/configure", s.handleInterfaceConfigure)
	mux.HandleFunc("GET /api/interface/stats", s.handleInterfaceStats)

	// Schema
	mux.HandleFunc("POST /api/schema/load", s.handleSchemaLoad)
	mux.HandleFunc("GET /api/schema/messages", s.handleSchemaMessages)

	// Message transmission
	mux.HandleFunc("POST /api/messages/send", s.handleMessageSend)
	mux.HandleFunc("POST /api/messages/stop", s.handleMessageStop)
	mux.HandleFunc("GET /api/messages/tasks", s.handleTaskStatus)

	// Chaser
	mux.HandleFunc("POST /api/chaser/start", s.handleChaserStart)
	mux.HandleFunc("POST /api/chaser/stop", s.handleChaserStop)
	mux.HandleFunc("GET /api/chaser/status", s.handleChaserStatus)
	mux.HandleFunc("POST /api/chaser/upload/hex", s.handleUploadHex)
	mux.HandleFunc("POST /api/chaser/upload/decimal", s.handleUploadDecimal)

	// Fault injection
	mux.HandleFunc("POST /api/fault/start", s.handleFaultStart)
	mux.HandleFunc("POST /api/fault/stop", s.handleFaultStop)
	mux.HandleFunc("GET /api/fault/status", s.handleFaultStatus)

	// Recordings
	mux.HandleFunc("GET /api/logs", s.handleLogList)
	mux.HandleFunc("POST /api/logs/start", s.handleLogStart)
	mux.HandleFunc("POST /api/logs/stop", s.handleLogStop)
	mux.HandleFunc("GET /api/logs/{id}", s.handleLogGet)
	mux.HandleFunc("POST /api/logs/{id}/decode", s.handleLogDecode)

	// Live event stream
	mux.HandleFunc("GET /ws", s.handleWS)
}

// handleRoot returns API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "CAN Bus Tester API",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"health": "/health",
			"interface": map[string]string{
				"status":    "/api/interface/status",
				"configure": "POST /api/interface/configure",
				"stats":     "/api/interface/stats",
			},
			"schema": map[string]string{
				"load":     "POST /api/schema/load (body: schema document)",
				"messages": "/api/schema/messages",
			},
			"messages": map[string]string{
				"send":  "POST /api/messages/send (body: {messageName, signals, periodMs?})",
				"stop":  "POST /api/messages/stop (body: {messageName})",
				"tasks": "/api/messages/tasks?messageName=Engine",
			},
			"chaser": map[string]string{
				"start":          "POST /api/chaser/start",
				"stop":           "POST /api/chaser/stop",
				"status":         "/api/chaser/status?messageName=Engine",
				"upload_hex":     "POST /api/chaser/upload/hex?messageName=Engine",
				"upload_decimal": "POST /api/chaser/upload/decimal?messageName=Engine&targetSignal=Code",
			},
			"fault": map[string]string{
				"start":  "POST /api/fault/start",
				"stop":   "POST /api/fault/stop",
				"status": "/api/fault/status?messageName=Engine",
			},
			"logs": map[string]string{
				"list":   "/api/logs",
				"start":  "POST /api/logs/start (body: {name?})",
				"stop":   "POST /api/logs/stop",
				"get":    "/api/logs/{id}",
				"decode": "POST /api/logs/{id}/decode (body: schema document)",
			},
			"events": "/ws (WebSocket)",
		},
	}

	respondWithJSON(w, http.StatusOK, info)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"services": map[string]any{
			"api":       "up",
			"transport": s.deps.Bus.Status().Configured,
			"listeners": s.deps.Broadcaster.ListenerCount(),
		},
	}

	respondWithJSON(w, http.StatusOK, health)
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
