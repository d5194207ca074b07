// Package server exposes the kimiproxy HTTP API: the OpenAI-compatible
// proxy endpoints, the dashboard API, the WebSocket feed and the MCP
// gateway.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/gateway"
	"github.com/ki2pixel/kimiproxy/internal/hub"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
	"github.com/ki2pixel/kimiproxy/internal/proxy"
	"github.com/ki2pixel/kimiproxy/internal/router"
	"github.com/ki2pixel/kimiproxy/internal/store"
)

// Server wires the HTTP surface over the shared singletons.
type Server struct {
	cfg      *config.Config
	router   *router.Router
	store    *store.Store
	hub      *hub.Hub
	pipeline *proxy.Pipeline
	gateway  *gateway.Gateway

	httpServer *http.Server
	wg         sync.WaitGroup
	startedAt  time.Time
}

// New builds the server and its handler tree.
func New(cfg *config.Config, rt *router.Router, st *store.Store, h *hub.Hub) *Server {
	s := &Server{
		cfg:       cfg,
		router:    rt,
		store:     st,
		hub:       h,
		pipeline:  proxy.New(cfg, rt, st, h),
		gateway:   gateway.New(cfg.MCPGateway),
		startedAt: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the full route tree (exported for tests).
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}

	// OpenAI-compatible surface
	mux.HandleFunc("/chat/completions", wrap(s.pipeline.HandleChatCompletions))
	mux.HandleFunc("/v1/chat/completions", wrap(s.pipeline.HandleChatCompletions))
	mux.HandleFunc("/models", wrap(s.handleOpenAIModels))
	mux.HandleFunc("/v1/models", wrap(s.handleOpenAIModels))

	// Dashboard API
	mux.HandleFunc("/api/models", wrap(s.handleAPIModels))
	mux.HandleFunc("/api/providers", wrap(s.handleAPIProviders))
	mux.HandleFunc("/api/sessions", wrap(s.handleSessions))
	mux.HandleFunc("/api/sessions/", wrap(s.handleSessionByID))
	mux.HandleFunc("/api/metrics", wrap(s.handleMetrics))

	// MCP gateway
	mux.HandleFunc("/api/mcp-gateway/", wrap(s.gateway.ServeHTTP))

	mux.HandleFunc("/health", wrap(s.handleHealth))
	mux.HandleFunc("/ws", s.hub.ServeWS)

	return mux
}

// Start runs the HTTP server in the background.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("server: starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("server: error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		L_error("server: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("server: stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
		"ws_clients": s.hub.ClientCount(),
	})
}

// handleOpenAIModels serves the OpenAI-compatible model listing.
func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	entries := s.router.ListModels()
	created := s.startedAt.Unix()

	models := make([]openai.Model, 0, len(entries))
	for _, entry := range entries {
		models = append(models, openai.Model{
			ID:        entry.Key,
			Object:    "model",
			CreatedAt: created,
			OwnedBy:   entry.Provider,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleAPIModels serves the dashboard model listing.
func (s *Server) handleAPIModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ListModels())
}

func (s *Server) handleAPIProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ListProviders())
}

// handleSessions serves GET (list) and POST (create) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.store.ListSessions(queryInt(r, "limit", 100))
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sessions)

	case http.MethodPost:
		var req struct {
			Name     string `json:"name"`
			Provider string `json:"provider"`
			Model    string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Model == "" {
			writeAPIError(w, http.StatusBadRequest, "model is required")
			return
		}
		if req.Name == "" {
			req.Name = "Session " + req.Model
		}

		created, err := s.store.CreateSession(req.Name, req.Provider, req.Model)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.hub.Broadcast(map[string]any{
			"type":       "session_created",
			"session_id": created.ID,
			"provider":   created.Provider,
			"model":      created.Model,
		})
		writeJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID serves /api/sessions/active and /api/sessions/{id}.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")

	if rest == "active" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		active, err := s.store.GetActiveSession()
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if active == nil {
			writeAPIError(w, http.StatusNotFound, "no active session")
			return
		}
		writeJSON(w, http.StatusOK, active)
		return
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.GetSession(id)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sess == nil {
			writeAPIError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case http.MethodDelete:
		if err := s.store.DeleteSession(id); err != nil {
			writeAPIError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sessionID := int64(queryInt(r, "session_id", 0))
	metrics, err := s.store.ListMetrics(sessionID, queryInt(r, "limit", 100))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// logRequest wraps an HTTP handler to log requests.
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// stripHeaders removes fingerprinting headers.
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		handler(w, r)
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
