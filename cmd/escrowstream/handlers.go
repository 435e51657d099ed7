package main

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/paygrid-labs/escrowstream/internal/connector"
	"github.com/paygrid-labs/escrowstream/internal/hub"
	"github.com/paygrid-labs/escrowstream/internal/stats"
)

// Server holds the HTTP surface dependencies.
type Server struct {
	cfg    Config
	logger *slog.Logger

	agg    *stats.Aggregator
	recent *stats.RecentLog
	hub    *hub.Hub
	conn   *connector.Connector

	startTime time.Time

	wsHandler  *WebSocketHandler
	sseHandler *SSEHandler
}

// NewServer creates the HTTP server front end.
func NewServer(cfg Config, logger *slog.Logger, agg *stats.Aggregator, recent *stats.RecentLog, h *hub.Hub) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "server"),
		agg:       agg,
		recent:    recent,
		hub:       h,
		startTime: time.Now(),
	}
}

// SetConnector wires the upstream connector for health reporting.
func (s *Server) SetConnector(c *connector.Connector) {
	s.conn = c
}

// SetWebSocketHandler sets the WebSocket handler for live subscriptions.
func (s *Server) SetWebSocketHandler(ws *WebSocketHandler) {
	s.wsHandler = ws
}

// SetSSEHandler sets the server-sent events handler.
func (s *Server) SetSSEHandler(sse *SSEHandler) {
	s.sseHandler = sse
}

// Router returns the HTTP handler for the service.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events/recent", s.handleRecentEvents)
	mux.HandleFunc("/snapshot", s.handleSnapshot)

	if s.wsHandler != nil {
		mux.HandleFunc("/ws", s.wsHandler.HandleConnect)
	}
	if s.sseHandler != nil {
		mux.HandleFunc("/events/stream", s.sseHandler.ServeHTTP)
	}

	// Profiling endpoints (pprof) for performance analysis
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))

	return s.loggingMiddleware(mux)
}

// loggingMiddleware logs all requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers work through the logging wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades work through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// handleHealth returns service health. It stays available even while
// the upstream connection is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]interface{}{
		"status":              "healthy",
		"uptimeSeconds":       int64(time.Since(s.startTime).Seconds()),
		"openSubscriberCount": s.hub.Count(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if s.conn != nil {
		resp["upstream"] = map[string]interface{}{
			"state":        string(s.conn.State()),
			"reconnects":   s.conn.Reconnects(),
			"highestBlock": s.agg.HighestBlock(),
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleStats returns the current aggregate snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

// handleRecentEvents returns the newest decoded events, newest first.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "invalid limit parameter",
				"limit": limitStr,
			})
			return
		}
		limit = l
	}

	events := s.recent.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleSnapshot returns stats and recent events in one response, the
// same payload a new streaming subscriber would assemble.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        s.agg.Snapshot(),
		"recentEvents": s.recent.Recent(0),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
