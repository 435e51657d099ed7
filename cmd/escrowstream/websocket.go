package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paygrid-labs/escrowstream/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WebSocketHandler upgrades connections and bridges them to the hub.
type WebSocketHandler struct {
	hub            *hub.Hub
	logger         *slog.Logger
	allowedOrigins []string // nil means allow all origins
	upgrader       websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler.
// allowedOrigins specifies which origins may connect; empty allows all.
func NewWebSocketHandler(h *hub.Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	wh := &WebSocketHandler{
		hub:            h,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "websocket"),
	}

	wh.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     wh.checkOrigin,
	}

	return wh
}

// checkOrigin validates the request origin against allowed origins.
func (wh *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(wh.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Same-origin requests may not carry the header
		return true
	}

	for _, allowed := range wh.allowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(origin, allowed) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // ".example.com"
			if strings.HasSuffix(strings.ToLower(origin), strings.ToLower(suffix)) {
				return true
			}
		}
	}

	wh.logger.Warn("websocket connection rejected: origin not allowed",
		"origin", origin,
		"allowed_origins", wh.allowedOrigins,
	)
	return false
}

// HandleConnect upgrades HTTP to WebSocket and streams hub envelopes
// to the client. The subscriber queue already carries a stats snapshot
// as its first message.
func (wh *WebSocketHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := wh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wh.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := wh.hub.Subscribe()
	wh.logger.Info("websocket connected", "subscriber_id", sub.ID())

	go wh.readPump(conn, sub)
	go wh.writePump(conn, sub)
}

// readPump discards client frames; it exists to notice closes and to
// keep the pong deadline fresh.
func (wh *WebSocketHandler) readPump(conn *websocket.Conn, sub *hub.Subscriber) {
	defer func() {
		wh.hub.Unsubscribe(sub.ID())
		conn.Close()
	}()

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wh.logger.Error("websocket read error", "subscriber_id", sub.ID(), "error", err)
			}
			return
		}
	}
}

// writePump drains the subscriber queue onto the socket. Any write
// failure unsubscribes the client; the hub prunes it from fan-out.
func (wh *WebSocketHandler) writePump(conn *websocket.Conn, sub *hub.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wh.hub.Unsubscribe(sub.ID())
		conn.Close()
		wh.logger.Info("websocket disconnected",
			"subscriber_id", sub.ID(),
			"dropped", sub.Dropped(),
		)
	}()

	for {
		select {
		case env, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(env)
			if err != nil {
				wh.logger.Error("envelope marshal failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
