package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paygrid-labs/escrowstream/internal/connector"
	"github.com/paygrid-labs/escrowstream/internal/hub"
	"github.com/paygrid-labs/escrowstream/internal/stats"
	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

const keepAliveInterval = 15 * time.Second

// SSEHandler streams hub envelopes as server-sent events. Decoded
// events go out as unnamed data frames whose id is "<block>:<logIndex>"
// so clients can resume with Last-Event-ID; stats, cursor, and error
// updates use named frames.
type SSEHandler struct {
	hub    *hub.Hub
	recent *stats.RecentLog
	conn   *connector.Connector
	logger *slog.Logger
}

// NewSSEHandler creates the SSE handler. conn may be nil; cursor
// frames are skipped then.
func NewSSEHandler(h *hub.Hub, recent *stats.RecentLog, conn *connector.Connector, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{
		hub:    h,
		recent: recent,
		conn:   conn,
		logger: logger.With("component", "sse"),
	}
}

func (sh *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := sh.hub.Subscribe()
	defer sh.hub.Unsubscribe(sub.ID())

	sh.logger.Info("sse connected", "subscriber_id", sub.ID())
	defer sh.logger.Info("sse disconnected", "subscriber_id", sub.ID())

	fmt.Fprint(w, "event: ready\ndata: {\"connected\":true}\n\n")
	sh.replayAfter(w, r.Header.Get("Last-Event-ID"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sh.writeEnvelope(w, env); err != nil {
				sh.logger.Warn("sse write failed", "subscriber_id", sub.ID(), "error", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replayAfter re-emits recent events newer than the client's last seen
// id, oldest first. Only events still held in the recent log can be
// replayed.
func (sh *SSEHandler) replayAfter(w http.ResponseWriter, lastID string) {
	if lastID == "" {
		return
	}

	lastBlock, lastIdx, ok := parseEventID(lastID)
	if !ok {
		return
	}

	events := sh.recent.Recent(0)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.BlockNumber < lastBlock {
			continue
		}
		if ev.BlockNumber == lastBlock && ev.LogIndex <= lastIdx {
			continue
		}
		sh.writeEvent(w, ev)
	}
}

func (sh *SSEHandler) writeEnvelope(w http.ResponseWriter, env hub.Envelope) error {
	switch env.Type {
	case hub.TypeEvent:
		ev, ok := env.Data.(*escrow.Event)
		if !ok {
			return nil
		}
		if err := sh.writeEvent(w, ev); err != nil {
			return err
		}
		return sh.writeCursor(w)

	case hub.TypeStats:
		return writeNamedFrame(w, "stats", env.Data)

	case hub.TypeConnected:
		return writeNamedFrame(w, "ready", env.Data)

	case hub.TypeError:
		return writeNamedFrame(w, "error", map[string]string{"message": env.Error})
	}
	return nil
}

func (sh *SSEHandler) writeEvent(w http.ResponseWriter, ev *escrow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d:%d\ndata: %s\n\n", ev.BlockNumber, ev.LogIndex, data)
	return err
}

func (sh *SSEHandler) writeCursor(w http.ResponseWriter) error {
	if sh.conn == nil {
		return nil
	}
	cur := sh.conn.Cursor()
	if cur.IsZero() {
		return nil
	}
	return writeNamedFrame(w, "cursor", map[string]interface{}{
		"token": cur.Token,
		"block": cur.Block,
	})
}

func writeNamedFrame(w http.ResponseWriter, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

// parseEventID splits a "<block>:<logIndex>" event id.
func parseEventID(id string) (uint64, uint32, bool) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return block, uint32(idx), true
}
