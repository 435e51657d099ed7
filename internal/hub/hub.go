// Package hub fans updates out to every live subscriber. Delivery is
// best-effort per subscriber: a full or closed queue never blocks the
// ingestion path, and pruning one subscriber does not affect the rest.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// MessageType discriminates envelopes on the live transports.
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeStats     MessageType = "stats"
	TypeEvent     MessageType = "event"
	TypeError     MessageType = "error"
)

// Envelope is the message shape every live transport delivers.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// DefaultQueueSize bounds each subscriber's delivery queue.
const DefaultQueueSize = 256

// SnapshotFunc supplies the stats snapshot sent to new subscribers.
type SnapshotFunc func() escrow.Stats

// Subscriber is an opaque delivery handle owned by the hub. Transports
// drain C and call Close (directly or via Hub.Unsubscribe) when the
// client goes away.
type Subscriber struct {
	id      string
	ch      chan Envelope
	closed  atomic.Bool
	dropped atomic.Uint64
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// C is the delivery queue; it is closed when the subscriber is pruned.
func (s *Subscriber) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many envelopes were discarded because the queue
// was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) deliver(env Envelope) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- env:
	default:
		s.dropped.Add(1)
	}
}

// Hub tracks the set of open subscriber handles.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*Subscriber
	snapshot SnapshotFunc
	queue    int
	logger   *slog.Logger
}

// New creates a hub. snapshot provides the initial stats message for
// new subscribers; nil disables it.
func New(snapshot SnapshotFunc, queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:     make(map[string]*Subscriber),
		snapshot: snapshot,
		queue:    queueSize,
		logger:   logger.With("component", "hub"),
	}
}

// Subscribe registers a new subscriber. Its first queued message is
// always a stats snapshot, so state converges even if no new event
// arrives for a while.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan Envelope, h.queue),
	}

	if h.snapshot != nil {
		sub.deliver(Envelope{
			Type:      TypeStats,
			Data:      h.snapshot(),
			Timestamp: time.Now().UTC(),
		})
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber registered", "subscriber_id", sub.id)
	return sub
}

// Unsubscribe prunes a subscriber and closes its queue. Safe to call
// twice; safe for unknown IDs.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		// Closing under the lock excludes concurrent deliveries.
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.logger.Debug("subscriber pruned",
		"subscriber_id", id,
		"dropped", sub.Dropped(),
	)
}

// Publish delivers an envelope to every open subscriber. Non-blocking
// with respect to the caller: slow subscribers drop the newest message
// rather than back-pressuring the pipeline.
func (h *Hub) Publish(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	for _, sub := range h.subs {
		sub.deliver(env)
	}
	h.mu.RUnlock()
}

// PublishEvent wraps a domain event in an envelope and fans it out.
func (h *Hub) PublishEvent(ev *escrow.Event) {
	h.Publish(Envelope{Type: TypeEvent, Data: ev})
}

// PublishStats fans out a fresh stats snapshot.
func (h *Hub) PublishStats(stats escrow.Stats) {
	h.Publish(Envelope{Type: TypeStats, Data: stats})
}

// PublishConnected notifies subscribers of upstream connectivity
// changes.
func (h *Hub) PublishConnected(connected bool) {
	h.Publish(Envelope{
		Type: TypeConnected,
		Data: map[string]bool{"connected": connected},
	})
}

// PublishError fans out a fault description.
func (h *Hub) PublishError(msg string) {
	h.Publish(Envelope{Type: TypeError, Error: msg})
}

// Count returns the number of open subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close prunes every subscriber; used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, sub := range h.subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
}
