// Package connector owns the single upstream subscription. It drives
// the state machine disconnected → connecting → streaming →
// backing-off → connecting, decodes forward data, and produces a typed
// stream of updates for the pipeline to consume.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paygrid-labs/escrowstream/internal/decoder"
	"github.com/paygrid-labs/escrowstream/internal/feed"
	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// State is the connector's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateBackingOff   State = "backing_off"
)

// UpdateKind discriminates connector updates.
type UpdateKind int

const (
	// UpdateConnected is emitted when the stream starts delivering.
	UpdateConnected UpdateKind = iota
	// UpdateDisconnected is emitted when the stream drops.
	UpdateDisconnected
	// UpdateError carries a transient or fatal fault description.
	UpdateError
	// UpdateEvents carries decoded events (possibly none) plus the
	// cursor after the originating forward message.
	UpdateEvents
	// UpdateRollback signals a chain reorganization.
	UpdateRollback
)

// Update is one typed message from the connector to the pipeline.
type Update struct {
	Kind           UpdateKind
	Events         []*escrow.Event
	Cursor         feed.Cursor
	LastValidBlock uint64
	Err            error
}

// Backoff controls reconnect delays for retryable failures.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is exponential from 1s capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

func (b Backoff) next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	d := time.Duration(float64(current) * b.Multiplier)
	if d > b.Max {
		return b.Max
	}
	return d
}

// Config holds connector dependencies and the initial stream position.
type Config struct {
	Source  feed.Source
	Decoder decoder.Decoder
	Request feed.Request
	Backoff Backoff

	// BufferSize is the internal stream buffer (default 64).
	BufferSize int
}

// Connector maintains exactly one active subscription to the remote
// feed.
type Connector struct {
	cfg    Config
	logger *slog.Logger

	updates chan Update

	mu         sync.RWMutex
	state      State
	cursor     feed.Cursor
	reconnects uint64
}

// New validates dependencies and builds a connector. The initial
// cursor, when non-zero, takes precedence over Request.StartBlock.
func New(cfg Config, initial feed.Cursor, logger *slog.Logger) (*Connector, error) {
	if cfg.Source == nil {
		return nil, feed.NewConfigError("source", "must not be nil")
	}
	if cfg.Decoder == nil {
		return nil, feed.NewConfigError("decoder", "must not be nil")
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{
		cfg:     cfg,
		logger:  logger.With("component", "connector"),
		updates: make(chan Update, cfg.BufferSize),
		state:   StateDisconnected,
		cursor:  initial,
	}, nil
}

// Updates is the typed stream the pipeline consumes. It is closed when
// Run returns.
func (c *Connector) Updates() <-chan Update {
	return c.updates
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Cursor returns the last committed cursor.
func (c *Connector) Cursor() feed.Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Reconnects returns how many times the connector re-entered
// connecting after a transient failure.
func (c *Connector) Reconnects() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Run drives the subscription until ctx is cancelled or a fatal error
// occurs. Transient failures are retried indefinitely with backoff,
// resuming from the last committed cursor.
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.updates)
	defer c.setState(StateDisconnected)

	delay := time.Duration(0)

	for {
		c.setState(StateConnecting)
		c.logger.Info("connecting to upstream",
			"source", c.cfg.Source.Name(),
			"cursor_block", c.Cursor().Block,
		)

		err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !feed.IsRetryable(err) {
			c.logger.Error("fatal stream error, terminating connector", "error", err)
			c.emit(ctx, Update{Kind: UpdateError, Err: err})
			return fmt.Errorf("upstream stream: %w", err)
		}

		delay = c.cfg.Backoff.next(delay)
		c.setState(StateBackingOff)
		c.logger.Warn("transient stream error, backing off",
			"error", err,
			"delay", delay,
		)
		c.emit(ctx, Update{Kind: UpdateDisconnected})
		c.emit(ctx, Update{Kind: UpdateError, Err: err})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
	}
}

// stream runs one connected session and returns its terminal error.
func (c *Connector) stream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan feed.Message, c.cfg.BufferSize)
	errCh := make(chan error, 1)

	go func() {
		errCh <- c.cfg.Source.Stream(streamCtx, c.request(), msgs)
	}()

	connected := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			if err == nil {
				err = fmt.Errorf("stream closed")
			}
			return err

		case msg := <-msgs:
			if !connected {
				connected = true
				c.setState(StateStreaming)
				c.logger.Info("upstream connected", "source", c.cfg.Source.Name())
				c.emit(ctx, Update{Kind: UpdateConnected})
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Connector) handle(ctx context.Context, msg feed.Message) {
	switch {
	case msg.Forward != nil:
		fd := msg.Forward
		events := c.cfg.Decoder.Decode(fd)
		cursor := c.advanceCursor(fd)

		if len(events) > 0 {
			c.logger.Debug("decoded events",
				"block", fd.BlockNumber,
				"count", len(events),
			)
		}
		c.emit(ctx, Update{Kind: UpdateEvents, Events: events, Cursor: cursor})

	case msg.Rollback != nil:
		rb := msg.Rollback
		c.logger.Warn("rollback signal received", "last_valid_block", rb.LastValidBlock)

		c.mu.Lock()
		if rb.Cursor != "" {
			c.cursor.Token = rb.Cursor
		}
		if c.cursor.Block > rb.LastValidBlock {
			c.cursor.Block = rb.LastValidBlock
		}
		cursor := c.cursor
		c.mu.Unlock()

		c.emit(ctx, Update{Kind: UpdateRollback, LastValidBlock: rb.LastValidBlock, Cursor: cursor})
	}
}

// request builds the stream request, preferring the committed cursor
// over the configured start block so reconnects do not reprocess
// already-committed history.
func (c *Connector) request() feed.Request {
	req := c.cfg.Request
	cur := c.Cursor()
	if cur.Token != "" {
		req.StartCursor = cur.Token
		req.StartBlock = 0
	} else if cur.Block > 0 {
		req.StartBlock = cur.Block + 1
	}
	return req
}

func (c *Connector) advanceCursor(fd *feed.ForwardData) feed.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fd.Cursor != "" {
		c.cursor.Token = fd.Cursor
	}
	if fd.BlockNumber > c.cursor.Block {
		c.cursor.Block = fd.BlockNumber
	}
	return c.cursor
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) emit(ctx context.Context, u Update) {
	select {
	case c.updates <- u:
	case <-ctx.Done():
	}
}
