// Package feed abstracts the upstream change-feed: the message shapes it
// delivers, the cursor used to resume it, and the Source interface the
// connector consumes. Concrete sources live alongside (gRPC stream) and
// in the replay subpackage (recorded fixtures).
package feed

import (
	"context"
	"time"
)

// Cursor marks the consumer's position in the upstream feed. Token is
// opaque to us; Block is the highest block number observed so far.
// Cursors are not guaranteed durable across restarts unless a cursor
// store is configured.
type Cursor struct {
	Token string `json:"token"`
	Block uint64 `json:"block"`
}

// IsZero reports whether the cursor carries no resumption state.
func (c Cursor) IsZero() bool {
	return c.Token == "" && c.Block == 0
}

// ForwardData carries newly produced content for one position in the
// source ledger, plus an optional progress cursor.
type ForwardData struct {
	ContentType string
	Payload     []byte
	Cursor      string
	BlockNumber uint64
	Timestamp   time.Time
}

// RollbackSignal indicates prior positions are invalid back to
// LastValidBlock (chain reorganization).
type RollbackSignal struct {
	LastValidBlock uint64
	Cursor         string
}

// Message is the discriminated union the feed delivers: exactly one of
// Forward or Rollback is non-nil.
type Message struct {
	Forward  *ForwardData
	Rollback *RollbackSignal
}

// Request describes where a stream should start and what it should
// produce.
type Request struct {
	// StartBlock is used when StartCursor is empty.
	StartBlock uint64

	// StartCursor resumes a previous session without reprocessing
	// already-committed history.
	StartCursor string

	// OutputModule selects the upstream output to stream.
	OutputModule string

	// Production requests only finalized data from the upstream.
	Production bool
}

// Source is a stream of feed messages. Stream blocks until the stream
// ends, delivering messages on out; it returns nil only on context
// cancellation. It must not close out.
type Source interface {
	Name() string
	Stream(ctx context.Context, req Request, out chan<- Message) error
}
