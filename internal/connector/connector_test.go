package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/paygrid-labs/escrowstream/internal/feed"
	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// fakeSource scripts one behavior per connection attempt.
type fakeSource struct {
	mu       sync.Mutex
	requests []feed.Request
	attempts []func(ctx context.Context, out chan<- feed.Message) error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Stream(ctx context.Context, req feed.Request, out chan<- feed.Message) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()

	if n > len(s.attempts) {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.attempts[n-1](ctx, out)
}

func (s *fakeSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSource) request(i int) feed.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// passDecoder emits one deposit per forward payload.
type passDecoder struct{}

func (passDecoder) Decode(fd *feed.ForwardData) []*escrow.Event {
	return []*escrow.Event{{
		Kind:        escrow.KindDeposit,
		User:        "0xaa",
		BlockNumber: fd.BlockNumber,
	}}
}

func forward(block uint64, cursor string) feed.Message {
	return feed.Message{Forward: &feed.ForwardData{
		Payload:     []byte("{}"),
		Cursor:      cursor,
		BlockNumber: block,
		Timestamp:   time.Now().UTC(),
	}}
}

func rollback(lastValid uint64, cursor string) feed.Message {
	return feed.Message{Rollback: &feed.RollbackSignal{
		LastValidBlock: lastValid,
		Cursor:         cursor,
	}}
}

func fastBackoff() Backoff {
	return Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
}

func collect(t *testing.T, updates <-chan Update, want int) []Update {
	t.Helper()
	var got []Update
	deadline := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed after %d of %d", len(got), want)
			}
			got = append(got, u)
		case <-deadline:
			t.Fatalf("timed out after %d of %d updates", len(got), want)
		}
	}
	return got
}

func TestReconnectsOnTransientErrors(t *testing.T) {
	src := &fakeSource{attempts: []func(ctx context.Context, out chan<- feed.Message) error{
		func(ctx context.Context, out chan<- feed.Message) error {
			return status.Error(codes.Unavailable, "down")
		},
		func(ctx context.Context, out chan<- feed.Message) error {
			return status.Error(codes.Internal, "hiccup")
		},
		func(ctx context.Context, out chan<- feed.Message) error {
			out <- forward(10, "tok-10")
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	c, err := New(Config{
		Source:  src,
		Decoder: passDecoder{},
		Backoff: fastBackoff(),
	}, feed.Cursor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Two failed attempts emit disconnected+error pairs, then the
	// third connects and delivers events.
	var sawConnected, sawEvents bool
	deadline := time.After(5 * time.Second)
	for !sawEvents {
		select {
		case u := <-c.Updates():
			switch u.Kind {
			case UpdateConnected:
				sawConnected = true
			case UpdateEvents:
				sawEvents = true
				if len(u.Events) != 1 {
					t.Errorf("got %d events, want 1", len(u.Events))
				}
				if u.Cursor.Token != "tok-10" || u.Cursor.Block != 10 {
					t.Errorf("cursor = %+v, want token tok-10 block 10", u.Cursor)
				}
			}
		case <-deadline:
			t.Fatal("never received events")
		}
	}
	if !sawConnected {
		t.Error("no connected update before events")
	}
	if c.Reconnects() < 2 {
		t.Errorf("Reconnects = %d, want >= 2", c.Reconnects())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestReconnectResumesFromCursor(t *testing.T) {
	src := &fakeSource{attempts: []func(ctx context.Context, out chan<- feed.Message) error{
		func(ctx context.Context, out chan<- feed.Message) error {
			out <- forward(42, "tok-42")
			return status.Error(codes.Unavailable, "dropped mid-stream")
		},
		func(ctx context.Context, out chan<- feed.Message) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	c, err := New(Config{
		Source:  src,
		Decoder: passDecoder{},
		Request: feed.Request{StartBlock: 1},
		Backoff: fastBackoff(),
	}, feed.Cursor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	go func() {
		for range c.Updates() {
		}
	}()

	deadline := time.After(5 * time.Second)
	for src.requestCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("second connection attempt never happened")
		case <-time.After(time.Millisecond):
		}
	}

	first := src.request(0)
	if first.StartBlock != 1 || first.StartCursor != "" {
		t.Errorf("first request = %+v, want StartBlock 1 and no cursor", first)
	}

	second := src.request(1)
	if second.StartCursor != "tok-42" {
		t.Errorf("second request StartCursor = %q, want %q", second.StartCursor, "tok-42")
	}
	if second.StartBlock != 0 {
		t.Errorf("second request StartBlock = %d, want 0 when cursor is set", second.StartBlock)
	}
}

func TestFatalErrorTerminates(t *testing.T) {
	src := &fakeSource{attempts: []func(ctx context.Context, out chan<- feed.Message) error{
		func(ctx context.Context, out chan<- feed.Message) error {
			return status.Error(codes.Unauthenticated, "bad token")
		},
	}}

	c, err := New(Config{
		Source:  src,
		Decoder: passDecoder{},
		Backoff: fastBackoff(),
	}, feed.Cursor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	var sawError bool
	for u := range c.Updates() {
		if u.Kind == UpdateError && u.Err != nil {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error update before termination")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil, want fatal error")
		}
		if status.Code(errors.Unwrap(err)) != codes.Unauthenticated {
			t.Errorf("Run returned %v, want unauthenticated", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on fatal error")
	}

	if src.requestCount() != 1 {
		t.Errorf("made %d connection attempts, want 1 (no retry on fatal)", src.requestCount())
	}
}

func TestRollbackClampsCursor(t *testing.T) {
	src := &fakeSource{attempts: []func(ctx context.Context, out chan<- feed.Message) error{
		func(ctx context.Context, out chan<- feed.Message) error {
			out <- forward(5, "tok-5")
			out <- rollback(3, "tok-3")
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	c, err := New(Config{
		Source:  src,
		Decoder: passDecoder{},
		Backoff: fastBackoff(),
	}, feed.Cursor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	got := collect(t, c.Updates(), 3)

	rb := got[2]
	if rb.Kind != UpdateRollback {
		t.Fatalf("third update kind = %d, want rollback", rb.Kind)
	}
	if rb.LastValidBlock != 3 {
		t.Errorf("LastValidBlock = %d, want 3", rb.LastValidBlock)
	}
	if rb.Cursor.Block != 3 || rb.Cursor.Token != "tok-3" {
		t.Errorf("cursor = %+v, want block 3 token tok-3", rb.Cursor)
	}
	if c.Cursor().Block != 3 {
		t.Errorf("connector cursor block = %d, want 3", c.Cursor().Block)
	}
}

func TestEmptyBlocksStillAdvanceCursor(t *testing.T) {
	src := &fakeSource{attempts: []func(ctx context.Context, out chan<- feed.Message) error{
		func(ctx context.Context, out chan<- feed.Message) error {
			out <- forward(7, "tok-7")
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	c, err := New(Config{
		Source:  src,
		Decoder: nilDecoder{},
		Backoff: fastBackoff(),
	}, feed.Cursor{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	got := collect(t, c.Updates(), 2)
	ev := got[1]
	if ev.Kind != UpdateEvents {
		t.Fatalf("update kind = %d, want events", ev.Kind)
	}
	if len(ev.Events) != 0 {
		t.Errorf("got %d events, want 0", len(ev.Events))
	}
	if ev.Cursor.Block != 7 || ev.Cursor.Token != "tok-7" {
		t.Errorf("cursor = %+v, want block 7 token tok-7", ev.Cursor)
	}
}

// nilDecoder decodes nothing, standing in for blocks with no escrow
// activity.
type nilDecoder struct{}

func (nilDecoder) Decode(fd *feed.ForwardData) []*escrow.Event { return nil }

func TestBackoffProgression(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{0, time.Second},
		{time.Second, 2 * time.Second},
		{8 * time.Second, 16 * time.Second},
		{16 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := b.next(tt.current); got != tt.want {
			t.Errorf("next(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}
}
