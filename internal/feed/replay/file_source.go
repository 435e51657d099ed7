// Package replay provides a feed.Source that streams recorded fixture
// files, so the pipeline can run during development and testing without
// an upstream endpoint.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/paygrid-labs/escrowstream/internal/feed"
)

// Fixture is one recorded feed message. Forward fixtures carry the
// block payload inline as JSON; rollback fixtures carry the last valid
// block number.
type Fixture struct {
	Type           string          `json:"type"` // "forward" or "rollback"
	BlockNumber    uint64          `json:"block_number,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	Cursor         string          `json:"cursor,omitempty"`
	ContentType    string          `json:"content_type,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastValidBlock uint64          `json:"last_valid_block,omitempty"`
}

// Config holds replay settings.
type Config struct {
	// Dir contains *.json fixture files, streamed in lexical order.
	Dir string

	// Delay between messages (0 = as fast as the consumer accepts).
	Delay time.Duration

	// Loop restarts from the first fixture after the last.
	Loop bool
}

// FileSource implements feed.Source over recorded fixtures.
type FileSource struct {
	cfg    Config
	logger *slog.Logger
}

// NewFileSource creates a replay source for a fixtures directory.
func NewFileSource(cfg Config, logger *slog.Logger) (*FileSource, error) {
	if cfg.Dir == "" {
		return nil, feed.NewConfigError("replay_dir", "must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		cfg:    cfg,
		logger: logger.With("component", "replay-source"),
	}, nil
}

// Name implements feed.Source.
func (s *FileSource) Name() string {
	return "replay:" + s.cfg.Dir
}

// Stream delivers every fixture at or past the requested start block.
// The start cursor, when set, is interpreted as a fixture file name to
// resume after.
func (s *FileSource) Stream(ctx context.Context, req feed.Request, out chan<- feed.Message) error {
	files, err := s.listFixtures()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no fixtures in %s", s.cfg.Dir)
	}

	s.logger.Info("replaying fixtures",
		"dir", s.cfg.Dir,
		"count", len(files),
		"start_block", req.StartBlock,
		"loop", s.cfg.Loop,
	)

	for {
		for _, path := range files {
			if req.StartCursor != "" && filepath.Base(path) <= req.StartCursor {
				continue
			}

			fixture, err := loadFixture(path)
			if err != nil {
				s.logger.Warn("skipping unreadable fixture", "file", path, "error", err)
				continue
			}

			msg, ok := fixture.toMessage(filepath.Base(path))
			if !ok {
				s.logger.Warn("skipping fixture with unknown type", "file", path, "type", fixture.Type)
				continue
			}
			if msg.Forward != nil && msg.Forward.BlockNumber < req.StartBlock {
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}

			if s.cfg.Delay > 0 {
				select {
				case <-time.After(s.cfg.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if !s.cfg.Loop {
			return fmt.Errorf("replay exhausted %d fixtures", len(files))
		}
		// Looping replays history; resume filters only apply once.
		req.StartCursor = ""
		req.StartBlock = 0
	}
}

func (s *FileSource) listFixtures() ([]string, error) {
	pattern := filepath.Join(s.cfg.Dir, "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob fixtures: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func loadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

func (f *Fixture) toMessage(cursor string) (feed.Message, bool) {
	switch f.Type {
	case "forward":
		if f.Cursor != "" {
			cursor = f.Cursor
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		return feed.Message{Forward: &feed.ForwardData{
			ContentType: contentType,
			Payload:     []byte(f.Payload),
			Cursor:      cursor,
			BlockNumber: f.BlockNumber,
			Timestamp:   time.Unix(f.Timestamp, 0).UTC(),
		}}, true
	case "rollback":
		return feed.Message{Rollback: &feed.RollbackSignal{
			LastValidBlock: f.LastValidBlock,
			Cursor:         f.Cursor,
		}}, true
	default:
		return feed.Message{}, false
	}
}
