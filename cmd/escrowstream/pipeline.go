package main

import (
	"context"
	"log/slog"

	"github.com/paygrid-labs/escrowstream/internal/connector"
	"github.com/paygrid-labs/escrowstream/internal/hub"
	"github.com/paygrid-labs/escrowstream/internal/platform/cursor"
	"github.com/paygrid-labs/escrowstream/internal/platform/nats"
	"github.com/paygrid-labs/escrowstream/internal/stats"
)

// pipeline is the single consumer of connector updates. All aggregator
// and recent-log writes happen here, on one goroutine.
type pipeline struct {
	agg     *stats.Aggregator
	recent  *stats.RecentLog
	hub     *hub.Hub
	cursors cursor.Store
	mirror  *nats.Publisher
	logger  *slog.Logger
}

func (p *pipeline) run(ctx context.Context, updates <-chan connector.Update) {
	for u := range updates {
		switch u.Kind {
		case connector.UpdateConnected:
			p.hub.PublishConnected(true)

		case connector.UpdateDisconnected:
			p.hub.PublishConnected(false)

		case connector.UpdateError:
			if u.Err != nil {
				p.hub.PublishError(u.Err.Error())
			}

		case connector.UpdateEvents:
			for _, ev := range u.Events {
				p.agg.Apply(ev)
				p.recent.Push(ev)
				p.hub.PublishEvent(ev)
				if p.mirror != nil {
					if err := p.mirror.PublishEvent(ctx, ev); err != nil {
						p.logger.Warn("mirror publish failed", "event", ev.ID(), "error", err)
					}
				}
			}
			if len(u.Events) > 0 {
				p.hub.PublishStats(p.agg.Snapshot())
			}
			p.saveCursor(ctx, u)

		case connector.UpdateRollback:
			p.logger.Warn("rolling back state", "last_valid_block", u.LastValidBlock)
			p.agg.Rollback(u.LastValidBlock)
			p.recent.DropAfter(u.LastValidBlock)
			p.hub.PublishStats(p.agg.Snapshot())
			p.saveCursor(ctx, u)
		}
	}
}

func (p *pipeline) saveCursor(ctx context.Context, u connector.Update) {
	if p.cursors == nil || u.Cursor.IsZero() {
		return
	}
	if err := p.cursors.Save(ctx, u.Cursor); err != nil {
		p.logger.Warn("cursor save failed", "block", u.Cursor.Block, "error", err)
	}
}
