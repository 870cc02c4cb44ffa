package transport

import (
	"context"
	"time"

	"github.com/soundweave/eqhost/internal/config"
)

// Heart ticks one side's heartbeat counter at the configured interval so the
// peer can tell a stalled process from an idle one. Losing the peer's
// heartbeat is never fatal; the consumer plays silence until beats resume.
type Heart struct {
	region *Region
	side   Side
	cancel context.CancelFunc
	done   chan struct{}
}

// StartHeart marks the side connected, beats once immediately and keeps
// beating in the background until Stop.
func StartHeart(r *Region, side Side) *Heart {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Heart{
		region: r,
		side:   side,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.SetConnected(side, true)
	r.Beat(side)

	go h.run(ctx)
	return h
}

func (h *Heart) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(config.Get().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.region.Beat(h.side)
		}
	}
}

// Stop ends the heartbeat and clears the connected flag. Idempotent.
func (h *Heart) Stop() {
	h.cancel()
	<-h.done
	h.region.SetConnected(h.side, false)
}
