package api

import (
	"context"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/logging"
	"github.com/soundweave/eqhost/internal/orchestrator"
)

// EventType identifies one websocket event.
type EventType string

const (
	EventDeviceChanged EventType = "device-changed"
	EventPresetApplied EventType = "preset-applied"
	EventStatsUpdate   EventType = "stats-update"
)

// Event is the wire form pushed to subscribers.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// subscriber is one websocket connection receiving events.
type subscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	logger *zerolog.Logger
}

// Broadcaster fans events out to every subscribed websocket. Slow or dead
// subscribers are dropped on the first failed write.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *zerolog.Logger
}

func NewBroadcaster() *Broadcaster {
	l := logging.GetDefaultLogger().With().Str("component", "api-events").Logger()
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      &l,
	}
}

// Subscribe registers a websocket connection under connectionID. A
// duplicate ID replaces the previous entry without closing its connection.
func (b *Broadcaster) Subscribe(connectionID string, conn *websocket.Conn, ctx context.Context, logger *zerolog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[connectionID]; exists {
		b.logger.Debug().Str("connectionID", connectionID).Msg("duplicate subscription, replacing")
		delete(b.subscribers, connectionID)
	}
	b.subscribers[connectionID] = &subscriber{conn: conn, ctx: ctx, logger: logger}
	b.logger.Debug().Str("connectionID", connectionID).Msg("event subscription added")
}

// Unsubscribe removes a connection.
func (b *Broadcaster) Unsubscribe(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, connectionID)
	b.logger.Debug().Str("connectionID", connectionID).Msg("event subscription removed")
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// BroadcastDeviceChanged announces the newly active output device.
func (b *Broadcaster) BroadcastDeviceChanged(d orchestrator.PhysicalDevice) {
	b.broadcast(Event{Type: EventDeviceChanged, Data: d})
}

// BroadcastPresetApplied announces a preset change from any source.
func (b *Broadcaster) BroadcastPresetApplied(p *dsp.Preset) {
	b.broadcast(Event{Type: EventPresetApplied, Data: p})
}

// BroadcastStats pushes one stats snapshot.
func (b *Broadcaster) BroadcastStats(s StatsSnapshot) {
	b.broadcast(Event{Type: EventStatsUpdate, Data: s})
}

func (b *Broadcaster) broadcast(event Event) {
	b.mu.RLock()
	subs := make(map[string]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = sub
	}
	b.mu.RUnlock()

	var failed []string
	for connectionID, sub := range subs {
		if !b.sendToSubscriber(sub, event) {
			failed = append(failed, connectionID)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, connectionID := range failed {
			delete(b.subscribers, connectionID)
			b.logger.Warn().Str("connectionID", connectionID).Msg("removed failed event subscriber")
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) sendToSubscriber(sub *subscriber, event Event) bool {
	if sub.ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(sub.ctx, config.Get().EventWriteTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, sub.conn, event); err != nil {
		// Closed connections are expected churn, not warnings.
		if strings.Contains(err.Error(), "use of closed network connection") ||
			strings.Contains(err.Error(), "connection reset by peer") ||
			strings.Contains(err.Error(), "context canceled") {
			sub.logger.Debug().Err(err).Msg("websocket closed during event send")
		} else {
			sub.logger.Warn().Err(err).Msg("event send failed")
		}
		return false
	}
	return true
}
