// Package api is the local HTTP surface: JSON stats for the UI
// collaborator, Prometheus metrics, a health probe and a websocket event
// feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/soundweave/eqhost/internal/config"
	"github.com/soundweave/eqhost/internal/dsp"
	"github.com/soundweave/eqhost/internal/logging"
	"github.com/soundweave/eqhost/internal/orchestrator"
	"github.com/soundweave/eqhost/internal/transport"
)

// StatsSnapshot aggregates every observable subsystem for /stats and the
// stats-update event.
type StatsSnapshot struct {
	Timestamp    time.Time           `json:"timestamp"`
	Engine       dsp.Stats           `json:"engine"`
	Orchestrator orchestrator.Status `json:"orchestrator"`
}

// Server owns the gin router, the event broadcaster and the ~1Hz stats
// ticker that feeds both subscribers and the Prometheus gauges.
type Server struct {
	running int32

	addr        string
	engine      *dsp.Engine
	orch        *orchestrator.Orchestrator
	broadcaster *Broadcaster
	logger      zerolog.Logger

	httpServer *http.Server
	stopCh     chan struct{}
	done       chan struct{}
}

func NewServer(addr string, engine *dsp.Engine, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		addr:        addr,
		engine:      engine,
		orch:        orch,
		broadcaster: NewBroadcaster(),
		logger:      logging.GetDefaultLogger().With().Str("component", "api").Logger(),
	}
}

// Events exposes the broadcaster so other subsystems can push their events
// through the same feed.
func (s *Server) Events() *Broadcaster { return s.broadcaster }

// Start binds the listener and begins serving. Non-blocking.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("api server is already running")
	}

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.router()}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	go s.statsLoop()

	s.logger.Info().Str("addr", s.addr).Msg("api listening")
	return nil
}

// Stop shuts the listener down and halts the stats ticker.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	close(s.stopCh)
	<-s.done
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/events", s.handleEvents)
	return r
}

// statsLoop publishes metrics gauges and pushes stats-update events at the
// configured cadence.
func (s *Server) statsLoop() {
	defer close(s.done)
	ticker := time.NewTicker(config.Get().StatsBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			snap := s.snapshot()
			dsp.PublishMetrics(snap.Engine)
			transport.PublishMetrics(snap.Orchestrator.Ring)
			orchestrator.PublishMetrics(snap.Orchestrator)
			if s.broadcaster.SubscriberCount() > 0 {
				s.broadcaster.BroadcastStats(snap)
			}
		}
	}
}

func (s *Server) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Timestamp:    time.Now(),
		Engine:       s.engine.Stats(),
		Orchestrator: s.orch.Snapshot(),
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	_, active := s.orch.ActiveDevice()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"device_active": active,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// handleEvents upgrades to websocket and streams events until the client
// disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	connectionID := uuid.New().String()
	l := s.logger.With().Str("connectionID", connectionID).Logger()

	// CloseRead discards inbound frames and cancels the context when the
	// peer goes away.
	ctx := conn.CloseRead(c.Request.Context())
	s.broadcaster.Subscribe(connectionID, conn, ctx, &l)

	<-ctx.Done()
	s.broadcaster.Unsubscribe(connectionID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
