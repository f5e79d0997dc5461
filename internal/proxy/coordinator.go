package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/erickytua/sugarmaker/internal/jobs"
	"github.com/erickytua/sugarmaker/internal/messaging"
	"github.com/erickytua/sugarmaker/internal/telemetry"
	"github.com/erickytua/sugarmaker/internal/upstream"
	"github.com/erickytua/sugarmaker/pkg/errors"
	"github.com/erickytua/sugarmaker/pkg/log"
)

// CoordinatorConfig holds process-level wiring parameters
type CoordinatorConfig struct {
	ListenAddr    string
	WSListenAddr  string
	StatsInterval time.Duration
}

// Coordinator owns startup ordering and shutdown: the upstream link is
// initiated before downstream listeners open, so first-connecting miners
// get a real job promptly.
type Coordinator struct {
	cfg       CoordinatorConfig
	manager   *Manager
	upstream  *upstream.Session
	registry  *jobs.Registry
	publisher messaging.Publisher
	recorder  telemetry.Recorder
	logger    *log.Logger
}

// NewCoordinator wires the bridge components together.
func NewCoordinator(cfg CoordinatorConfig, manager *Manager, up *upstream.Session, registry *jobs.Registry, publisher messaging.Publisher, recorder telemetry.Recorder, logger *log.Logger) *Coordinator {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		manager:   manager,
		upstream:  up,
		registry:  registry,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.WithComponent("coordinator"),
	}
}

// Run starts the bridge and blocks until the context is canceled. A bind
// failure is the only fatal outcome; everything else recovers in place.
func (c *Coordinator) Run(ctx context.Context) error {
	go func() {
		if err := c.upstream.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("upstream loop exited")
		}
	}()

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen",
			"failed to bind downstream listener").
			WithContext("addr", c.cfg.ListenAddr)
	}
	go func() {
		if err := c.manager.ServeTCP(ctx, ln); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("tcp accept loop exited")
		}
	}()

	var wsServer *http.Server
	if c.cfg.WSListenAddr != "" {
		wsServer = &http.Server{
			Addr:              c.cfg.WSListenAddr,
			Handler:           c.manager.WebSocketHandler(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wsLn, err := net.Listen("tcp", c.cfg.WSListenAddr)
		if err != nil {
			ln.Close()
			return errors.Wrap(err, errors.ErrorTypeNetwork, "listen",
				"failed to bind websocket listener").
				WithContext("addr", c.cfg.WSListenAddr)
		}
		go func() {
			c.logger.Info("accepting websocket miners", "addr", c.cfg.WSListenAddr)
			if err := wsServer.Serve(wsLn); err != nil && err != http.ErrServerClosed {
				c.logger.WithError(err).Error("websocket server exited")
			}
		}()
	}

	go c.statsLoop(ctx)

	<-ctx.Done()
	c.logger.Info("shutting down bridge")

	// Stop accepting new miners first, then drop the ones we have.
	ln.Close()
	if wsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			c.logger.WithError(err).Warn("websocket shutdown incomplete")
		}
		cancel()
	}
	c.manager.CloseSessions()

	if err := c.publisher.Close(); err != nil {
		c.logger.WithError(err).Warn("failed to close publisher")
	}
	c.recorder.Close()

	return ctx.Err()
}

// statsLoop periodically records the aggregate snapshot and refreshes the
// per-session live views.
func (c *Coordinator) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.Stats()
			c.recorder.RecordBridgeStats(ctx, telemetry.BridgeStats{
				ActiveSessions:  stats.ActiveSessions,
				SharesSubmitted: stats.SharesSubmitted,
				SharesAccepted:  stats.SharesAccepted,
				SharesRejected:  stats.SharesRejected,
				UpstreamState:   stats.UpstreamState,
				Difficulty:      stats.Difficulty,
				CurrentJobID:    stats.CurrentJobID,
				Timestamp:       time.Now(),
			})
			for _, info := range c.manager.SnapshotSessions() {
				c.recorder.RecordSessionSnapshot(ctx, info)
			}
		}
	}
}

// Stats is the aggregate bridge snapshot.
type Stats struct {
	ActiveSessions   int
	LifetimeSessions int64
	SharesSubmitted  int64
	SharesAccepted   int64
	SharesRejected   int64
	UpstreamState    string
	Difficulty       float64
	CurrentJobID     string
	CurrentJobSeq    uint64
}

// Stats returns a read-only aggregate snapshot without blocking mutation
// paths.
func (c *Coordinator) Stats() Stats {
	s := c.manager.Stats()
	out := Stats{
		ActiveSessions:   s.ActiveSessions,
		LifetimeSessions: s.LifetimeSessions,
		SharesSubmitted:  s.SharesSubmitted,
		SharesAccepted:   s.SharesAccepted,
		SharesRejected:   s.SharesRejected,
		UpstreamState:    c.upstream.State().String(),
		Difficulty:       c.upstream.Difficulty(),
	}
	if job, ok := c.registry.Current(); ok {
		out.CurrentJobID = job.ID
		out.CurrentJobSeq = job.Seq
	}
	return out
}
