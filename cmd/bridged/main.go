// Package main implements bridged, the mining session bridge daemon.
// It terminates Stratum V1 sessions from TCP and WebSocket miners and
// proxies their work through a single upstream pool connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/erickytua/sugarmaker/internal/config"
	"github.com/erickytua/sugarmaker/internal/jobs"
	"github.com/erickytua/sugarmaker/internal/messaging"
	"github.com/erickytua/sugarmaker/internal/proxy"
	"github.com/erickytua/sugarmaker/internal/stratum"
	"github.com/erickytua/sugarmaker/internal/telemetry"
	"github.com/erickytua/sugarmaker/internal/upstream"
	"github.com/erickytua/sugarmaker/pkg/errors"
	"github.com/erickytua/sugarmaker/pkg/log"
	"github.com/erickytua/sugarmaker/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bridged",
		"version", cfg.Version,
		"listen_addr", cfg.ListenHostPort(),
		"upstream_addr", cfg.UpstreamAddr,
	)

	if cfg.UpstreamAddr == "" {
		logger.Error("UPSTREAM_ADDR is required")
		os.Exit(1)
	}

	publisher := newPublisher(cfg, logger)
	recorder := newRecorder(cfg, logger)

	registry := jobs.NewRegistry(cfg.StaleGrace)

	// The manager routes submits upstream and the upstream link delivers
	// jobs back down through the manager. The relay breaks the
	// construction cycle.
	router := &poolRouter{}

	manager := proxy.NewManager(proxy.ManagerConfig{
		UpstreamAddr:      cfg.UpstreamAddr,
		DefaultDifficulty: cfg.DefaultDifficulty,
		ExtraNonce2Size:   cfg.ExtraNonce2Size,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxMessageSize:    cfg.MaxMessageSize,
	}, router, registry, publisher, recorder, logger)

	up := upstream.NewSession(upstream.Config{
		Addr:             cfg.UpstreamAddr,
		Username:         cfg.UpstreamUser,
		Password:         cfg.UpstreamPassword,
		UserAgent:        cfg.UserAgent,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SubmitTimeout:    cfg.SubmitTimeout,
		Reconnect:        retry.ReconnectConfig(cfg.ReconnectDelay),
		MaxMessageSize:   cfg.MaxMessageSize,
	}, &upstream.NetDialer{Timeout: cfg.HandshakeTimeout}, registry, manager, logger)
	router.bind(up)

	wsAddr := ""
	if cfg.WSListenPort > 0 {
		wsAddr = cfg.WSListenHostPort()
	}
	coordinator := proxy.NewCoordinator(proxy.CoordinatorConfig{
		ListenAddr:    cfg.ListenHostPort(),
		WSListenAddr:  wsAddr,
		StatsInterval: cfg.StatsInterval,
	}, manager, up, registry, publisher, recorder, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Run(ctx); err != nil && err != context.Canceled {
		logger.WithError(err).Error("bridge exited")
		os.Exit(1)
	}

	logger.Info("bridged stopped")
}

// newPublisher builds the Kafka event publisher, or a no-op when no
// brokers are configured.
func newPublisher(cfg *config.Config, logger *log.Logger) messaging.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("event publishing disabled, no Kafka brokers configured")
		return messaging.NoopPublisher{}
	}
	logger.Info("event publishing enabled", "brokers", cfg.KafkaBrokers)
	return messaging.NewKafkaPublisher(cfg.KafkaBrokers, logger)
}

// newRecorder builds the telemetry recorder from whichever sinks are
// configured. An unreachable sink is skipped rather than fatal, the
// bridge can serve miners without telemetry.
func newRecorder(cfg *config.Config, logger *log.Logger) telemetry.Recorder {
	var influxClient *telemetry.InfluxClient
	var redisClient *telemetry.RedisClient

	if cfg.InfluxURL != "" {
		client, err := telemetry.NewInfluxClient(&telemetry.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, metrics disabled")
		} else {
			influxClient = client
		}
	}

	if cfg.RedisAddr != "" {
		client, err := telemetry.NewRedisClient(&telemetry.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, live stats disabled")
		} else {
			redisClient = client
		}
	}

	if influxClient == nil && redisClient == nil {
		return telemetry.NoopRecorder{}
	}
	return telemetry.NewManager(influxClient, redisClient, logger)
}

// poolRouter forwards the manager's routing calls to the upstream link
// once it has been bound. Before binding it reports the link as down.
type poolRouter struct {
	mu sync.RWMutex
	up *upstream.Session
}

func (r *poolRouter) bind(up *upstream.Session) {
	r.mu.Lock()
	r.up = up
	r.mu.Unlock()
}

func (r *poolRouter) link() *upstream.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.up
}

func (r *poolRouter) Ready() bool {
	if up := r.link(); up != nil {
		return up.Ready()
	}
	return false
}

func (r *poolRouter) ExtraNonce1() (string, int) {
	if up := r.link(); up != nil {
		return up.ExtraNonce1()
	}
	return "", 0
}

func (r *poolRouter) Difficulty() float64 {
	if up := r.link(); up != nil {
		return up.Difficulty()
	}
	return 0
}

func (r *poolRouter) Submit(req *stratum.SubmitRequest, originSessionID string, deliver func(upstream.SubmitResult, error)) error {
	up := r.link()
	if up == nil {
		return errors.New(errors.ErrorTypeUpstream, "submit", "upstream not ready")
	}
	return up.Submit(req, originSessionID, deliver)
}
