package telemetry

import (
	"context"
	"time"

	"github.com/erickytua/sugarmaker/pkg/log"
)

// BridgeStats is the periodic bridge-wide snapshot.
type BridgeStats struct {
	ActiveSessions  int       `json:"active_sessions"`
	SharesSubmitted int64     `json:"shares_submitted"`
	SharesAccepted  int64     `json:"shares_accepted"`
	SharesRejected  int64     `json:"shares_rejected"`
	UpstreamState   string    `json:"upstream_state"`
	Difficulty      float64   `json:"difficulty"`
	CurrentJobID    string    `json:"current_job_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// Recorder is the metrics contract the proxy depends on. Implementations
// must never block the share path.
type Recorder interface {
	RecordShare(ctx context.Context, sessionID, jobID string, accepted bool, difficulty, latencyMs float64)
	RecordJob(ctx context.Context, jobID string, clean bool, sessionCount int)
	RecordUpstreamEvent(ctx context.Context, event, addr string)
	RecordSessionSnapshot(ctx context.Context, info SessionInfo)
	RecordSessionGone(ctx context.Context, sessionID string)
	RecordBridgeStats(ctx context.Context, stats BridgeStats)
	Close()
}

// Manager fans recordings out to whichever sinks are configured. A nil
// influx or redis client disables that sink.
type Manager struct {
	influx *InfluxClient
	redis  *RedisClient
	logger *log.Logger
}

// NewManager creates a telemetry manager over optional sinks.
func NewManager(influx *InfluxClient, redis *RedisClient, logger *log.Logger) *Manager {
	return &Manager{
		influx: influx,
		redis:  redis,
		logger: logger.WithComponent("telemetry"),
	}
}

// RecordShare records one routed share verdict.
func (m *Manager) RecordShare(ctx context.Context, sessionID, jobID string, accepted bool, difficulty, latencyMs float64) {
	if m.influx != nil {
		m.influx.WriteShareMetric(sessionID, jobID, accepted, difficulty, latencyMs)
	}
	if m.redis != nil {
		field := "rejected"
		if accepted {
			field = "accepted"
		}
		if err := m.redis.IncrShareCounter(ctx, field); err != nil {
			m.logger.WithError(err).Warn("failed to bump share counter")
		}
	}
}

// RecordJob records one job announcement.
func (m *Manager) RecordJob(ctx context.Context, jobID string, clean bool, sessionCount int) {
	if m.influx != nil {
		m.influx.WriteJobMetric(jobID, clean, sessionCount)
	}
}

// RecordUpstreamEvent records an upstream connect/disconnect transition.
func (m *Manager) RecordUpstreamEvent(ctx context.Context, event, addr string) {
	if m.influx != nil {
		m.influx.WriteUpstreamEventMetric(event, addr)
	}
}

// RecordSessionSnapshot refreshes the live view of one session.
func (m *Manager) RecordSessionSnapshot(ctx context.Context, info SessionInfo) {
	if m.redis != nil {
		if err := m.redis.SetSessionInfo(ctx, info, 2*time.Minute); err != nil {
			m.logger.WithError(err).Warn("failed to store session snapshot")
		}
	}
}

// RecordSessionGone removes the live view of a closed session.
func (m *Manager) RecordSessionGone(ctx context.Context, sessionID string) {
	if m.redis != nil {
		if err := m.redis.DeleteSessionInfo(ctx, sessionID); err != nil {
			m.logger.WithError(err).Warn("failed to delete session snapshot")
		}
	}
}

// RecordBridgeStats stores the periodic bridge-wide snapshot.
func (m *Manager) RecordBridgeStats(ctx context.Context, stats BridgeStats) {
	if m.influx != nil {
		m.influx.WriteBridgeStatsMetric(
			stats.ActiveSessions,
			stats.SharesSubmitted,
			stats.SharesAccepted,
			stats.SharesRejected,
			stats.UpstreamState,
			stats.Difficulty,
		)
	}
	if m.redis != nil {
		if err := m.redis.SetBridgeStats(ctx, stats, 5*time.Minute); err != nil {
			m.logger.WithError(err).Warn("failed to store bridge stats")
		}
	}
}

// Close flushes and closes all sinks.
func (m *Manager) Close() {
	if m.influx != nil {
		m.influx.Close()
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close redis client")
		}
	}
}

// NoopRecorder discards every recording. Used when no sinks are configured.
type NoopRecorder struct{}

func (NoopRecorder) RecordShare(context.Context, string, string, bool, float64, float64) {}
func (NoopRecorder) RecordJob(context.Context, string, bool, int)                        {}
func (NoopRecorder) RecordUpstreamEvent(context.Context, string, string)                 {}
func (NoopRecorder) RecordSessionSnapshot(context.Context, SessionInfo)                  {}
func (NoopRecorder) RecordSessionGone(context.Context, string)                           {}
func (NoopRecorder) RecordBridgeStats(context.Context, BridgeStats)                      {}
func (NoopRecorder) Close()                                                              {}
