// Package log provides structured logging for the sugarmaker mining bridge.
// It wraps the standard library's slog package with bridge-specific helpers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSession returns a logger with downstream session fields
func (l *Logger) WithSession(sessionID, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// WithWorker returns a logger with miner identity fields
func (l *Logger) WithWorker(username, worker string) *Logger {
	return l.WithFields("username", username, "worker_name", worker)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, version uint64) *Logger {
	return l.WithFields("job_id", jobID, "job_version", version)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs downstream connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogUpstreamState logs upstream link state transitions
func (l *Logger) LogUpstreamState(from, to string) {
	l.Info("upstream state change",
		"from", from,
		"to", to,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogShareResult logs the outcome of a routed share submission
func (l *Logger) LogShareResult(sessionID, jobID string, accepted bool, latencyMs float64) {
	l.Info("share result",
		"session_id", sessionID,
		"job_id", jobID,
		"accepted", accepted,
		"latency_ms", latencyMs,
	)
}

// LogJobDistribution logs job fan-out to downstream sessions
func (l *Logger) LogJobDistribution(jobID string, clean bool, sessionCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"clean", clean,
		"session_count", sessionCount,
	)
}

// LogDifficultyChange logs a difficulty update from the upstream pool
func (l *Logger) LogDifficultyChange(oldDiff, newDiff float64) {
	l.Info("difficulty change",
		"old_difficulty", oldDiff,
		"new_difficulty", newDiff,
	)
}
