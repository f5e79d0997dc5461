// Package config provides configuration management for the sugarmaker bridge.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for the bridge
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Downstream listeners
	ListenAddr   string
	ListenPort   int
	WSListenAddr string
	WSListenPort int

	// Upstream pool
	UpstreamAddr     string
	UpstreamUser     string
	UpstreamPassword string
	UserAgent        string

	// Bridge policy
	DefaultDifficulty float64
	ExtraNonce2Size   int
	ReconnectDelay    time.Duration
	SubmitTimeout     time.Duration
	StaleGrace        time.Duration
	HandshakeTimeout  time.Duration
	StatsInterval     time.Duration

	// Kafka configuration (empty brokers disables event publishing)
	KafkaBrokers []string

	// Telemetry sinks (empty URL/addr disables the sink)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Performance tuning
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "sugarmaker"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Listener defaults
		ListenAddr:   getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:   getEnvInt("LISTEN_PORT", 3333),
		WSListenAddr: getEnv("WS_LISTEN_ADDR", "0.0.0.0"),
		WSListenPort: getEnvInt("WS_LISTEN_PORT", 8080),

		// Upstream defaults
		UpstreamAddr:     getEnv("UPSTREAM_ADDR", ""),
		UpstreamUser:     getEnv("UPSTREAM_USER", ""),
		UpstreamPassword: getEnv("UPSTREAM_PASSWORD", "x"),
		UserAgent:        getEnv("USER_AGENT", "sugarmaker/1.0"),

		// Policy defaults
		DefaultDifficulty: getEnvFloat("DEFAULT_DIFFICULTY", 1.0),
		ExtraNonce2Size:   getEnvInt("EXTRANONCE2_SIZE", 4),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		SubmitTimeout:     getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		StaleGrace:        getEnvDuration("STALE_GRACE", 15*time.Second),
		HandshakeTimeout:  getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		StatsInterval:     getEnvDuration("STATS_INTERVAL", 30*time.Second),

		// Kafka defaults
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),

		// Telemetry defaults
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		InfluxURL:     getEnv("INFLUX_URL", ""),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "sugarmaker"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "bridge"),

		// Performance defaults
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Minute),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxMessageSize: getEnvInt("MAX_MESSAGE_SIZE", 65536),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ListenHostPort returns the TCP listener address in host:port form.
func (c *Config) ListenHostPort() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// WSListenHostPort returns the WebSocket listener address in host:port form.
func (c *Config) WSListenHostPort() string {
	return fmt.Sprintf("%s:%d", c.WSListenAddr, c.WSListenPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.WSListenPort < 0 || c.WSListenPort > 65535 {
		return fmt.Errorf("WS_LISTEN_PORT must be between 0 and 65535")
	}

	if c.DefaultDifficulty <= 0 {
		return fmt.Errorf("DEFAULT_DIFFICULTY must be positive")
	}

	if c.ExtraNonce2Size <= 0 || c.ExtraNonce2Size > 8 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 8")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT must be positive")
	}

	if c.StaleGrace < 0 {
		return fmt.Errorf("STALE_GRACE cannot be negative")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
