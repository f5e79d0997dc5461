package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient keeps live bridge state in Redis so dashboards can read it
// without touching the bridge itself.
type RedisClient struct {
	rdb *redis.Client
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *RedisClient) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SessionInfo is the live view of one downstream session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr"`
	Username   string    `json:"username"`
	WorkerName string    `json:"worker_name"`
	State      string    `json:"state"`
	Submitted  int64     `json:"submitted"`
	Accepted   int64     `json:"accepted"`
	Rejected   int64     `json:"rejected"`
	CreatedAt  time.Time `json:"created_at"`
}

// SetSessionInfo stores a session snapshot with expiration. Snapshots are
// refreshed periodically, so a session that vanishes simply expires.
func (c *RedisClient) SetSessionInfo(ctx context.Context, info SessionInfo, expiration time.Duration) error {
	jsonData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}

	key := fmt.Sprintf("bridge:session:%s", info.SessionID)
	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set session info: %w", err)
	}

	return nil
}

// DeleteSessionInfo removes a session snapshot on disconnect
func (c *RedisClient) DeleteSessionInfo(ctx context.Context, sessionID string) error {
	key := fmt.Sprintf("bridge:session:%s", sessionID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session info: %w", err)
	}
	return nil
}

// IncrShareCounter bumps the bridge-wide share counters hash
func (c *RedisClient) IncrShareCounter(ctx context.Context, field string) error {
	if err := c.rdb.HIncrBy(ctx, "bridge:shares", field, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment share counter: %w", err)
	}
	return nil
}

// SetBridgeStats stores the periodic bridge-wide snapshot
func (c *RedisClient) SetBridgeStats(ctx context.Context, stats any, expiration time.Duration) error {
	jsonData, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge stats: %w", err)
	}

	if err := c.rdb.Set(ctx, "bridge:stats", jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set bridge stats: %w", err)
	}

	return nil
}

// GetBridgeStats reads the last stored snapshot
func (c *RedisClient) GetBridgeStats(ctx context.Context, dest any) error {
	jsonData, err := c.rdb.Get(ctx, "bridge:stats").Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("bridge stats not found")
		}
		return fmt.Errorf("failed to get bridge stats: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal bridge stats: %w", err)
	}

	return nil
}
