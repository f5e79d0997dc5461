// Package telemetry records bridge metrics in InfluxDB and live state in
// Redis. Both sinks are optional; the bridge runs fine with neither.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxClient wraps InfluxDB operations for time-series bridge metrics
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// InfluxConfig holds InfluxDB connection configuration
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *InfluxConfig) (*InfluxClient, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *InfluxClient) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *InfluxClient) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// WriteShareMetric writes one routed share verdict
func (c *InfluxClient) WriteShareMetric(sessionID, jobID string, accepted bool, difficulty, latencyMs float64) {
	tags := map[string]string{
		"session_id": sessionID,
		"accepted":   fmt.Sprintf("%t", accepted),
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"latency_ms": latencyMs,
		"count":      1,
	}

	point := write.NewPoint("shares", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteJobMetric writes one job announcement
func (c *InfluxClient) WriteJobMetric(jobID string, clean bool, sessionCount int) {
	tags := map[string]string{
		"clean": fmt.Sprintf("%t", clean),
	}

	fields := map[string]interface{}{
		"session_count": sessionCount,
		"count":         1,
	}

	point := write.NewPoint("jobs", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteBridgeStatsMetric writes a periodic bridge-wide snapshot
func (c *InfluxClient) WriteBridgeStatsMetric(activeSessions int, submitted, accepted, rejected int64, upstreamState string, difficulty float64) {
	tags := map[string]string{
		"upstream_state": upstreamState,
	}

	fields := map[string]interface{}{
		"active_sessions":  activeSessions,
		"shares_submitted": submitted,
		"shares_accepted":  accepted,
		"shares_rejected":  rejected,
		"difficulty":       difficulty,
	}

	point := write.NewPoint("bridge_stats", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteUpstreamEventMetric writes an upstream connect/disconnect transition
func (c *InfluxClient) WriteUpstreamEventMetric(event, addr string) {
	tags := map[string]string{
		"event": event,
		"addr":  addr,
	}

	fields := map[string]interface{}{
		"count": 1,
	}

	point := write.NewPoint("upstream_events", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Flush forces a write of all pending points
func (c *InfluxClient) Flush() {
	c.writeAPI.Flush()
}
