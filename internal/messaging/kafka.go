// Package messaging publishes bridge events to Kafka for downstream
// consumers. Events are JSON-encoded; publishing is best-effort and never
// blocks the share path.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/erickytua/sugarmaker/pkg/circuit"
	"github.com/erickytua/sugarmaker/pkg/errors"
	"github.com/erickytua/sugarmaker/pkg/log"
	"github.com/erickytua/sugarmaker/pkg/retry"
)

// Publisher is the event publishing contract. The proxy depends on this so
// deployments without Kafka can run with the no-op implementation.
type Publisher interface {
	PublishShare(ctx context.Context, ev ShareEvent) error
	PublishJob(ctx context.Context, ev JobEvent) error
	PublishPoolLink(ctx context.Context, ev PoolLinkEvent) error
	Close() error
}

// KafkaPublisher publishes events through kafka-go with per-topic writers,
// circuit breaker protection and bounded retries.
type KafkaPublisher struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaPublisher creates a Kafka publisher for the given brokers.
func NewKafkaPublisher(brokers []string, logger *log.Logger) *KafkaPublisher {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaPublisher{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.PublishConfig(),
	}
}

// getWriter gets or creates the writer for a topic.
func (k *KafkaPublisher) getWriter(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// publishJSON marshals the event and writes it behind the breaker.
func (k *KafkaPublisher) publishJSON(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "marshal_event",
			"failed to marshal event").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.getWriter(topic)
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_event",
					"failed to publish event to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published event", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishShare publishes a share verdict, keyed by session so one miner's
// shares stay ordered within a partition.
func (k *KafkaPublisher) PublishShare(ctx context.Context, ev ShareEvent) error {
	return k.publishJSON(ctx, TopicShares, ev.SessionID, ev)
}

// PublishJob publishes a job announcement keyed by job ID.
func (k *KafkaPublisher) PublishJob(ctx context.Context, ev JobEvent) error {
	return k.publishJSON(ctx, TopicJobs, ev.JobID, ev)
}

// PublishPoolLink publishes an upstream link transition keyed by pool addr.
func (k *KafkaPublisher) PublishPoolLink(ctx context.Context, ev PoolLinkEvent) error {
	return k.publishJSON(ctx, TopicPoolLink, ev.Addr, ev)
}

// Close closes all producers.
func (k *KafkaPublisher) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}

// NoopPublisher discards every event. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishShare(context.Context, ShareEvent) error       { return nil }
func (NoopPublisher) PublishJob(context.Context, JobEvent) error           { return nil }
func (NoopPublisher) PublishPoolLink(context.Context, PoolLinkEvent) error { return nil }
func (NoopPublisher) Close() error                                         { return nil }
