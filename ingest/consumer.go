// Package ingest consumes raw device payloads from NATS JetStream and feeds
// them to the processing pipeline.
//
// Subjects follow "<prefix>.<engine>.<model>". One durable consumer is
// created per registered device model so slow decoders never stall each
// other; within a model, messages are processed sequentially to preserve
// payload order per device.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
	"github.com/c360/devicehub/pipeline"
)

// Config configures the ingest consumer.
type Config struct {
	// URL of the NATS server.
	URL string `json:"url"`
	// Stream is the JetStream stream name holding ingest subjects.
	Stream string `json:"stream"`
	// SubjectPrefix is the first subject token, "ingest" by default.
	SubjectPrefix string `json:"subjectPrefix"`
	// AckWait before JetStream redelivers an unacknowledged payload.
	AckWait time.Duration `json:"ackWait"`
	// MaxDeliver caps redeliveries of a failing payload.
	MaxDeliver int `json:"maxDeliver"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "DEVICEHUB_INGEST"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "ingest"
	}
	if strings.ContainsAny(c.SubjectPrefix, ".*> ") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "IngestConfig", "Validate", "subject prefix validation")
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	return nil
}

// Consumer bridges JetStream to the pipeline as a lifecycle component:
// Initialize connects and declares the stream, Start attaches the per-model
// consumers, Stop drains them.
type Consumer struct {
	config   Config
	pipeline *pipeline.Pipeline
	models   []string
	logger   *slog.Logger
	metrics  *consumerMetrics

	mu       sync.Mutex
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumes []jetstream.ConsumeContext
	started  bool
}

// NewConsumer creates an ingest consumer for the given device models.
func NewConsumer(p *pipeline.Pipeline, models []string, config Config, logger *slog.Logger, registry *metric.Registry) (*Consumer, error) {
	if p == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "NewConsumer", "pipeline validation")
	}
	if len(models) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Consumer", "NewConsumer", "model list validation")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Consumer{
		config:   config,
		pipeline: p,
		models:   append([]string(nil), models...),
		logger:   logger.With("component", "ingest-consumer"),
	}
	if registry != nil {
		m, err := newConsumerMetrics(registry)
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// Initialize connects to NATS and declares the ingest stream.
func (c *Consumer) Initialize(ctx context.Context) error {
	conn, err := nats.Connect(c.config.URL,
		nats.Name("devicehub-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "Initialize", "nats connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Consumer", "Initialize", "jetstream context")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.config.Stream,
		Subjects:  []string{c.config.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Consumer", "Initialize", "stream declaration")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.stream = stream
	c.mu.Unlock()
	return nil
}

// Start attaches one durable consumer per device model.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return errors.ErrNotStarted
	}
	if c.started {
		return errors.ErrAlreadyStarted
	}

	for _, model := range c.models {
		model := model
		cons, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       durableName(model),
			FilterSubject: c.config.SubjectPrefix + ".*." + model,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       c.config.AckWait,
			MaxDeliver:    c.config.MaxDeliver,
			// Sequential dispatch preserves payload order per device.
			MaxAckPending: 1,
		})
		if err != nil {
			return errors.WrapTransient(
				fmt.Errorf("model '%s': %w", model, err),
				"Consumer", "Start", "consumer declaration")
		}
		consume, err := cons.Consume(func(msg jetstream.Msg) {
			c.handleMessage(context.Background(), msg)
		})
		if err != nil {
			return errors.WrapTransient(
				fmt.Errorf("model '%s': %w", model, err),
				"Consumer", "Start", "consume attach")
		}
		c.consumes = append(c.consumes, consume)
		c.logger.Info("consuming ingest subject", "model", model)
	}
	c.started = true
	return nil
}

// Stop detaches the consumers and drains the connection.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		return nil
	}
	c.started = false

	for _, consume := range c.consumes {
		consume.Stop()
	}
	c.consumes = nil

	done := make(chan error, 1)
	go func() { done <- c.conn.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			return errors.WrapTransient(err, "Consumer", "Stop", "connection drain")
		}
	case <-time.After(timeout):
		c.conn.Close()
	}
	c.conn = nil
	return nil
}

// handleMessage routes one payload through the pipeline and acknowledges it
// according to the failure class: transient failures redeliver, everything
// else terminates so a poison payload cannot loop. The payload log keeps the
// record either way.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	engineID, model, err := parseSubject(msg.Subject(), c.config.SubjectPrefix)
	if err != nil {
		c.logger.Warn("dropping message with malformed subject", "subject", msg.Subject())
		c.count("malformed")
		_ = msg.TermWithReason("malformed subject")
		return
	}

	result, err := c.pipeline.Process(ctx, engineID, model, msg.Data())
	switch {
	case err == nil:
		c.count(string(result.State))
		_ = msg.Ack()
	case errors.IsTransient(err):
		c.logger.Warn("payload processing will be redelivered", "subject", msg.Subject(), "error", err)
		c.count("redelivered")
		_ = msg.Nak()
	default:
		c.logger.Warn("payload terminated", "subject", msg.Subject(), "error", err)
		c.count("terminated")
		_ = msg.TermWithReason(err.Error())
	}
}

func (c *Consumer) count(outcome string) {
	if c.metrics != nil {
		c.metrics.messages.WithLabelValues(outcome).Inc()
	}
}

func durableName(model string) string {
	// Durable names cannot contain dots.
	return "ingest-" + strings.ReplaceAll(model, ".", "_")
}

// parseSubject extracts engine and model from "<prefix>.<engine>.<model>".
func parseSubject(subject, prefix string) (engineID, model string, err error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) != 3 || tokens[0] != prefix || tokens[1] == "" || tokens[2] == "" {
		return "", "", errors.WrapInvalid(
			fmt.Errorf("subject '%s' does not match '%s.<engine>.<model>'", subject, prefix),
			"Consumer", "parseSubject", "subject parsing")
	}
	return tokens[1], tokens[2], nil
}

type consumerMetrics struct {
	messages *prometheus.CounterVec
}

func newConsumerMetrics(registry *metric.Registry) (*consumerMetrics, error) {
	m := &consumerMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Ingest messages by outcome",
		}, []string{"outcome"}),
	}
	if err := registry.Register("ingest_consumer", "messages_total", m.messages); err != nil {
		return nil, err
	}
	return m, nil
}
