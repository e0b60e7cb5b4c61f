// Package nats provides the JetStream-backed broker variant: a durable
// pull consumer with explicit acks plus a publisher that carries message
// group and deduplication hints in headers.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/internal/queue"
)

// Header names used to smuggle routing hints through JetStream. Nats-Msg-Id
// doubles as the server-side deduplication key.
const (
	headerMsgID    = "Nats-Msg-Id"
	headerMsgGroup = "Nats-Msg-Group"
	headerMetaPfx  = "X-Meta-"
)

const (
	defaultStreamName = "DISPATCH"
	defaultAckWait    = 2 * time.Minute
	defaultMaxDeliver = 5
	maxAckPending     = 1000
)

// Publisher publishes messages to NATS JetStream
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

// NewPublisher creates a new NATS publisher
func NewPublisher(js jetstream.JetStream, streamName string) *Publisher {
	return &Publisher{js: js, stream: streamName}
}

// Publish sends a bare message to the given subject.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithGroup sends a message carrying a FIFO ordering key.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publishMsg(ctx, subject, data, map[string]string{headerMsgGroup: messageGroup})
}

// PublishWithDeduplication sends a message carrying a dedup id; JetStream
// drops re-publishes with the same id inside its duplicate window.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publishMsg(ctx, subject, data, map[string]string{headerMsgID: deduplicationID})
}

// PublishMessage publishes a message assembled with queue.MessageBuilder.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	headers := make(map[string]string)
	if g := builder.MessageGroup(); g != "" {
		headers[headerMsgGroup] = g
	}
	if id := builder.DeduplicationID(); id != "" {
		headers[headerMsgID] = id
	}
	for k, v := range builder.Metadata() {
		headers[headerMetaPfx+k] = v
	}
	return p.publishMsg(ctx, builder.Subject(), builder.Data(), headers)
}

func (p *Publisher) publishMsg(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header, len(headers)),
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// Consumer is a durable JetStream pull consumer adapted to queue.Consumer.
type Consumer struct {
	consumer jetstream.Consumer
	name     string
}

// NewConsumer creates a new NATS consumer
func NewConsumer(consumer jetstream.Consumer, name string) *Consumer {
	return &Consumer{consumer: consumer, name: name}
}

// Consume pulls messages and hands each to handler until ctx ends. A
// handler error is the handler's business (it nacks its own message); the
// loop just keeps pulling.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	iter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer iter.Stop()

	for {
		if ctx.Err() != nil {
			slog.Info("Consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		}

		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			slog.Error("Error getting next message", "error", err, "consumer", c.name)
			continue
		}

		if err := handler(&NATSMessage{msg: msg, subject: msg.Subject()}); err != nil {
			slog.Error("Message handler error",
				"error", err, "consumer", c.name, "subject", msg.Subject())
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	slog.Info("Consumer closed", "consumer", c.name)
	return nil
}

// NATSMessage adapts a jetstream.Msg to queue.Message.
type NATSMessage struct {
	msg     jetstream.Msg
	subject string
}

// ID prefers the publisher-supplied dedup id, falling back to the stream
// sequence so redeliveries of the same record keep the same identity.
func (m *NATSMessage) ID() string {
	if id := m.msg.Headers().Get(headerMsgID); id != "" {
		return id
	}
	if meta, err := m.msg.Metadata(); err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *NATSMessage) Data() []byte    { return m.msg.Data() }
func (m *NATSMessage) Subject() string { return m.subject }

func (m *NATSMessage) MessageGroup() string {
	return m.msg.Headers().Get(headerMsgGroup)
}

func (m *NATSMessage) Ack() error { return m.msg.Ack() }
func (m *NATSMessage) Nak() error { return m.msg.Nak() }

func (m *NATSMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// InProgress resets the ack-wait clock, keeping the message invisible
// while a long mediation runs.
func (m *NATSMessage) InProgress() error {
	return m.msg.InProgress()
}

func (m *NATSMessage) Metadata() map[string]string {
	out := make(map[string]string)
	for k, values := range m.msg.Headers() {
		if len(values) > 0 {
			out[k] = values[0]
		}
	}
	return out
}

// Client owns the NATS connection and hands out publishers and durable
// consumers against the configured stream.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient connects to the configured NATS server with unbounded reconnects.
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: NewPublisher(js, streamNameOr(cfg.StreamName)),
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

func streamNameOr(name string) string {
	if name == "" {
		return defaultStreamName
	}
	return name
}

// Publisher returns the client's publisher
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates (or updates) a durable consumer with explicit
// acks, a bounded redelivery budget, and a cap on outstanding unacked
// messages.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	ackWait := defaultAckWait
	if c.config.AckWait > 0 {
		ackWait = c.config.AckWait
	}
	maxDeliver := defaultMaxDeliver
	if c.config.MaxDeliver > 0 {
		maxDeliver = c.config.MaxDeliver
	}

	stream, err := c.js.Stream(ctx, streamNameOr(c.config.StreamName))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: maxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	wrapped := NewConsumer(consumer, name)
	c.consumers[name] = wrapped
	return wrapped, nil
}

// Close closes the client and all consumers
func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}

// DispatchMessage is the wire envelope for a dispatch job on the queue.
type DispatchMessage struct {
	JobID          string            `json:"jobId"`
	DispatchPoolID string            `json:"dispatchPoolId"`
	MessageGroup   string            `json:"messageGroup"`
	BatchID        string            `json:"batchId"`
	Sequence       int               `json:"sequence"`
	TargetURL      string            `json:"targetUrl"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	MaxRetries     int               `json:"maxRetries"`
	AttemptNumber  int               `json:"attemptNumber"`
}

// Encode encodes the dispatch message to JSON
func (m *DispatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeDispatchMessage decodes a dispatch message from JSON
func DecodeDispatchMessage(data []byte) (*DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
