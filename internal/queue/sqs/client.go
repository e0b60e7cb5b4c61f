// Package sqs provides the cloud pull-consumer broker variant on AWS SQS:
// long-polled batch receives, visibility-timeout based retry, and a
// publisher that maps message groups and dedup ids onto FIFO queue fields.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/internal/queue"
)

// SQSClientAPI is the slice of the SQS API this package uses; tests swap
// in a mock.
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Visibility presets. Fast-fail covers rate-limit and pool-full rejections
// where a quick retry is wanted; the default covers genuine processing
// failures; the max is the SQS ceiling of 12 hours.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200
)

const (
	defaultWaitTimeSeconds   = 20 // SQS long-poll maximum
	defaultVisibilityTimeout = 120
	defaultBatchSize         = 10 // SQS receive/send maximum
	awsCallTimeout           = 10 * time.Second
)

// applyDefaults fills zero-valued tunables on an SQS queue config.
func applyDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = defaultBatchSize
	}
}

// subjectAttr wraps the routing subject as an SQS message attribute.
func subjectAttr(subject string) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"Subject": {
			DataType:    aws.String("String"),
			StringValue: aws.String(subject),
		},
	}
}

// Client provides AWS SQS queue operations
type Client struct {
	sqs       SQSClientAPI
	config    *queue.SQSConfig
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

// NewClient creates an SQS client against the standard AWS credential chain.
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	applyDefaults(cfg)
	return &Client{
		sqs:       sqs.NewFromConfig(awsCfg),
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// ClientConfig extends the queue config with a custom endpoint and static
// credentials, which LocalStack-based integration tests need.
type ClientConfig struct {
	QueueConfig     *queue.SQSConfig
	CustomEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClientWithConfig creates an SQS client honoring a custom endpoint.
func NewClientWithConfig(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	applyDefaults(cfg.QueueConfig)

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.QueueConfig.Region),
	}
	if cfg.CustomEndpoint != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var api SQSClientAPI
	if cfg.CustomEndpoint != "" {
		api = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	} else {
		api = sqs.NewFromConfig(awsCfg)
	}

	return &Client{
		sqs:       api,
		config:    cfg.QueueConfig,
		consumers: make(map[string]*Consumer),
	}, nil
}

// Publisher returns an SQS publisher for the configured queue
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c.sqs, queueURL: c.config.QueueURL}
}

// CreateConsumer registers a named consumer for the queue. SQS has no
// subject filtering; filterSubject exists only for interface symmetry with
// the JetStream variant and is ignored.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	consumer := &Consumer{
		client:              c.sqs,
		queueURL:            c.config.QueueURL,
		name:                name,
		waitTimeSeconds:     c.config.WaitTimeSeconds,
		visibilityTimeout:   c.config.VisibilityTimeout,
		maxNumberOfMessages: c.config.MaxNumberOfMessages,
		pendingDeletes:      make(map[string]struct{}),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("SQS consumer created",
		"name", name,
		"queueURL", c.config.QueueURL,
		"maxMessages", c.config.MaxNumberOfMessages,
		"waitTime", c.config.WaitTimeSeconds)
	return consumer, nil
}

// GetConsumer returns an existing consumer by name
func (c *Client) GetConsumer(name string) *Consumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[name]
}

// Connection returns the underlying SQS client for health checks
func (c *Client) Connection() SQSClientAPI {
	return c.sqs
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// HealthCheck verifies the queue is reachable by fetching its depth attribute.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	return err
}

// Close closes the client and all consumers
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err, "consumer", name)
		}
	}
	c.consumers = make(map[string]*Consumer)
	return nil
}

// Publisher publishes messages to SQS
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

func (p *Publisher) send(ctx context.Context, input *sqs.SendMessageInput, what string) error {
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message%s: %w", what, err)
	}
	return nil
}

// Publish sends a message to the queue
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageAttributes: subjectAttr(subject),
	}, "")
}

// PublishWithGroup sends a message carrying a FIFO message group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(data)),
		MessageGroupId:    aws.String(messageGroup),
		MessageAttributes: subjectAttr(subject),
	}, " with group")
}

// PublishWithDeduplication sends a message carrying a FIFO dedup id.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queueURL),
		MessageBody:            aws.String(string(data)),
		MessageDeduplicationId: aws.String(deduplicationID),
		MessageAttributes:      subjectAttr(subject),
	}, " with deduplication")
}

// PublishBatch sends messages in chunks of the SQS batch maximum.
func (p *Publisher) PublishBatch(ctx context.Context, messages []*queue.MessageBuilder) error {
	for start := 0; start < len(messages); start += defaultBatchSize {
		end := min(start+defaultBatchSize, len(messages))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			msg := messages[i]
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(fmt.Sprintf("%d", i)),
				MessageBody:       aws.String(string(msg.Data())),
				MessageAttributes: subjectAttr(msg.Subject()),
			}
			if g := msg.MessageGroup(); g != "" {
				entry.MessageGroupId = aws.String(g)
			}
			if id := msg.DeduplicationID(); id != "" {
				entry.MessageDeduplicationId = aws.String(id)
			}
			entries = append(entries, entry)
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("failed to send SQS batch: %w", err)
		}
		if len(result.Failed) > 0 {
			slog.Error("Some messages failed to send",
				"failed", len(result.Failed), "successful", len(result.Successful))
			return fmt.Errorf("failed to send %d messages", len(result.Failed))
		}
	}
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// Consumer long-polls the queue and hands batches to the handler. Message
// ids whose delete failed on an expired receipt handle are remembered in
// pendingDeletes and purged the moment SQS redelivers them.
type Consumer struct {
	client              SQSClientAPI
	queueURL            string
	name                string
	waitTimeSeconds     int32
	visibilityTimeout   int32
	maxNumberOfMessages int32

	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	running bool
	mu      sync.Mutex
}

// Consume polls until ctx is cancelled or Stop is called. The sleep after
// each round adapts to how full the batch was: a full batch polls again
// immediately, a partial one pauses briefly to let messages accumulate,
// and an empty one backs off a full second.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.setRunning(true)
	slog.Info("Starting SQS consumer", "consumer", c.name, "queueURL", c.queueURL)

	for {
		if ctx.Err() != nil {
			slog.Info("SQS consumer context cancelled, stopping", "consumer", c.name)
			c.setRunning(false)
			return ctx.Err()
		}
		if !c.isRunning() {
			slog.Info("SQS consumer stopped", "consumer", c.name)
			return nil
		}

		delivered, err := c.pollOnce(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error polling SQS messages", "error", err, "consumer", c.name)
			time.Sleep(time.Second)
			continue
		}

		switch {
		case delivered == 0:
			time.Sleep(time.Second)
		case delivered < int(c.maxNumberOfMessages):
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// pollOnce performs one long-poll receive and dispatches the batch.
func (c *Consumer) pollOnce(ctx context.Context, handler func(queue.Message) error) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.maxNumberOfMessages,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     c.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	delivered := 0
	for _, msg := range result.Messages {
		sqsMessageID := aws.ToString(msg.MessageId)

		// A redelivery of a message we already processed but could not
		// delete: purge it instead of processing it twice
		if c.isPendingDelete(sqsMessageID) {
			slog.Info("SQS message was previously processed - deleting now",
				"sqsMessageId", sqsMessageID)
			if err := c.deleteByHandle(ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("Failed to delete previously processed message",
					"error", err, "sqsMessageId", sqsMessageID)
			} else {
				c.clearPendingDelete(sqsMessageID)
			}
			continue
		}

		wrapped := &SQSMessage{
			msg:               &msg,
			client:            c.client,
			queueURL:          c.queueURL,
			sqsMessageID:      sqsMessageID,
			receiptHandle:     aws.ToString(msg.ReceiptHandle),
			visibilityTimeout: c.visibilityTimeout,
			consumer:          c,
		}
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error",
				"error", err, "messageId", sqsMessageID, "consumer", c.name)
		}
		delivered++
	}

	return delivered, nil
}

func (c *Consumer) deleteByHandle(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (c *Consumer) isPendingDelete(sqsMessageID string) bool {
	c.pendingDeletesMu.RLock()
	defer c.pendingDeletesMu.RUnlock()
	_, ok := c.pendingDeletes[sqsMessageID]
	return ok
}

func (c *Consumer) clearPendingDelete(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	delete(c.pendingDeletes, sqsMessageID)
	c.pendingDeletesMu.Unlock()
}

// markForDeletion remembers a processed message whose delete failed so the
// next redelivery is purged immediately.
func (c *Consumer) markForDeletion(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "sqsMessageId", sqsMessageID)
}

func (c *Consumer) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	c.setRunning(false)
}

// Close closes the consumer
func (c *Consumer) Close() error {
	c.Stop()
	slog.Info("SQS consumer closed", "consumer", c.name)
	return nil
}

// SQSMessage adapts one received SQS message to queue.Message, including
// visibility control for deferral and long-running work.
type SQSMessage struct {
	msg               *types.Message
	client            SQSClientAPI
	queueURL          string
	sqsMessageID      string
	receiptHandle     string
	visibilityTimeout int32
	consumer          *Consumer
}

// ID returns the SQS message ID
func (m *SQSMessage) ID() string {
	return m.sqsMessageID
}

// Data returns the message payload
func (m *SQSMessage) Data() []byte {
	if m.msg.Body == nil {
		return nil
	}
	return []byte(*m.msg.Body)
}

// Subject returns the routing subject carried in the message attributes.
func (m *SQSMessage) Subject() string {
	if attr, ok := m.msg.MessageAttributes["Subject"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

// MessageGroup returns the FIFO message group ID.
func (m *SQSMessage) MessageGroup() string {
	if m.msg.Attributes == nil {
		return ""
	}
	return m.msg.Attributes["MessageGroupId"]
}

// Ack deletes the message. An expired receipt handle is not fatal: the
// message id goes on the consumer's pending-delete list and the eventual
// redelivery is purged instead of reprocessed.
func (m *SQSMessage) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), awsCallTimeout)
	defer cancel()

	_, err := m.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			m.consumer.markForDeletion(m.sqsMessageID)
			slog.Info("Receipt handle expired - marked for deletion on next poll",
				"sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	slog.Debug("SQS message deleted successfully", "sqsMessageId", m.sqsMessageID)
	return nil
}

// Nak leaves the message alone; it reappears when the visibility timeout
// expires. SQS has no explicit negative-ack.
func (m *SQSMessage) Nak() error {
	slog.Debug("SQS NACK - message will become visible after visibility timeout",
		"sqsMessageId", m.sqsMessageID)
	return nil
}

// NakWithDelay makes the message reappear after the given delay.
func (m *SQSMessage) NakWithDelay(delay time.Duration) error {
	return m.changeVisibility(clampVisibility(int32(delay.Seconds())))
}

// InProgress pushes the visibility out by another full timeout window.
func (m *SQSMessage) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

// SetFastFailVisibility shortens visibility for rate-limit style retries.
func (m *SQSMessage) SetFastFailVisibility() error {
	return m.changeVisibility(FastFailVisibilitySeconds)
}

// ResetVisibilityToDefault restores the standard failure retry delay.
func (m *SQSMessage) ResetVisibilityToDefault() error {
	return m.changeVisibility(DefaultVisibilitySeconds)
}

// SetVisibilityDelay sets an arbitrary visibility delay, clamped to SQS limits.
func (m *SQSMessage) SetVisibilityDelay(seconds int32) error {
	return m.changeVisibility(clampVisibility(seconds))
}

// ExtendVisibility extends the visibility timeout
func (m *SQSMessage) ExtendVisibility(seconds int32) error {
	return m.changeVisibility(seconds)
}

func clampVisibility(seconds int32) int32 {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return seconds
}

func (m *SQSMessage) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), awsCallTimeout)
	defer cancel()

	_, err := m.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			slog.Debug("Receipt handle expired - cannot change visibility",
				"sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}

	slog.Debug("Changed message visibility", "sqsMessageId", m.sqsMessageID, "timeout", timeout)
	return nil
}

// UpdateReceiptHandle swaps in the handle from a redelivery so later
// ack/visibility calls use one SQS still honors.
func (m *SQSMessage) UpdateReceiptHandle(newReceiptHandle string) {
	slog.Info("Updating receipt handle due to redelivery", "sqsMessageId", m.sqsMessageID)
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle
func (m *SQSMessage) GetReceiptHandle() string {
	return m.receiptHandle
}

// Metadata returns message metadata
func (m *SQSMessage) Metadata() map[string]string {
	out := make(map[string]string)
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}

// isReceiptHandleExpiredError matches the error shapes SQS uses for a
// handle that is no longer valid.
func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	return strings.Contains(text, "receipt handle has expired") ||
		strings.Contains(text, "ReceiptHandleIsInvalid")
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
