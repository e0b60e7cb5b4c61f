package embedded

import (
	"context"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

// Queue adapts Store to the broker-agnostic queue.Queue interface so the
// embedded engine can be selected anywhere a Cloud or JetStream queue could.
type Queue struct {
	store *Store
}

// NewQueue wraps a Store as a queue.Queue.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := q.store.Publish(ctx, subject, "", "", data)
	return err
}

func (q *Queue) PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error {
	_, err := q.store.Publish(ctx, subject, group, "", data)
	return err
}

func (q *Queue) PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error {
	_, err := q.store.Publish(ctx, subject, "", dedupID, data)
	return err
}

func (q *Queue) Close() error {
	return q.store.Close()
}

// Consume polls the embedded store and invokes handler for each dequeued
// row until ctx is cancelled. Returns nil on clean cancellation.
func (q *Queue) Consume(ctx context.Context, handler func(queue.Message) error) error {
	const batchSize = 10
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rows, err := q.store.DequeueBatch(ctx, batchSize)
			if err != nil {
				continue
			}
			for _, row := range rows {
				msg := q.wrap(row)
				if err := handler(msg); err != nil {
					_ = msg.Nak()
				}
			}
		}
	}
}

func (q *Queue) wrap(row *Row) queue.Message {
	return &embeddedMessage{queue: q, row: row}
}

type embeddedMessage struct {
	queue *Queue
	row   *Row
}

func (m *embeddedMessage) ID() string                  { return m.row.MessageID }
func (m *embeddedMessage) Data() []byte                { return m.row.Payload }
func (m *embeddedMessage) Subject() string              { return m.row.MessageID }
func (m *embeddedMessage) MessageGroup() string         { return m.row.MessageGroupID }
func (m *embeddedMessage) Metadata() map[string]string  { return nil }

func (m *embeddedMessage) Ack() error {
	return m.queue.store.Ack(context.Background(), m.row.ReceiptHandle)
}

func (m *embeddedMessage) Nak() error {
	return m.queue.store.Nack(context.Background(), m.row.ReceiptHandle, 0)
}

func (m *embeddedMessage) NakWithDelay(delay time.Duration) error {
	return m.queue.store.Nack(context.Background(), m.row.ReceiptHandle, int(delay.Seconds()))
}

func (m *embeddedMessage) InProgress() error {
	return m.queue.store.ExtendVisibility(context.Background(), m.row.ReceiptHandle)
}
