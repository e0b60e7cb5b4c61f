// Package embedded provides a durable, disk-backed local queue with
// SQS-like visibility-timeout semantics and per-group FIFO dequeue. It is
// usable both as a real broker for single-node deployments and as a local
// dev substitute for the Cloud/JetStream broker variants.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
)

// DedupWindow is the duration a deduplication ID is remembered.
const DedupWindow = 5 * time.Minute

// StoreConfig configures the embedded queue store.
type StoreConfig struct {
	// Path is the sqlite file path. ":memory:" selects the in-memory mode.
	Path string

	// VisibilityTimeout is how long a dequeued row stays invisible.
	VisibilityTimeout time.Duration

	// SnapshotInterval is carried in the configuration but not read by the
	// store; no periodic checkpoint or snapshot runs. File-backed sqlite
	// persists every write; the in-memory mode is not persisted.
	SnapshotInterval time.Duration
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Path:              "./data/embedded-queue.db",
		VisibilityTimeout: 30 * time.Second,
		SnapshotInterval:  10 * time.Second,
	}
}

// Row is a dequeued message row, stamped with a fresh receipt handle.
type Row struct {
	ID             int64
	MessageID      string
	MessageGroupID string
	ReceiptHandle  string
	ReceiveCount   int
	Payload        []byte
}

// PublishResult reports the outcome of a publish call.
type PublishResult struct {
	Success      bool
	Deduplicated bool
}

// Store is the embedded queue engine: publish, dedup, visibility-timeout
// dequeue, per-group FIFO, all serialized through sqlite's own locking.
type Store struct {
	db     *sql.DB
	cfg    *StoreConfig
	mu     sync.Mutex // serializes dequeue's read-then-write group selection
	stopCh chan struct{}
}

// NewStore opens (creating if necessary) the embedded queue database and
// ensures its schema exists.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open embedded queue store: %w", err)
	}
	// sqlite3 serializes writers; a single connection avoids "database is locked"
	// churn without an explicit app-level write queue.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, stopCh: make(chan struct{})}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go s.pruneDedupLoop()

	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			message_group_id TEXT NOT NULL DEFAULT '',
			message_deduplication_id TEXT,
			message_json BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			receipt_handle TEXT UNIQUE,
			receive_count INTEGER NOT NULL DEFAULT 0,
			first_received_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_group_visible
			ON queue_messages(message_group_id, visible_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
			ON queue_messages(visible_at, id)`,
		`CREATE TABLE IF NOT EXISTS message_deduplication (
			message_deduplication_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_deduplication_created_at
			ON message_deduplication(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Publish inserts a new message, enforcing the 5-minute dedup window. A
// duplicate messageDeduplicationId or a duplicate messageId both report
// success with Deduplicated=true and do not insert a new row.
func (s *Store) Publish(ctx context.Context, messageID, groupID, dedupID string, payload []byte) (*PublishResult, error) {
	now := time.Now()

	if dedupID != "" {
		deduped, err := s.checkAndRecordDedup(ctx, dedupID, messageID, now)
		if err != nil {
			return nil, err
		}
		if deduped {
			return &PublishResult{Success: true, Deduplicated: true}, nil
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_messages
			(message_id, message_group_id, message_deduplication_id, message_json, created_at, visible_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, messageID, groupID, nullableString(dedupID), payload, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("duplicate messageId publish treated as deduplicated", "messageId", messageID)
			return &PublishResult{Success: true, Deduplicated: true}, nil
		}
		slog.Error("embedded queue publish failed", "error", err, "messageId", messageID)
		return &PublishResult{Success: false}, fmt.Errorf("publish: %w", err)
	}

	return &PublishResult{Success: true}, nil
}

func (s *Store) checkAndRecordDedup(ctx context.Context, dedupID, messageID string, now time.Time) (bool, error) {
	var existingID string
	var createdAtMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, created_at FROM message_deduplication WHERE message_deduplication_id = ?`,
		dedupID,
	).Scan(&existingID, &createdAtMs)

	switch {
	case err == sql.ErrNoRows:
		// first time seeing this dedup id
	case err != nil:
		return false, fmt.Errorf("dedup lookup: %w", err)
	default:
		createdAt := time.UnixMilli(createdAtMs)
		if now.Sub(createdAt) < DedupWindow {
			return true, nil
		}
		// window expired, fall through and overwrite
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_deduplication (message_deduplication_id, message_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_deduplication_id) DO UPDATE SET message_id = excluded.message_id, created_at = excluded.created_at
	`, dedupID, messageID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("dedup record: %w", err)
	}
	return false, nil
}

// DequeueBatch returns up to max visible rows, one per message group,
// picking the oldest visible row of the group with the smallest id that
// hasn't already yielded a row in this batch. Each returned row gets a
// fresh receipt handle and its visibility is advanced.
func (s *Store) DequeueBatch(ctx context.Context, max int) ([]*Row, error) {
	if max <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	yielded := make(map[string]bool)
	var rows []*Row

	for len(rows) < max {
		id, messageID, groupID, payload, receiveCount, firstReceivedAt, found, err := s.nextEligible(ctx, now, yielded)
		if err != nil {
			return rows, err
		}
		if !found {
			break
		}

		receiptHandle := uuid.NewString()
		newVisibleAt := now + s.cfg.VisibilityTimeout.Milliseconds()
		newReceiveCount := receiveCount + 1
		newFirstReceivedAt := firstReceivedAt
		if newFirstReceivedAt == 0 {
			newFirstReceivedAt = now
		}

		_, err = s.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET visible_at = ?, receipt_handle = ?, receive_count = ?, first_received_at = ?
			WHERE id = ?
		`, newVisibleAt, receiptHandle, newReceiveCount, newFirstReceivedAt, id)
		if err != nil {
			return rows, fmt.Errorf("stamp dequeued row: %w", err)
		}

		yielded[groupID] = true
		rows = append(rows, &Row{
			ID:             id,
			MessageID:      messageID,
			MessageGroupID: groupID,
			ReceiptHandle:  receiptHandle,
			ReceiveCount:   newReceiveCount,
			Payload:        payload,
		})
	}

	return rows, nil
}

// nextEligible implements the argmin(id) selection: the oldest visible row
// whose group has not yet yielded a row in this batch.
func (s *Store) nextEligible(ctx context.Context, now int64, yielded map[string]bool) (id int64, messageID, groupID string, payload []byte, receiveCount int, firstReceivedAt int64, found bool, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, message_group_id, message_json, receive_count, IFNULL(first_received_at, 0)
		FROM queue_messages
		WHERE visible_at <= ?
		ORDER BY id ASC
	`, now)
	if err != nil {
		return 0, "", "", nil, 0, 0, false, fmt.Errorf("scan eligible rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rid int64
		var rmid, rgroup string
		var rpayload []byte
		var rcount int
		var rfirst int64
		if err = rows.Scan(&rid, &rmid, &rgroup, &rpayload, &rcount, &rfirst); err != nil {
			return 0, "", "", nil, 0, 0, false, fmt.Errorf("scan row: %w", err)
		}
		if yielded[rgroup] {
			continue
		}
		return rid, rmid, rgroup, rpayload, rcount, rfirst, true, rows.Err()
	}

	return 0, "", "", nil, 0, 0, false, rows.Err()
}

// PublishBatch publishes each message in order and reports a per-message
// result. A storage failure on one message does not stop the rest.
func (s *Store) PublishBatch(ctx context.Context, msgs []BatchEntry) []*PublishResult {
	results := make([]*PublishResult, 0, len(msgs))
	for _, m := range msgs {
		res, err := s.Publish(ctx, m.MessageID, m.MessageGroupID, m.DedupID, m.Payload)
		if err != nil {
			results = append(results, &PublishResult{Success: false})
			continue
		}
		results = append(results, res)
	}
	return results
}

// BatchEntry is one message in a PublishBatch call.
type BatchEntry struct {
	MessageID      string
	MessageGroupID string
	DedupID        string
	Payload        []byte
}

// ExtendVisibility pushes the row's visibility out by another full
// visibility-timeout window, measured from now.
func (s *Store) ExtendVisibility(ctx context.Context, receiptHandle string) error {
	visibleAt := time.Now().Add(s.cfg.VisibilityTimeout).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ? WHERE receipt_handle = ?
	`, visibleAt, receiptHandle)
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	return nil
}

// Ack deletes the row owning the given receipt handle.
func (s *Store) Ack(ctx context.Context, receiptHandle string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE receipt_handle = ?`, receiptHandle)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack makes the row visible again after delaySeconds.
func (s *Store) Nack(ctx context.Context, receiptHandle string, delaySeconds int) error {
	visibleAt := time.Now().Add(time.Duration(delaySeconds) * time.Second).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ? WHERE receipt_handle = ?
	`, visibleAt, receiptHandle)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

// Depth returns the total number of rows currently stored (visible or not).
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return count, nil
}

// pruneDedupLoop drops deduplication rows once they age out of the window.
func (s *Store) pruneDedupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-DedupWindow).UnixMilli()
			if _, err := s.db.Exec(`DELETE FROM message_deduplication WHERE created_at < ?`, cutoff); err != nil {
				slog.Warn("failed to prune expired dedup entries", "error", err)
			}
		}
	}
}

// Close stops background maintenance and closes the underlying database.
func (s *Store) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports UNIQUE constraint failures in the error text;
	// avoiding a hard dependency on its concrete error type keeps this
	// resilient to driver version differences.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
