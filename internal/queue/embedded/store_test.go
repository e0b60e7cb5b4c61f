package embedded

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, visibility time.Duration) *Store {
	t.Helper()

	cfg := &StoreConfig{
		Path:              ":memory:",
		VisibilityTimeout: visibility,
		SnapshotInterval:  10 * time.Second,
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func mustPublish(t *testing.T, store *Store, messageID, groupID string) {
	t.Helper()
	res, err := store.Publish(context.Background(), messageID, groupID, "", []byte(`{"test":true}`))
	if err != nil {
		t.Fatalf("publish %s failed: %v", messageID, err)
	}
	if !res.Success {
		t.Fatalf("publish %s reported failure", messageID)
	}
}

func TestDequeueBatch_PerGroupFIFO(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	// Rows get ids 1..6 in publish order
	groups := []string{"A", "B", "A", "A", "B", "C"}
	for i, g := range groups {
		mustPublish(t, store, fmt.Sprintf("msg-%d", i+1), g)
	}

	// First batch: oldest row per group, groups never repeated within a batch
	rows, err := store.DequeueBatch(ctx, 3)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	expected := []struct {
		id    int64
		group string
	}{
		{1, "A"},
		{2, "B"},
		{6, "C"},
	}
	for i, exp := range expected {
		if rows[i].ID != exp.id || rows[i].MessageGroupID != exp.group {
			t.Errorf("row %d: expected (id=%d, group=%s), got (id=%d, group=%s)",
				i, exp.id, exp.group, rows[i].ID, rows[i].MessageGroupID)
		}
	}

	// Ack all three, then the next batch yields the next-oldest per group
	for _, row := range rows {
		if err := store.Ack(ctx, row.ReceiptHandle); err != nil {
			t.Fatalf("ack failed: %v", err)
		}
	}

	rows, err = store.DequeueBatch(ctx, 3)
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != 3 || rows[0].MessageGroupID != "A" {
		t.Errorf("expected (id=3, group=A), got (id=%d, group=%s)", rows[0].ID, rows[0].MessageGroupID)
	}
	if rows[1].ID != 5 || rows[1].MessageGroupID != "B" {
		t.Errorf("expected (id=5, group=B), got (id=%d, group=%s)", rows[1].ID, rows[1].MessageGroupID)
	}
}

func TestDequeueBatch_SkipsInvisibleRows(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")
	mustPublish(t, store, "msg-2", "A")

	rows, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row (one per group), got %d", len(rows))
	}

	// msg-1 is now invisible; only visible rows are considered and the
	// in-flight msg-1 does not hold its group back, so the second dequeue
	// yields msg-2
	rows, err = store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != "msg-2" {
		t.Fatalf("expected msg-2, got %v", rows)
	}

	// Now both rows are invisible
	rows, err = store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("third dequeue failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no visible rows, got %d", len(rows))
	}
}

func TestVisibilityTimeout_Redelivery(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")

	rows, err := store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("dequeue failed: rows=%d err=%v", len(rows), err)
	}
	if rows[0].ReceiveCount != 1 {
		t.Errorf("expected receiveCount 1, got %d", rows[0].ReceiveCount)
	}
	firstHandle := rows[0].ReceiptHandle

	time.Sleep(100 * time.Millisecond)

	rows, err = store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("redelivery dequeue failed: rows=%d err=%v", len(rows), err)
	}
	if rows[0].ReceiveCount != 2 {
		t.Errorf("expected receiveCount 2 on redelivery, got %d", rows[0].ReceiveCount)
	}
	if rows[0].ReceiptHandle == firstHandle {
		t.Error("expected a fresh receipt handle on redelivery")
	}
}

func TestPublish_Deduplication(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	first, err := store.Publish(ctx, "msg-1", "A", "dedup-x", []byte(`{}`))
	if err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if !first.Success || first.Deduplicated {
		t.Errorf("first publish: expected success without dedup, got %+v", first)
	}

	second, err := store.Publish(ctx, "msg-2", "A", "dedup-x", []byte(`{}`))
	if err != nil {
		t.Fatalf("second publish failed: %v", err)
	}
	if !second.Success || !second.Deduplicated {
		t.Errorf("second publish: expected success with dedup, got %+v", second)
	}

	// Only one row was persisted
	depth, err := store.Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected 1 persisted row, got %d", depth)
	}

	rows, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != "msg-1" {
		t.Fatalf("expected exactly msg-1, got %v", rows)
	}
}

func TestPublish_DuplicateMessageID(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")

	res, err := store.Publish(ctx, "msg-1", "A", "", []byte(`{}`))
	if err != nil {
		t.Fatalf("duplicate publish returned error: %v", err)
	}
	if !res.Success || !res.Deduplicated {
		t.Errorf("expected success-deduplicated for duplicate messageId, got %+v", res)
	}

	depth, _ := store.Depth(ctx)
	if depth != 1 {
		t.Errorf("expected 1 row after duplicate publish, got %d", depth)
	}
}

func TestAck_RemovesExactlyOneRow(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")
	mustPublish(t, store, "msg-2", "B")

	before, _ := store.Depth(ctx)

	rows, err := store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("dequeue failed: rows=%d err=%v", len(rows), err)
	}
	if err := store.Ack(ctx, rows[0].ReceiptHandle); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	after, _ := store.Depth(ctx)
	if after != before-1 {
		t.Errorf("expected depth %d after ack, got %d", before-1, after)
	}
}

func TestNack_DelayedVisibility(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")

	rows, err := store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("dequeue failed: rows=%d err=%v", len(rows), err)
	}

	// Nack with no delay: immediately visible again
	if err := store.Nack(ctx, rows[0].ReceiptHandle, 0); err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	rows, err = store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected immediate redelivery after nack(0): rows=%d err=%v", len(rows), err)
	}

	// Nack with a delay: invisible for the delay window
	if err := store.Nack(ctx, rows[0].ReceiptHandle, 60); err != nil {
		t.Fatalf("delayed nack failed: %v", err)
	}
	rows, err = store.DequeueBatch(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows while nack delay pending, got %d", len(rows))
	}
}

func TestPublishBatch_PerMessageResults(t *testing.T) {
	store := newTestStore(t, 30*time.Second)
	ctx := context.Background()

	entries := []BatchEntry{
		{MessageID: "msg-1", MessageGroupID: "A", Payload: []byte(`{}`)},
		{MessageID: "msg-2", MessageGroupID: "B", Payload: []byte(`{}`)},
		{MessageID: "msg-1", MessageGroupID: "A", Payload: []byte(`{}`)}, // duplicate
	}

	results := store.PublishBatch(ctx, entries)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Success || results[0].Deduplicated {
		t.Errorf("result 0: expected plain success, got %+v", results[0])
	}
	if !results[1].Success || results[1].Deduplicated {
		t.Errorf("result 1: expected plain success, got %+v", results[1])
	}
	if !results[2].Success || !results[2].Deduplicated {
		t.Errorf("result 2: expected success-deduplicated, got %+v", results[2])
	}
}

func TestExtendVisibility(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	mustPublish(t, store, "msg-1", "A")

	rows, err := store.DequeueBatch(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("dequeue failed: rows=%d err=%v", len(rows), err)
	}

	// Keep extending past the original window
	time.Sleep(30 * time.Millisecond)
	if err := store.ExtendVisibility(ctx, rows[0].ReceiptHandle); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// Original window has elapsed but the extension holds
	redelivered, err := store.DequeueBatch(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(redelivered) != 0 {
		t.Errorf("expected no redelivery while extension active, got %d rows", len(redelivered))
	}
}
