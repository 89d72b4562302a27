package buffer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestBuffer(t *testing.T, maxPoints int, maxAge time.Duration) *LocalBuffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	b, err := Open(path, maxPoints, maxAge)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEnqueueAndDequeueBatch(t *testing.T) {
	ctx := context.Background()
	b := openTestBuffer(t, 100, time.Hour)

	metrics := json.RawMessage(`{"water_pressure_psi":30}`)
	if err := b.Enqueue(ctx, "m1", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, "m2", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rows, err := b.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 buffered rows, got %d", len(rows))
	}
}

func TestEnqueueIsIdempotentOnMessageID(t *testing.T) {
	ctx := context.Background()
	b := openTestBuffer(t, 100, time.Hour)
	metrics := json.RawMessage(`{}`)

	if err := b.Enqueue(ctx, "dup", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, "dup", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Depth != 1 {
		t.Fatalf("expected a duplicate message_id to be dropped, got depth=%d", m.Depth)
	}
}

func TestEnforceQuotaEvictsOldestOverMaxPoints(t *testing.T) {
	ctx := context.Background()
	b := openTestBuffer(t, 2, 0)
	metrics := json.RawMessage(`{}`)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := b.Enqueue(ctx, id, time.Now(), metrics, "device"); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Depth != 2 {
		t.Fatalf("expected quota to cap depth at maxPoints=2, got %d", m.Depth)
	}
	if m.EvictionsTotal != 3 {
		t.Fatalf("expected 3 evictions (5 inserted - 2 kept), got %d", m.EvictionsTotal)
	}
}

func TestDeleteRemovesAcknowledgedRows(t *testing.T) {
	ctx := context.Background()
	b := openTestBuffer(t, 100, time.Hour)
	metrics := json.RawMessage(`{}`)

	if err := b.Enqueue(ctx, "m1", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rows, err := b.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := b.Delete(ctx, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Depth != 0 {
		t.Fatalf("expected an empty buffer after delete, got depth=%d", m.Depth)
	}
}

func TestPruneDeletesOlderThanMaxAge(t *testing.T) {
	ctx := context.Background()
	b := openTestBuffer(t, 100, 0)
	metrics := json.RawMessage(`{}`)

	if err := b.Enqueue(ctx, "m1", time.Now(), metrics, "device"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := b.Prune(ctx, -time.Hour) // cutoff in the future relative to created_at
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected prune to remove the one row, got %d", n)
	}
}
