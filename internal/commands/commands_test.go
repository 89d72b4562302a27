package commands

import (
	"context"
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/store"
)

func newTestService() *Service {
	ms := store.NewMemoryStore()
	return NewService(ms.AsStore().Commands, 5*time.Minute)
}

func TestEnqueueSupersedesPriorPending(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	first, err := s.Enqueue(ctx, "dev-1", store.CommandPayload{OperationMode: store.OperationSleep}, 0)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := s.Enqueue(ctx, "dev-1", store.CommandPayload{OperationMode: store.OperationActive}, 0)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	pending, err := s.Poll(ctx, "dev-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if pending.ID != second.ID {
		t.Fatalf("expected the newer command %s pending, got %s", second.ID, pending.ID)
	}
	if pending.ID == first.ID {
		t.Fatalf("the prior command should have been superseded")
	}
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	cmd, err := s.Enqueue(ctx, "dev-1", store.CommandPayload{OperationMode: store.OperationActive}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := s.Ack(ctx, "dev-1", cmd.ID)
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if first.Status != store.CommandAcknowledged {
		t.Fatalf("expected acknowledged status, got %s", first.Status)
	}

	second, err := s.Ack(ctx, "dev-1", cmd.ID)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if second.Status != store.CommandAcknowledged || *second.AcknowledgedAt != *first.AcknowledgedAt {
		t.Fatalf("re-acking should be a no-op, got %+v vs %+v", first, second)
	}
}

func TestSummaryCountsOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	if _, err := s.Enqueue(ctx, "dev-1", store.CommandPayload{}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	count, nextExpiry, err := s.Summary(ctx, "dev-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if count != 1 || nextExpiry == nil {
		t.Fatalf("expected 1 pending command with an expiry, got count=%d expiry=%v", count, nextExpiry)
	}
}

func TestETagChangesWithNewCommand(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	empty, err := s.ETag(ctx, "dev-1")
	if err != nil {
		t.Fatalf("etag (no commands): %v", err)
	}
	if empty != "none" {
		t.Fatalf("expected sentinel etag for no pending commands, got %q", empty)
	}

	if _, err := s.Enqueue(ctx, "dev-1", store.CommandPayload{}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	after, err := s.ETag(ctx, "dev-1")
	if err != nil {
		t.Fatalf("etag (after enqueue): %v", err)
	}
	if after == empty {
		t.Fatalf("expected the etag to change once a command is pending")
	}
}
