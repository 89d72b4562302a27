package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestStoreSetThenGetInMemoryFallback(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Fatalf("expected a miss for a key never set")
	}

	resp := Response{StatusCode: 201, Body: []byte(`{"device_id":"dev-1"}`), Headers: map[string][]string{"Content-Type": {"application/json"}}}
	s.Set(ctx, "key-1", resp)

	got, ok := s.Get(ctx, "key-1")
	if !ok {
		t.Fatalf("expected a hit for a previously set key")
	}
	if got.StatusCode != 201 || string(got.Body) != string(resp.Body) {
		t.Fatalf("replayed response mismatch: got %+v, want %+v", got, resp)
	}
}

type fakeBackend struct {
	data map[string]string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: map[string]string{}} }

func (f *fakeBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) (string, error) {
	return f.data[key], nil
}

func TestStoreSetThenGetWithBackend(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(backend)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Fatalf("expected a miss for a key never set")
	}

	resp := Response{StatusCode: 202, Body: []byte(`{"accepted":true}`)}
	s.Set(ctx, "key-1", resp)

	got, ok := s.Get(ctx, "key-1")
	if !ok {
		t.Fatalf("expected a hit for a previously set key via the backend")
	}
	if got.StatusCode != 202 {
		t.Fatalf("replayed response mismatch: got %+v", got)
	}
}
