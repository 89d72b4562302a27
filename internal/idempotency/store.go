// Package idempotency caches a replayed response for the admin/operator
// mutation endpoints that accept an X-Idempotency-Key header (spec §6).
// Ingest's own dedupe is a separate mechanism (store.TelemetryStore's
// ClaimMessageIDs, keyed on device_id+message_id) and does not use this
// package. Adapted from control_plane/idempotency/store.go in the teacher
// repo — same Redis-backed, in-memory-fallback shape.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend matches the subset of a Redis client this package needs.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

type Store struct {
	backend Backend
	cache   sync.Map
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("idempotency: redis get %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > time.Hour {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, _ := json.Marshal(e)
		if err := s.backend.Set(ctx, key, string(bytes), 24*time.Hour); err != nil {
			log.Printf("idempotency: redis set %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
