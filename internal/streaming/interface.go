// Package streaming carries over control_plane/streaming/interface.go's
// Publisher/Subscriber shape unchanged, backing it with Redis Pub/Sub for
// EdgeWatch's pubsub ingest pipeline mode (spec §4.2.d) instead of the
// teacher's log-only stub.
package streaming

import (
	"context"
	"time"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
