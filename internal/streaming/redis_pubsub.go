package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher backs the pubsub ingest pipeline mode (spec §4.2.d) with
// go-redis/v9 channel publishing, matching the Publisher interface the
// teacher's LogPublisher also implements.
type RedisPublisher struct {
	client *redis.Client
	source string
}

func NewRedisPublisher(client *redis.Client, source string) *RedisPublisher {
	return &RedisPublisher{client: client, source: source}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    p.source,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, topic, raw).Err()
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

// RedisSubscriber drives handler for every message received on topic,
// until the context is cancelled or Unsubscribe is called.
type RedisSubscriber struct {
	client *redis.Client
}

func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{client: client}
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s redisSubscription) Unsubscribe() error { return s.pubsub.Close() }

func (s *RedisSubscriber) Subscribe(ctx context.Context, topic string, handler func(event Event)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				handler(event)
			}
		}
	}()

	return redisSubscription{pubsub: pubsub}, nil
}
