package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends events to a Redis stream with XADD. Consumers read with
// consumer groups and deduplicate on the event_id field.
type RedisSink struct {
	client *redis.Client
	stream string
}

var _ Sink = (*RedisSink)(nil)

// RedisOptions configure a [RedisSink].
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Stream is the stream key events are appended to. Defaults to
	// "voxwire:events".
	Stream string
}

// NewRedisSink connects to Redis and verifies the connection with a ping.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	if opts.Stream == "" {
		opts.Stream = "voxwire:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: ping %s: %w", opts.Addr, err)
	}
	return &RedisSink{client: client, stream: opts.Stream}, nil
}

// Publish appends the event to the stream. Redis assigns the entry ID, so
// stream order is delivery order.
func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	values := map[string]any{
		"topic":    e.Topic,
		"key":      e.Key,
		"event_id": e.EventID,
		"payload":  e.Payload,
	}
	for k, v := range e.Headers {
		values["hdr:"+k] = v
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("redis sink: xadd %s: %w", s.stream, err)
	}
	return nil
}

// Ping checks broker connectivity, for readiness probes.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
