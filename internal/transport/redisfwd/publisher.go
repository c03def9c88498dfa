package redisfwd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/hush/internal/triage"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "hush:events"

// defaultMaxLen bounds the stream so an absent consumer cannot grow it forever.
const defaultMaxLen = 10000

// ErrInvalidEvent is returned for events that can never be published.
var ErrInvalidEvent = errors.New("invalid event for forwarding")

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher returns a publisher writing to stream on client.
func NewRedisPublisher(client redis.UniversalClient, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, stream string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisPublisher(client, stream), nil
}

// Stream returns the stream key.
func (p *RedisPublisher) Stream() string { return p.stream }

// Publish appends ev's raw fields to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, ev *triage.Event) error {
	if ev == nil || ev.ID == "" {
		return ErrInvalidEvent
	}
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: eventFields(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func eventFields(ev *triage.Event) map[string]any {
	return map[string]any{
		"id":                ev.ID,
		"source":            ev.Source,
		"title":             ev.Title,
		"body":              ev.Body,
		"sender":            ev.Sender,
		"conversation_hint": ev.ConversationHint,
		"origin_timestamp":  ev.OriginAt.UTC().Format(time.RFC3339Nano),
	}
}
