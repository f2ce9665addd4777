package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusflow/reactor/event"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisEventStore implements event.Store on top of Redis: each event is
// serialized as a JSON string under {prefix}:events:{id}, and up to three
// sorted sets — {prefix}:by-type:{type}, {prefix}:by-correlation:{cid}, and
// {prefix}:by-time — index it by timestamp so range and lookup queries
// avoid a full scan. The prefix defaults to "reactor".
type RedisEventStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// RedisEventStoreOptions configures a RedisEventStore.
type RedisEventStoreOptions struct {
	Client  redis.UniversalClient
	Prefix  string // key namespace, defaults to "reactor"
	Timeout time.Duration
}

// NewRedisEventStore constructs a RedisEventStore.
func NewRedisEventStore(opts RedisEventStoreOptions) (*RedisEventStore, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "reactor"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRedisOpTimeout
	}
	return &RedisEventStore{client: opts.Client, prefix: prefix, timeout: timeout}, nil
}

func (s *RedisEventStore) key(parts ...string) string {
	out := s.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// Ping verifies connectivity to the backing Redis deployment.
func (s *RedisEventStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// StoreEvent persists evt and updates the by-type, by-correlation, and
// by-time sorted-set indexes in a single pipeline.
func (s *RedisEventStore) StoreEvent(ctx context.Context, evt event.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	blob, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	score := float64(evt.Timestamp.UnixNano())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("events", evt.ID), blob, 0)
	pipe.ZAdd(ctx, s.key("by-type", evt.Type), redis.Z{Score: score, Member: evt.ID})
	pipe.ZAdd(ctx, s.key("by-time"), redis.Z{Score: score, Member: evt.ID})
	if cid := evt.CorrelationID(); cid != "" {
		pipe.ZAdd(ctx, s.key("by-correlation", cid), redis.Z{Score: score, Member: evt.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ByType returns every stored event of the given type, oldest first.
func (s *RedisEventStore) ByType(ctx context.Context, eventType string) ([]event.Event, error) {
	return s.collectByIndex(ctx, s.key("by-type", eventType))
}

// ByCorrelationID returns every stored event sharing the given correlation
// id, oldest first.
func (s *RedisEventStore) ByCorrelationID(ctx context.Context, correlationID string) ([]event.Event, error) {
	return s.collectByIndex(ctx, s.key("by-correlation", correlationID))
}

// Between returns every stored event with Timestamp in [from, to], ordered
// by timestamp ascending.
func (s *RedisEventStore) Between(ctx context.Context, from, to time.Time) ([]event.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.client.ZRangeByScore(ctx, s.key("by-time"), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, ids)
}

func (s *RedisEventStore) collectByIndex(ctx context.Context, indexKey string) ([]event.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, ids)
}

func (s *RedisEventStore) fetchAll(ctx context.Context, ids []string) ([]event.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("events", id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *RedisEventStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
