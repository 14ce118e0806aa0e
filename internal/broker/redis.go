package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Broker backed by a Redis server.
type Redis struct {
	rdb *redis.Client
}

var _ Broker = (*Redis)(nil)

// NewRedis connects using a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("broker ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) QueuePush(ctx context.Context, queue string, payload []byte) error {
	return r.rdb.RPush(ctx, queue, payload).Err()
}

func (r *Redis) QueuePop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.rdb.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop on %s: malformed reply", queue)
	}
	return []byte(res[1]), nil
}

func (r *Redis) QueuePopNoWait(ctx context.Context, queue string) ([]byte, error) {
	res, err := r.rdb.LPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (r *Redis) StreamAdd(ctx context.Context, stream string, fields map[string]any) (string, error) {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
}

func (r *Redis) StreamRead(ctx context.Context, cursors map[string]string, block time.Duration, count int64) ([]StreamMessage, error) {
	streams := make([]string, 0, len(cursors)*2)
	ids := make([]string, 0, len(cursors))
	for s, id := range cursors {
		streams = append(streams, s)
		ids = append(ids, id)
	}
	streams = append(streams, ids...)

	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Block:   block,
		Count:   count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamMessage
	for _, xs := range res {
		for _, m := range xs.Messages {
			out = append(out, StreamMessage{Stream: xs.Stream, ID: m.ID, Values: stringValues(m.Values)})
		}
	}
	return out, nil
}

func (r *Redis) StreamTail(ctx context.Context, stream string, count int64) ([]StreamMessage, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, StreamMessage{Stream: stream, ID: msgs[i].ID, Values: stringValues(msgs[i].Values)})
	}
	return out, nil
}

func (r *Redis) StreamRange(ctx context.Context, stream, start, end string, count int64) ([]StreamMessage, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = r.rdb.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		msgs, err = r.rdb.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{Stream: stream, ID: m.ID, Values: stringValues(m.Values)})
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }

func stringValues(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}
