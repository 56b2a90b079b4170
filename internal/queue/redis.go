package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue leases records from a Redis list. A leased item sits on the
// processing list until acked, so a crashed worker's records can be
// recovered with Recover.
type RedisQueue struct {
	cli      redis.UniversalClient
	queueKey string
	procKey  string
	poll     time.Duration
}

type item struct {
	Record  json.RawMessage `json:"record"`
	TS      int64           `json:"ts"`
	Attempt int             `json:"attempt"`
}

func NewRedis(addr, key string) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis queue ping: %w", err)
	}
	return NewRedisWithClient(cli, key), nil
}

func NewRedisWithClient(cli redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", poll: 5 * time.Second}
}

func (q *RedisQueue) Lease(ctx context.Context) (Delivery, bool, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.poll).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil || len(it.Record) == 0 {
		// not one of ours; drop it from the processing list
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return Delivery{}, false, fmt.Errorf("malformed queue item: %.64q", res)
	}
	ack := func() error {
		actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return q.cli.LRem(actx, q.procKey, 1, res).Err()
	}
	return Delivery{Body: it.Record, Ack: ack}, true, nil
}

// Seed pushes a raw record onto the queue.
func (q *RedisQueue) Seed(ctx context.Context, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("seed: invalid JSON record")
	}
	b, err := json.Marshal(item{Record: body, TS: time.Now().UTC().Unix()})
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, b).Err()
}

// Recover moves every unacked item back onto the queue and returns how many
// were moved. Run it before starting workers.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, q.procKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Len returns the number of queued items.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.cli.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.cli.Close()
}
