package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis shares claims between processes with SET NX.
type Redis struct {
	cli        redis.UniversalClient
	prefix     string
	ttl        time.Duration
	log        *zap.SugaredLogger
	errorCount atomic.Int64
}

func NewRedis(addr string, ttl time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, err
	}
	return NewRedisWithClient(cli, ttl, log), nil
}

func NewRedisWithClient(cli redis.UniversalClient, ttl time.Duration, log *zap.SugaredLogger) *Redis {
	return &Redis{cli: cli, prefix: "netenrich:claim:", ttl: ttl, log: log}
}

// Claim grants the key when Redis fails, leaving fuzzy matching as the
// remaining guard against duplicates.
func (r *Redis) Claim(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		if n := r.errorCount.Add(1); n%100 == 1 { // Log every 100th error to avoid spam
			r.log.Warnw("redis claim error", "count", n, "err", err)
		}
		return true
	}
	return ok
}

// Ping reports whether Redis answers; used by the health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.cli.Close() }
