package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gustycube/netenrich/internal/logging"
	"github.com/gustycube/netenrich/internal/queue"
)

type publisher interface {
	publish(ctx context.Context, body []byte) error
	Close() error
}

type redisPublisher struct{ *queue.RedisQueue }

func (p redisPublisher) publish(ctx context.Context, body []byte) error {
	return p.Seed(ctx, body)
}

type natsPublisher struct {
	*queue.NATS
	subject string
}

func (p natsPublisher) publish(ctx context.Context, body []byte) error {
	return p.Publish(ctx, p.subject, body)
}

func main() {
	var file string
	var addr string
	var key string
	var natsURL string
	var subject string
	flag.StringVar(&file, "records", "-", "JSONL record file, - for stdin")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "netenrich:queue", "redis queue key")
	flag.StringVar(&natsURL, "nats", "", "NATS url; publishes to JetStream instead of Redis")
	flag.StringVar(&subject, "subject", "FLOWS.records", "JetStream subject")
	flag.Parse()

	var pub publisher
	if natsURL != "" {
		q, err := queue.NewNATS(queue.NATSOptions{URL: natsURL}, logging.Nop())
		if err != nil {
			fmt.Fprintln(os.Stderr, "nats:", err)
			os.Exit(1)
		}
		pub = natsPublisher{NATS: q, subject: subject}
	} else {
		q, err := queue.NewRedis(addr, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			os.Exit(1)
		}
		pub = redisPublisher{q}
	}
	defer pub.Close()

	src, err := queue.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer src.Close()

	ctx := context.Background()
	seeded, skipped := 0, 0
	for {
		d, ok, err := src.Lease(ctx)
		if err == io.EOF {
			break
		}
		if errors.Is(err, queue.ErrOversized) {
			fmt.Fprintln(os.Stderr, "skip:", err)
			skipped++
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		if !ok {
			continue
		}
		if err := pub.publish(ctx, d.Body); err != nil {
			fmt.Fprintln(os.Stderr, "skip:", err)
			skipped++
			continue
		}
		seeded++
	}
	fmt.Printf("seeded %d records (%d skipped)\n", seeded, skipped)
}
