package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSOptions configures the JetStream source.
type NATSOptions struct {
	URL      string
	Stream   string
	Consumer string
	// Subject filters the consumer; defaults to "<stream>.>".
	Subject   string
	Batch     int
	FetchWait time.Duration
}

// NATS reads records from a durable JetStream pull consumer. Messages are
// acked once handed downstream; unacked ones are redelivered after AckWait.
type NATS struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	opts    NATSOptions
	pending []*nats.Msg
	log     *zap.SugaredLogger
}

func NewNATS(opts NATSOptions, log *zap.SugaredLogger) (*NATS, error) {
	if opts.Subject == "" {
		opts.Subject = opts.Stream + ".>"
	}
	if opts.Batch <= 0 {
		opts.Batch = 10
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 5 * time.Second
	}
	nc, err := nats.Connect(opts.URL, nats.Name("netenrich"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	q := &NATS{nc: nc, js: js, opts: opts, log: log}
	if opts.Consumer == "" {
		// publish-only
		return q, nil
	}
	if err := q.ensureConsumer(); err != nil {
		nc.Close()
		return nil, err
	}
	q.sub, err = js.PullSubscribe(opts.Subject, opts.Consumer, nats.Bind(opts.Stream, opts.Consumer))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	return q, nil
}

func (q *NATS) ensureConsumer() error {
	_, err := q.js.ConsumerInfo(q.opts.Stream, q.opts.Consumer)
	if err == nil {
		q.log.Infow("using existing consumer", "stream", q.opts.Stream, "consumer", q.opts.Consumer)
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info: %w", err)
	}
	_, err = q.js.AddConsumer(q.opts.Stream, &nats.ConsumerConfig{
		Durable:       q.opts.Consumer,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: q.opts.Subject,
		Description:   "netenrich record consumer",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("add consumer: %w", err)
	}
	q.log.Infow("created consumer", "stream", q.opts.Stream, "consumer", q.opts.Consumer)
	return nil
}

func (q *NATS) Lease(ctx context.Context) (Delivery, bool, error) {
	if q.sub == nil {
		return Delivery{}, false, ErrClosed
	}
	if len(q.pending) == 0 {
		fetchCtx, cancel := context.WithTimeout(ctx, q.opts.FetchWait)
		msgs, err := q.sub.Fetch(q.opts.Batch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, false, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				return Delivery{}, false, nil
			}
			return Delivery{}, false, fmt.Errorf("fetch: %w", err)
		}
		q.pending = msgs
	}
	if len(q.pending) == 0 {
		return Delivery{}, false, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return Delivery{Body: msg.Data, Ack: func() error { return msg.Ack() }}, true, nil
}

// Publish sends a raw record to subject, which must fall under the stream.
func (q *NATS) Publish(ctx context.Context, subject string, body []byte) error {
	_, err := q.js.Publish(subject, body, nats.Context(ctx))
	return err
}

func (q *NATS) Ping(context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("nats: %v", q.nc.Status())
	}
	return nil
}

func (q *NATS) Close() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
		q.sub = nil
	}
	return q.nc.Drain()
}
