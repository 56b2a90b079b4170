// Package queue provides the inbound record sources: a JSONL stream, a Redis
// list with lease/ack semantics and a NATS JetStream pull consumer.
package queue

import (
	"context"
	"errors"
)

// Delivery is one raw record body. Ack is called once the record has been
// handed downstream; it may be nil.
type Delivery struct {
	Body []byte
	Ack  func() error
}

// Source yields deliveries. Lease returns ok=false when nothing arrived
// before its internal poll timeout, and io.EOF once a finite source is
// exhausted. Lease is called from a single goroutine.
type Source interface {
	Lease(ctx context.Context) (d Delivery, ok bool, err error)
	Close() error
}

var ErrClosed = errors.New("queue: source closed")

func noAck() error { return nil }
