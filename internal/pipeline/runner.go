// Package pipeline moves records from a source through the enricher to the
// emitter with a fixed pool of workers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gustycube/netenrich/internal/logging"
	"github.com/gustycube/netenrich/internal/metrics"
	"github.com/gustycube/netenrich/internal/queue"
	"github.com/gustycube/netenrich/internal/record"
)

// Enricher mutates a record in place.
type Enricher interface {
	Enrich(ctx context.Context, rec record.Record)
}

type Runner struct {
	enr    Enricher
	log    *logging.Logger
	active atomic.Int64
}

func New(enr Enricher, log *logging.Logger) *Runner {
	return &Runner{enr: enr, log: log}
}

// Active returns the number of workers currently processing a record.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Run starts workers that drain deliveries and send the enriched records
// to out. It returns once deliveries is closed and every worker is done, or
// the context ends. Workers never ack: each record leaves with its
// delivery's Ack, which the consumer of out calls once the record is
// written. Deliveries still buffered at cancellation are left unacked.
func (r *Runner) Run(ctx context.Context, deliveries <-chan queue.Delivery, out chan<- queue.Delivery, workers int) {
	if workers < 1 {
		workers = 1
	}
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				var d queue.Delivery
				select {
				case next, ok := <-deliveries:
					if !ok {
						return
					}
					d = next
				case <-ctx.Done():
					return
				}
				r.active.Add(1)
				body := r.Process(ctx, d.Body)
				r.active.Add(-1)
				select {
				case out <- queue.Delivery{Body: body, Ack: d.Ack}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

// Process enriches one raw record. Bodies that do not decode to an object
// are returned unchanged.
func (r *Runner) Process(ctx context.Context, body []byte) json.RawMessage {
	rec, err := record.Decode(body)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("undecodable").Inc()
		r.log.Debugw("passing through undecodable record", "err", err)
		return body
	}
	r.enr.Enrich(ctx, rec)
	b, err := json.Marshal(rec)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("encode_error").Inc()
		r.log.Warnw("re-encoding record", "err", err)
		return body
	}
	metrics.RecordsTotal.WithLabelValues("ok").Inc()
	return b
}

// Feed leases from src until it is exhausted or ctx ends, then closes out.
// Oversized lines are skipped. Other source errors are logged and retried
// after a pause.
func Feed(ctx context.Context, src queue.Source, out chan<- queue.Delivery, log *logging.Logger) {
	defer close(out)
	for {
		d, ok, err := src.Lease(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, queue.ErrClosed) {
			return
		}
		if errors.Is(err, queue.ErrOversized) {
			metrics.RecordsTotal.WithLabelValues("oversized").Inc()
			log.Warnw("skipping record", "err", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("lease failed", "err", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !ok {
			continue
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}
