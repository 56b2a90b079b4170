// Package emit batches enriched records and ships them to stdout or to an
// HTTP ingest endpoint, spooling batches that could not be delivered.
package emit

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/metrics"
	"github.com/gustycube/netenrich/internal/output"
	"github.com/gustycube/netenrich/internal/queue"
)

// Batch is the body POSTed to the ingest endpoint and the spool file format.
type Batch struct {
	Records []json.RawMessage `json:"records"`
}

type Options struct {
	Ingest     string
	BatchMax   int
	FlushEvery time.Duration
	SpoolDir   string
	MTLSCert   string
	MTLSKey    string
	MTLSCA     string
	// Writer receives batches when Ingest is empty.
	Writer *output.Writer
	// MaxElapsed bounds the retries of one POST.
	MaxElapsed time.Duration
}

type Emitter struct {
	opts   Options
	client *http.Client
	mu     sync.Mutex
	acc    []json.RawMessage
	acks   []func() error
}

func NewEmitter(opts Options) (*Emitter, error) {
	if opts.BatchMax <= 0 {
		opts.BatchMax = 500
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 2 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Ingest == "" && opts.Writer == nil {
		w, err := output.NewStdoutWriter(string(output.FormatJSONL))
		if err != nil {
			return nil, err
		}
		opts.Writer = w
	}
	tlsCfg, err := clientTLS(opts.MTLSCert, opts.MTLSKey, opts.MTLSCA)
	if err != nil {
		return nil, err
	}
	if opts.SpoolDir != "" {
		if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("spool dir: %w", err)
		}
	}
	return &Emitter{
		opts:   opts,
		client: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}, Timeout: 20 * time.Second},
		acc:    make([]json.RawMessage, 0, opts.BatchMax),
	}, nil
}

func clientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Run accumulates records from in and flushes by size or timer. It returns
// once in is closed, after flushing what is left. Cancellation does not stop
// it: records already handed over are still written, so the producer must
// close in.
func (e *Emitter) Run(ctx context.Context, in <-chan queue.Delivery, log *zap.SugaredLogger) {
	t := time.NewTimer(e.opts.FlushEvery)
	defer t.Stop()
	done := ctx.Done()
	for {
		select {
		case d, ok := <-in:
			if !ok {
				e.flush(log)
				return
			}
			if e.append(d) >= e.opts.BatchMax {
				e.flush(log)
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(e.opts.FlushEvery)
			}
		case <-t.C:
			e.flush(log)
			t.Reset(e.opts.FlushEvery)
		case <-done:
			log.Debugw("emitter draining after cancellation")
			done = nil
		}
	}
}

func (e *Emitter) append(d queue.Delivery) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc = append(e.acc, d.Body)
	if d.Ack != nil {
		e.acks = append(e.acks, d.Ack)
	}
	return len(e.acc)
}

// flush writes, posts or spools the pending batch. The batch's deliveries
// are acked only when it was written, accepted or spooled; otherwise they
// stay leased and the queue redelivers them.
func (e *Emitter) flush(log *zap.SugaredLogger) {
	e.mu.Lock()
	if len(e.acc) == 0 {
		e.mu.Unlock()
		return
	}
	b := Batch{Records: e.acc}
	acks := e.acks
	e.acc = make([]json.RawMessage, 0, e.opts.BatchMax)
	e.acks = nil

	kept := true
	if e.opts.Ingest == "" {
		if err := e.opts.Writer.WriteRecords(b.Records); err != nil {
			log.Errorw("write batch", "err", err, "records", len(b.Records))
			metrics.BatchesTotal.WithLabelValues("write_failed").Inc()
			kept = false
		} else {
			metrics.BatchesTotal.WithLabelValues("written").Inc()
		}
	} else if err := e.post(b); err != nil {
		log.Warnw("ingest failed, spooling", "err", err, "records", len(b.Records))
		kept = e.spool(b, log)
	} else {
		metrics.BatchesTotal.WithLabelValues("sent").Inc()
	}
	e.mu.Unlock()

	if !kept {
		return
	}
	for _, ack := range acks {
		if err := ack(); err != nil {
			log.Warnw("ack failed", "err", err)
		}
	}
}

func (e *Emitter) post(b Batch) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(b); err != nil {
		return err
	}
	op := func() error {
		req, err := http.NewRequest(http.MethodPost, e.opts.Ingest, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("ingest rejected batch: %d", resp.StatusCode))
		}
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = e.opts.MaxElapsed
	return backoff.Retry(op, bo)
}

func (e *Emitter) spool(b Batch, log *zap.SugaredLogger) bool {
	if e.opts.SpoolDir == "" {
		log.Errorw("no spool dir, dropping batch", "records", len(b.Records))
		metrics.BatchesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	path := filepath.Join(e.opts.SpoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		log.Errorw("spool create", "err", err)
		metrics.BatchesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	if err := json.NewEncoder(f).Encode(b); err != nil {
		f.Close()
		os.Remove(path)
		log.Errorw("spool write", "err", err, "path", path)
		metrics.BatchesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		log.Errorw("spool close", "err", err, "path", path)
		metrics.BatchesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	metrics.BatchesTotal.WithLabelValues("spooled").Inc()
	return true
}

// Drain flushes the pending batch and resends spooled batches. Spool files
// that still cannot be delivered are kept for the next run.
func (e *Emitter) Drain(log *zap.SugaredLogger) {
	e.flush(log)
	if e.opts.Ingest == "" || e.opts.SpoolDir == "" {
		return
	}
	entries, _ := os.ReadDir(e.opts.SpoolDir)
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		p := filepath.Join(e.opts.SpoolDir, ent.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			log.Warnw("unreadable spool file", "path", p, "err", err)
			continue
		}
		if err := e.post(b); err != nil {
			log.Warnw("resend failed, keeping spool file", "path", p, "err", err)
			continue
		}
		_ = os.Remove(p)
		metrics.BatchesTotal.WithLabelValues("resent").Inc()
	}
}
