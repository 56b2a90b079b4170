package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/output"
	"github.com/gustycube/netenrich/internal/queue"
)

var nop = zap.NewNop().Sugar()

type ingest struct {
	mu      sync.Mutex
	batches []Batch
	status  atomic.Int32
	calls   atomic.Int32
}

func newIngest(t *testing.T) (*ingest, *httptest.Server) {
	in := &ingest{}
	in.status.Store(http.StatusAccepted)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in.calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		code := int(in.status.Load())
		if code < 300 {
			var b Batch
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			in.mu.Lock()
			in.batches = append(in.batches, b)
			in.mu.Unlock()
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return in, srv
}

func (in *ingest) records() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, b := range in.batches {
		n += len(b.Records)
	}
	return n
}

func feed(n int) chan queue.Delivery {
	ch, _ := feedAcked(n)
	return ch
}

// feedAcked returns n closed-over deliveries and the count of their acks.
func feedAcked(n int) (chan queue.Delivery, *atomic.Int32) {
	var acked atomic.Int32
	ch := make(chan queue.Delivery, n)
	for i := 0; i < n; i++ {
		ch <- queue.Delivery{
			Body: []byte(`{"source":{"ip":"10.0.0.1"}}`),
			Ack:  func() error { acked.Add(1); return nil },
		}
	}
	close(ch)
	return ch, &acked
}

func TestEmitter_StdoutWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := output.NewWriter("jsonl", &buf)
	require.NoError(t, err)
	e, err := NewEmitter(Options{BatchMax: 2, Writer: w})
	require.NoError(t, err)

	e.Run(context.Background(), feed(5), nop)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 5)
}

func TestEmitter_PostsBatches(t *testing.T) {
	in, srv := newIngest(t)
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 3, SpoolDir: t.TempDir()})
	require.NoError(t, err)

	e.Run(context.Background(), feed(7), nop)

	assert.Equal(t, 7, in.records())
	assert.Len(t, in.batches, 3)
}

func TestEmitter_FlushesOnTimer(t *testing.T) {
	in, srv := newIngest(t)
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 100, FlushEvery: 20 * time.Millisecond})
	require.NoError(t, err)

	ch := make(chan queue.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, ch, nop)

	ch <- queue.Delivery{Body: []byte(`{}`)}
	require.Eventually(t, func() bool { return in.records() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEmitter_AcksAfterWrite(t *testing.T) {
	in, srv := newIngest(t)
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 2})
	require.NoError(t, err)

	ch, acked := feedAcked(5)
	e.Run(context.Background(), ch, nop)

	assert.Equal(t, 5, in.records())
	assert.EqualValues(t, 5, acked.Load())
}

func TestEmitter_UndeliveredBatchIsNotAcked(t *testing.T) {
	in, srv := newIngest(t)
	in.status.Store(http.StatusBadRequest)
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 10})
	require.NoError(t, err)

	ch, acked := feedAcked(3)
	e.Run(context.Background(), ch, nop)

	assert.EqualValues(t, 0, acked.Load(), "dropped records must stay leased")
}

func TestEmitter_SpooledBatchIsAcked(t *testing.T) {
	in, srv := newIngest(t)
	in.status.Store(http.StatusBadRequest)
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 10, SpoolDir: t.TempDir()})
	require.NoError(t, err)

	ch, acked := feedAcked(3)
	e.Run(context.Background(), ch, nop)

	assert.EqualValues(t, 3, acked.Load())
}

func TestEmitter_CancellationStillWritesBufferedRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := output.NewWriter("jsonl", &buf)
	require.NoError(t, err)
	e, err := NewEmitter(Options{BatchMax: 100, FlushEvery: time.Hour, Writer: w})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, acked := feedAcked(5)
	done := make(chan struct{})
	go func() {
		e.Run(ctx, ch, nop)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its input closed")
	}

	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 5)
	assert.EqualValues(t, 5, acked.Load())
	assert.Empty(t, ch)
}

func TestEmitter_AckErrorDoesNotStop(t *testing.T) {
	var buf bytes.Buffer
	w, err := output.NewWriter("jsonl", &buf)
	require.NoError(t, err)
	e, err := NewEmitter(Options{BatchMax: 1, Writer: w})
	require.NoError(t, err)

	ch := make(chan queue.Delivery, 2)
	ch <- queue.Delivery{Body: []byte(`{"a":1}`), Ack: func() error { return errors.New("gone") }}
	ch <- queue.Delivery{Body: []byte(`{"b":2}`)}
	close(ch)
	e.Run(context.Background(), ch, nop)

	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", buf.String())
}

func TestEmitter_SpoolsAndDrains(t *testing.T) {
	in, srv := newIngest(t)
	in.status.Store(http.StatusServiceUnavailable)
	dir := t.TempDir()
	e, err := NewEmitter(Options{Ingest: srv.URL, BatchMax: 10, SpoolDir: dir, MaxElapsed: 500 * time.Millisecond})
	require.NoError(t, err)

	e.Run(context.Background(), feed(4), nop)

	files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	require.Len(t, files, 1)
	assert.Greater(t, in.calls.Load(), int32(1), "5xx should be retried")

	in.status.Store(http.StatusOK)
	e.Drain(nop)

	files, _ = filepath.Glob(filepath.Join(dir, "*.json"))
	assert.Empty(t, files)
	assert.Equal(t, 4, in.records())
}

func TestEmitter_RejectedBatchNotRetried(t *testing.T) {
	in, srv := newIngest(t)
	in.status.Store(http.StatusBadRequest)
	dir := t.TempDir()
	e, err := NewEmitter(Options{Ingest: srv.URL, SpoolDir: dir, MaxElapsed: time.Second})
	require.NoError(t, err)

	e.Run(context.Background(), feed(1), nop)

	assert.EqualValues(t, 1, in.calls.Load())
	files, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	assert.Len(t, files, 1)
}

func TestEmitter_DrainKeepsUndeliverable(t *testing.T) {
	in, srv := newIngest(t)
	in.status.Store(http.StatusBadGateway)
	dir := t.TempDir()
	spooled := filepath.Join(dir, "old.json")
	require.NoError(t, os.WriteFile(spooled, []byte(`{"records":[{"a":1}]}`), 0o644))

	e, err := NewEmitter(Options{Ingest: srv.URL, SpoolDir: dir, MaxElapsed: 20 * time.Millisecond})
	require.NoError(t, err)
	e.Drain(nop)

	_, err = os.Stat(spooled)
	assert.NoError(t, err)
}

func TestNewEmitter_BadCertificates(t *testing.T) {
	_, err := NewEmitter(Options{MTLSCert: "missing.pem", MTLSKey: "missing.key"})
	assert.Error(t, err)

	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o644))
	_, err = NewEmitter(Options{MTLSCA: ca})
	assert.Error(t, err)
}
