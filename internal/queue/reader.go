package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

const maxLine = 4 * 1024 * 1024

// ErrOversized reports a line longer than the reader accepts. The line is
// skipped whole and the reader stays usable.
var ErrOversized = errors.New("record line too long")

// Reader is a Source over newline-delimited JSON.
type Reader struct {
	br     *bufio.Reader
	closer io.Closer
	max    int
	line   int
}

func NewReader(r io.Reader) *Reader {
	rd := &Reader{br: bufio.NewReaderSize(r, 64*1024), max: maxLine}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open reads from path, or from stdin when path is "-" or empty.
func Open(path string) (*Reader, error) {
	if path == "" || path == "-" {
		rd := NewReader(os.Stdin)
		rd.closer = nil
		return rd, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return NewReader(f), nil
}

func (r *Reader) Lease(ctx context.Context) (Delivery, bool, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, false, err
	}
	line, err := r.readLine()
	if err != nil {
		return Delivery{}, false, err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Delivery{}, false, nil
	}
	return Delivery{Body: line, Ack: noAck}, true, nil
}

// readLine returns the next line in a fresh slice. A line over r.max is
// consumed up to its newline and reported as ErrOversized.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	size, oversized, read := 0, false, false
	for {
		chunk, err := r.br.ReadSlice('\n')
		read = read || len(chunk) > 0
		size += len(chunk)
		switch {
		case oversized:
		case size > r.max:
			oversized, buf = true, nil
		default:
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && read) {
			return nil, err
		}
		r.line++
		if oversized {
			return nil, fmt.Errorf("%w: line %d has %d bytes, limit %d", ErrOversized, r.line, size, r.max)
		}
		return buf, nil
	}
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
