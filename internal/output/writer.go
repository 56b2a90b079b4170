package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gustycube/netenrich/internal/record"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// DefaultColumns are the CSV columns written when none are configured.
var DefaultColumns = []string{
	"@timestamp",
	"network.direction",
	"source.ip",
	"source.segment.name",
	"source.device.name",
	"destination.ip",
	"destination.port",
	"destination.segment.name",
	"destination.device.name",
	"destination.device.service",
	"network.name",
	"related.site",
}

// Writer handles formatted output
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	columns   []string
	mu        sync.Mutex
	hasHeader bool
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	var f Format
	switch strings.ToLower(format) {
	case "json":
		f = FormatJSON
	case "jsonl", "ndjson", "":
		f = FormatJSONL
	case "csv":
		f = FormatCSV
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	writer := &Writer{
		format:  f,
		w:       w,
		columns: DefaultColumns,
	}

	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}

	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

// SetColumns replaces the CSV column paths. It has no effect once the header
// has been written.
func (w *Writer) SetColumns(cols []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(cols) > 0 && !w.hasHeader {
		w.columns = cols
	}
}

// WriteRecords writes one batch of encoded records
func (w *Writer) WriteRecords(recs []json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(recs)

	case FormatJSONL:
		var buf bytes.Buffer
		for _, r := range recs {
			// compact so each record stays on one line
			if err := json.Compact(&buf, r); err != nil {
				buf.Write(bytes.ReplaceAll(r, []byte("\n"), nil))
			}
			buf.WriteByte('\n')
		}
		_, err := w.w.Write(buf.Bytes())
		return err

	case FormatCSV:
		return w.writeCSV(recs)

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

func (w *Writer) writeCSV(recs []json.RawMessage) error {
	if !w.hasHeader {
		if err := w.csvWriter.Write(w.columns); err != nil {
			return err
		}
		w.hasHeader = true
	}

	row := make([]string, len(w.columns))
	for _, raw := range recs {
		rec, err := record.Decode(raw)
		if err != nil {
			// undecodable records have no columns to project
			continue
		}
		for i, col := range w.columns {
			row[i] = cell(rec, col)
		}
		if err := w.csvWriter.Write(row); err != nil {
			return err
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

// cell renders a field; multi-valued fields are joined with "|".
func cell(rec record.Record, path string) string {
	if s := rec.String(path); s != "" {
		return s
	}
	return strings.Join(rec.Strings(path), "|")
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	}
	return nil
}
