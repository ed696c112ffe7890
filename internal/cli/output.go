package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// recordWriter writes one compact JSON object per line.
type recordWriter struct {
	w     *bufio.Writer
	buf   bytes.Buffer
	count int
}

func newRecordWriter(w io.Writer) *recordWriter {
	return &recordWriter{w: bufio.NewWriter(w)}
}

// Raw writes an already encoded record.
func (r *recordWriter) Raw(record json.RawMessage) error {
	r.buf.Reset()
	if err := json.Compact(&r.buf, record); err != nil {
		return fmt.Errorf("compact record: %w", err)
	}
	r.buf.WriteByte('\n')
	if _, err := r.w.Write(r.buf.Bytes()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	r.count++
	// Flush per record so a downstream pipe sees streamed exports immediately.
	return r.w.Flush()
}

// Value encodes v as one record.
func (r *recordWriter) Value(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return r.Raw(data)
}
