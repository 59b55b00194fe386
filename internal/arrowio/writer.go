// Package arrowio streams Arrow IPC schema messages and record batches
// between the worker host and its guest subprocess, one wire.Frame per
// IPC message rather than tunneling a raw byte stream: the guest's
// Arrow writer output is split into discrete messages (schema, then one
// per record batch) and each is carried as the payload of a
// wire.OpSchemaFrame / wire.OpRecordBatch frame, giving the host a
// frame-at-a-time boundary to validate against the locked contract
// before committing to write any of a batch's rows.
package arrowio

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Writer incrementally serializes record batches to the Arrow IPC stream
// format and exposes each IPC message as a standalone byte slice, so the
// caller can ship it as one wire frame. It is not safe for concurrent use.
type Writer struct {
	schema  *arrow.Schema
	buf     *bytes.Buffer
	ipcw    *ipc.Writer
	lastLen int
}

// NewWriter prepares a writer for schema. Call SchemaFrame once before
// any BatchFrame calls.
func NewWriter(schema *arrow.Schema) *Writer {
	buf := &bytes.Buffer{}
	return &Writer{
		schema: schema,
		buf:    buf,
		ipcw:   ipc.NewWriter(buf, ipc.WithSchema(schema)),
	}
}

func (w *Writer) flushNew() []byte {
	b := w.buf.Bytes()
	out := make([]byte, len(b)-w.lastLen)
	copy(out, b[w.lastLen:])
	w.lastLen = len(b)
	return out
}

// SchemaFrame writes a zero-row record to force the Arrow writer to emit
// the schema message and returns the bytes written: the schema message
// followed by the zero-row record batch message.
func (w *Writer) SchemaFrame() ([]byte, error) {
	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, w.schema)
	defer rb.Release()
	rec := rb.NewRecord()
	defer rec.Release()

	if err := w.ipcw.Write(rec); err != nil {
		return nil, fmt.Errorf("arrowio: write schema frame: %w", err)
	}
	return w.flushNew(), nil
}

// BatchFrame serializes rec as the next record batch message.
func (w *Writer) BatchFrame(rec arrow.Record) ([]byte, error) {
	if err := w.ipcw.Write(rec); err != nil {
		return nil, fmt.Errorf("arrowio: write record batch: %w", err)
	}
	return w.flushNew(), nil
}

// Close finalizes the stream (end-of-stream marker) and returns any
// trailing bytes that must still be shipped as a final frame.
func (w *Writer) Close() ([]byte, error) {
	if err := w.ipcw.Close(); err != nil {
		return nil, fmt.Errorf("arrowio: close ipc writer: %w", err)
	}
	return w.flushNew(), nil
}
