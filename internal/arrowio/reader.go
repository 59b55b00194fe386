package arrowio

import (
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Reader reassembles record batches from IPC message bytes fed in one
// wire frame at a time via Feed, using an in-process pipe so
// arrow-go's blocking ipc.Reader can consume them incrementally without
// the caller needing to buffer a whole stream up front.
type Reader struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	records chan arrow.Record
	errCh   chan error

	mu   sync.Mutex
	ipcr *ipc.Reader
}

// NewReader starts the background decode loop. Callers must call Feed
// for each message byte slice received over the wire, in order, then
// CloseFeed once the guest signals end of stream.
func NewReader(mem memory.Allocator) *Reader {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	pr, pw := io.Pipe()
	r := &Reader{
		pr:      pr,
		pw:      pw,
		records: make(chan arrow.Record, 4),
		errCh:   make(chan error, 1),
	}
	go r.run(mem)
	return r
}

func (r *Reader) run(mem memory.Allocator) {
	defer close(r.records)

	ipcr, err := ipc.NewReader(r.pr, ipc.WithAllocator(mem))
	if err != nil {
		r.errCh <- fmt.Errorf("arrowio: open ipc reader: %w", err)
		r.pr.CloseWithError(err)
		return
	}
	r.mu.Lock()
	r.ipcr = ipcr
	r.mu.Unlock()

	for ipcr.Next() {
		rec := ipcr.Record()
		rec.Retain()
		r.records <- rec
	}
	if err := ipcr.Err(); err != nil && err != io.EOF {
		r.errCh <- fmt.Errorf("arrowio: ipc stream: %w", err)
	}
}

// Feed delivers one IPC message's bytes (as received in a single
// wire.OpSchemaFrame or wire.OpRecordBatch payload) into the decode
// pipeline.
func (r *Reader) Feed(data []byte) error {
	_, err := r.pw.Write(data)
	if err != nil {
		return fmt.Errorf("arrowio: feed bytes: %w", err)
	}
	return nil
}

// CloseFeed signals end of stream; the decode loop drains and closes
// Records() afterward.
func (r *Reader) CloseFeed() error {
	return r.pw.Close()
}

// Records yields each decoded record batch in order. The channel closes
// once the stream ends or an unrecoverable error occurs — check Err()
// after it closes.
func (r *Reader) Records() <-chan arrow.Record {
	return r.records
}

// Schema returns the stream's schema, valid only after the first value
// (possibly the zero-row schema frame) has been read from Records().
func (r *Reader) Schema() *arrow.Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ipcr == nil {
		return nil
	}
	return r.ipcr.Schema()
}

// Err returns the terminal decode error, if any, after Records() closes.
func (r *Reader) Err() error {
	select {
	case err := <-r.errCh:
		return err
	default:
		return nil
	}
}
