package output

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// Writer outputs JSONL records for one experiment stream.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteSnapshot(ctx context.Context, rec *experiment.Record) error
	WriteProgress(ctx context.Context, prog *ProgressRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex to ensure atomic line writes (no
// interleaved output).
type JSONLWriter struct {
	w            io.Writer
	experimentID string
	now          func() time.Time
	mu           sync.Mutex

	closed bool
}

func NewJSONLWriter(w io.Writer, experimentID string) *JSONLWriter {
	return &JSONLWriter{
		w:            w,
		experimentID: experimentID,
		now:          time.Now,
	}
}

func (jw *JSONLWriter) WriteSnapshot(ctx context.Context, rec *experiment.Record) error {
	return jw.writeRecord(ctx, TypeSnapshot, rec)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:         recordType,
		TS:           jw.now().UTC(),
		ExperimentID: jw.experimentID,
		Data:         dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Stream consumes a monitor sequence and writes one line per update:
// full snapshots when verbose, progress records otherwise. The terminal
// update is followed by a summary; a sequence error is written as an error
// record and returned.
func Stream(ctx context.Context, w Writer, seq iter.Seq2[*experiment.Record, error], verbose bool) (*experiment.Record, error) {
	var (
		last    *experiment.Record
		updates int64
		seqErr  error
	)
	for rec, err := range seq {
		if err != nil {
			seqErr = err
			if werr := w.WriteError(ctx, ErrorRecordFrom(err)); werr != nil {
				return last, werr
			}
			break
		}
		updates++
		last = rec
		if verbose {
			err = w.WriteSnapshot(ctx, rec)
		} else {
			err = w.WriteProgress(ctx, ProgressFrom(rec))
		}
		if err != nil {
			return last, err
		}
	}
	if seqErr != nil {
		return last, seqErr
	}
	if last != nil && last.Status.Terminal() {
		if err := w.WriteSummary(ctx, SummaryFrom(last, updates)); err != nil {
			return last, err
		}
	}
	return last, nil
}

var _ Writer = (*JSONLWriter)(nil)
