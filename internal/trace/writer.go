package trace

import (
	"bufio"
	"fmt"
	"io"
)

// Writer appends steps to a trace stream.
type Writer struct {
	w     *bufio.Writer
	hdr   Header
	buf   []byte
	steps uint64
}

// NewWriter writes h to w and returns a writer for the step records.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if err := h.Write(bw); err != nil {
		return nil, err
	}
	return &Writer{w: bw, hdr: h}, nil
}

// WriteStep appends one record.
func (w *Writer) WriteStep(s Step) error {
	var err error
	w.buf, err = encodeRecord(w.buf[:0], s, w.hdr)
	if err != nil {
		return fmt.Errorf("step %d: %w", w.steps, err)
	}
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write step %d: %w", w.steps, err)
	}
	w.steps++
	return nil
}

// Steps returns the number of records written.
func (w *Writer) Steps() uint64 { return w.steps }

// Flush writes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
