package channel

import (
	"io"
	"sync"

	"github.com/bft-labs/cmdserver/pkg/frame"
)

type flusher interface {
	Flush() error
}

// Writer serialises frames onto one underlying stream. It is safe for
// concurrent use; every frame is written and flushed under a single lock so
// concurrent readers of the stream never observe a torn frame.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w. If w has a Flush method (such as *bufio.Writer) it is
// called after every frame.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes header and payload with one Write call and flushes.
func (w *Writer) WriteFrame(ch frame.Channel, payload []byte) error {
	return w.write(frame.Encode(ch, payload))
}

// WriteHeader writes a bare header, used for input requests.
func (w *Writer) WriteHeader(ch frame.Channel, length uint32) error {
	return w.write(frame.EncodeHeader(ch, length))
}

// Flush flushes the underlying stream if it buffers.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if f, ok := w.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Output is an io.Writer bound to one channel tag.
type Output struct {
	w  *Writer
	ch frame.Channel
}

// NewOutput binds w to ch.
func NewOutput(w *Writer, ch frame.Channel) *Output {
	return &Output{w: w, ch: ch}
}

// Write sends p as a single frame. Empty writes produce no frame.
func (o *Output) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := o.w.WriteFrame(o.ch, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString is a convenience wrapper around Write.
func (o *Output) WriteString(s string) (int, error) {
	return o.Write([]byte(s))
}

// Channel returns the tag this output writes to.
func (o *Output) Channel() frame.Channel {
	return o.ch
}

// Name returns a printable name such as "<o-channel>".
func (o *Output) Name() string {
	return o.ch.String()
}
