package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bft-labs/cmdserver/pkg/frame"
)

// MaxChunkSize is the default upper bound on a single input request.
const MaxChunkSize = 4 * 1024

var (
	// ErrUnexpectedChannel is returned when the peer answers an input
	// request on a different channel than the one that was requested.
	ErrUnexpectedChannel = errors.New("channel: reply on unexpected channel")

	// ErrOversizedReply is returned when the peer sends more bytes than
	// were requested.
	ErrOversizedReply = errors.New("channel: reply larger than requested")
)

// Input reads data from the peer on demand.
type Input struct {
	in    io.Reader
	out   *Writer
	ch    frame.Channel
	chunk int
}

// InputOption configures an Input.
type InputOption func(*Input)

// WithChunkSize overrides the per-request cap. Values below 1 are ignored.
func WithChunkSize(n int) InputOption {
	return func(i *Input) {
		if n > 0 {
			i.chunk = n
		}
	}
}

// NewInput creates an Input that writes requests to out on ch and reads the
// replies from in. Line reads always use frame.ChannelLine.
func NewInput(in io.Reader, out *Writer, ch frame.Channel, opts ...InputOption) *Input {
	i := &Input{
		in:    in,
		out:   out,
		ch:    ch,
		chunk: MaxChunkSize,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Read implements io.Reader. It asks the peer for at most len(p) bytes,
// capped at the chunk size, and returns io.EOF when the peer reports end of
// input.
func (i *Input) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := i.request(i.ch, i.capped(len(p)))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

// ReadN returns up to size bytes. A negative size reads until the peer
// reports end of input, one chunk at a time.
func (i *Input) ReadN(size int) ([]byte, error) {
	if size >= 0 {
		return i.request(i.ch, i.capped(size))
	}

	var buf bytes.Buffer
	for {
		data, err := i.request(i.ch, i.chunk)
		if err != nil {
			return buf.Bytes(), err
		}
		if len(data) == 0 {
			return buf.Bytes(), nil
		}
		buf.Write(data)
	}
}

// ReadLine returns up to size bytes from the line channel. A negative size
// keeps requesting chunks until a reply ends in a newline or the peer
// reports end of input.
func (i *Input) ReadLine(size int) ([]byte, error) {
	if size >= 0 {
		return i.request(frame.ChannelLine, i.capped(size))
	}

	var buf bytes.Buffer
	for {
		data, err := i.request(frame.ChannelLine, i.chunk)
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(data)
		if len(data) == 0 || data[len(data)-1] == '\n' {
			return buf.Bytes(), nil
		}
	}
}

// Channel returns the tag used for raw reads.
func (i *Input) Channel() frame.Channel {
	return i.ch
}

// Name returns a printable name such as "<I-channel>".
func (i *Input) Name() string {
	return i.ch.String()
}

func (i *Input) capped(n int) int {
	if n > i.chunk {
		return i.chunk
	}
	return n
}

// request performs one request/reply turn. A zero-length reply is end of
// input and yields an empty, non-nil slice.
func (i *Input) request(ch frame.Channel, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if err := i.out.WriteHeader(ch, uint32(size)); err != nil {
		return nil, fmt.Errorf("request %d bytes on %s: %w", size, ch, err)
	}

	got, length, err := frame.ReadHeader(i.in)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read reply on %s: %w", ch, err)
	}
	if got != ch {
		return nil, fmt.Errorf("%w: requested %s, got %s", ErrUnexpectedChannel, ch, got)
	}
	if int(length) > size {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrOversizedReply, size, length)
	}

	payload, err := frame.ReadPayload(i.in, length)
	if err != nil {
		return nil, fmt.Errorf("read reply on %s: %w", ch, err)
	}
	return payload, nil
}
