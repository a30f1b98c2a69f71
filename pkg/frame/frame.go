package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 5

// Channel identifies a logical stream multiplexed over the connection.
type Channel byte

// Channel tags used by the protocol.
const (
	// ChannelOutput carries standard output (server to client).
	ChannelOutput Channel = 'o'
	// ChannelError carries standard error (server to client).
	ChannelError Channel = 'e'
	// ChannelResult carries one result per command (server to client).
	ChannelResult Channel = 'r'
	// ChannelDebug carries the optional diagnostic log (server to client).
	ChannelDebug Channel = 'd'
	// ChannelInput requests raw input from the client.
	ChannelInput Channel = 'I'
	// ChannelLine requests line-oriented input from the client.
	ChannelLine Channel = 'L'
)

// String returns a printable name such as "<o-channel>".
func (c Channel) String() string {
	return fmt.Sprintf("<%c-channel>", byte(c))
}

// IsInput reports whether c is one of the request/response input channels.
func (c Channel) IsInput() bool {
	return c == ChannelInput || c == ChannelLine
}

var (
	// ErrTruncatedHeader is returned when fewer than HeaderSize bytes are
	// available where a header was expected.
	ErrTruncatedHeader = errors.New("frame: truncated header")

	// ErrTruncatedPayload is returned when the stream ends before the
	// announced payload length was read.
	ErrTruncatedPayload = errors.New("frame: truncated payload")
)

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Channel Channel
	Payload []byte
}

// EncodeHeader returns the five byte header for a frame on ch announcing
// length bytes of payload. Input requests are sent as a bare header.
func EncodeHeader(ch Channel, length uint32) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(ch)
	binary.BigEndian.PutUint32(hdr[1:], length)
	return hdr[:]
}

// Encode returns header and payload in a single buffer so the frame can be
// written with one Write call.
func Encode(ch Channel, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(ch)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader parses a fixed five byte header.
func DecodeHeader(b []byte) (Channel, uint32, error) {
	if len(b) < HeaderSize {
		return 0, 0, ErrTruncatedHeader
	}
	return Channel(b[0]), binary.BigEndian.Uint32(b[1:HeaderSize]), nil
}

// ReadHeader reads and decodes one header from r.
// A clean end of stream before any header byte is returned as io.EOF.
func ReadHeader(r io.Reader) (Channel, uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, ErrTruncatedHeader
		}
		return 0, 0, err
	}
	return DecodeHeader(hdr[:])
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	ch, length, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}
	payload, err := ReadPayload(r, length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Channel: ch, Payload: payload}, nil
}

// ReadPayload reads exactly length bytes from r.
func ReadPayload(r io.Reader, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: want %d bytes", ErrTruncatedPayload, length)
		}
		return nil, err
	}
	return payload, nil
}

// Write encodes payload on ch and writes it to w in a single call.
func Write(w io.Writer, ch Channel, payload []byte) error {
	_, err := w.Write(Encode(ch, payload))
	return err
}
