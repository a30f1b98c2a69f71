// Package client talks to a command server.
//
// A Client reads the hello banner on connect, then runs commands one at a
// time. While a command runs it relays the output channels to writers and
// answers the server's input requests from a reader.
//
//	c, err := client.Dial(ctx, "/run/user/1000/cmdserver.sock")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	status, err := c.RunCommand(ctx, []string{"status"}, client.Streams{
//		Stdin:  os.Stdin,
//		Stdout: os.Stdout,
//		Stderr: os.Stderr,
//	})
package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/frame"
)

// ErrUnsupported is returned when the server did not advertise a command.
var ErrUnsupported = errors.New("client: command not supported by server")

// ErrUnexpectedChannel is returned for a frame on a required channel the
// client does not understand. Unknown optional (lowercase) channels are
// skipped.
var ErrUnexpectedChannel = errors.New("client: unexpected channel")

// Hello is the parsed server banner.
type Hello struct {
	Capabilities []string
	Encoding     string
	Pid          int
	Pgid         int
	VersionHash  string
	// Fields holds every "key: value" line, including unknown ones.
	Fields map[string]string
}

// Has reports whether the server advertised capability name.
func (h Hello) Has(name string) bool {
	for _, c := range h.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ParseHello parses the banner payload.
func ParseHello(payload []byte) (Hello, error) {
	h := Hello{Fields: make(map[string]string)}
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return h, fmt.Errorf("malformed hello line %q", line)
		}
		h.Fields[key] = value
	}

	caps, ok := h.Fields["capabilities"]
	if !ok {
		return h, errors.New("hello lacks capabilities")
	}
	h.Capabilities = strings.Fields(caps)
	h.Encoding = h.Fields["encoding"]
	h.VersionHash = h.Fields["versionhash"]

	var err error
	if v, ok := h.Fields["pid"]; ok {
		if h.Pid, err = strconv.Atoi(v); err != nil {
			return h, fmt.Errorf("parse pid: %w", err)
		}
	}
	if v, ok := h.Fields["pgid"]; ok {
		if h.Pgid, err = strconv.Atoi(v); err != nil {
			return h, fmt.Errorf("parse pgid: %w", err)
		}
	}
	return h, nil
}

// Streams are the client-side ends of a command's standard streams. Nil
// writers discard; a nil Stdin reports end of input immediately. Stdin is
// never read ahead, so one reader can be shared by successive commands.
// Line requests read it a byte at a time unless it is an io.ByteReader.
type Streams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Debug  io.Writer
}

// Client is a connection to a command server. Commands on one Client are
// serialised.
type Client struct {
	mu    sync.Mutex
	conn  io.ReadWriteCloser
	r     *bufio.Reader
	hello Hello
}

// Dial connects to the Unix socket at addr and reads the banner.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection and reads the banner.
func New(conn io.ReadWriteCloser) (*Client, error) {
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	f, err := frame.ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if f.Channel != frame.ChannelOutput {
		return nil, fmt.Errorf("%w: hello on %s", ErrUnexpectedChannel, f.Channel)
	}
	if c.hello, err = ParseHello(f.Payload); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}
	return c, nil
}

// Hello returns the server banner.
func (c *Client) Hello() Hello {
	return c.hello
}

// Close closes the connection, ending the server session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RunCommand runs args on the server and returns the command status.
func (c *Client) RunCommand(ctx context.Context, args []string, s Streams) (int, error) {
	if !c.hello.Has("runcommand") {
		return 0, fmt.Errorf("%w: runcommand", ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.watch(ctx)()

	payload := strings.Join(args, "\x00")
	msg := make([]byte, 0, len("runcommand\n")+4+len(payload))
	msg = append(msg, "runcommand\n"...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(payload)))
	msg = append(msg, payload...)
	if _, err := c.conn.Write(msg); err != nil {
		return 0, c.ctxErr(ctx, fmt.Errorf("send runcommand: %w", err))
	}

	result, err := c.relay(s)
	if err != nil {
		return 0, c.ctxErr(ctx, err)
	}
	if len(result) != 4 {
		return 0, fmt.Errorf("result is %d bytes, want 4", len(result))
	}
	return int(int32(binary.BigEndian.Uint32(result))), nil
}

// GetEncoding asks the server for its text encoding.
func (c *Client) GetEncoding(ctx context.Context) (string, error) {
	if !c.hello.Has("getencoding") {
		return "", fmt.Errorf("%w: getencoding", ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.watch(ctx)()

	if _, err := io.WriteString(c.conn, "getencoding\n"); err != nil {
		return "", c.ctxErr(ctx, fmt.Errorf("send getencoding: %w", err))
	}
	result, err := c.relay(Streams{})
	if err != nil {
		return "", c.ctxErr(ctx, err)
	}
	return string(result), nil
}

// relay services frames until the result frame arrives.
func (c *Client) relay(s Streams) ([]byte, error) {
	for {
		ch, n, err := frame.ReadHeader(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}

		if ch.IsInput() {
			data, err := readInput(s.Stdin, ch, int(n))
			if err != nil {
				return nil, err
			}
			if err := frame.Write(c.conn, ch, data); err != nil {
				return nil, fmt.Errorf("reply on %s: %w", ch, err)
			}
			continue
		}

		payload, err := frame.ReadPayload(c.r, n)
		if err != nil {
			return nil, err
		}
		var dst io.Writer
		switch ch {
		case frame.ChannelResult:
			return payload, nil
		case frame.ChannelOutput:
			dst = s.Stdout
		case frame.ChannelError:
			dst = s.Stderr
		case frame.ChannelDebug:
			dst = s.Debug
		default:
			if ch >= 'A' && ch <= 'Z' {
				return nil, fmt.Errorf("%w: %s", ErrUnexpectedChannel, ch)
			}
		}
		if dst != nil {
			if _, err := dst.Write(payload); err != nil {
				return nil, fmt.Errorf("write %s: %w", ch, err)
			}
		}
	}
}

// readInput gathers up to size bytes for an input request: whatever one
// read returns on the raw channel, up to and including a newline on the
// line channel. Requests larger than channel.MaxChunkSize get a short
// reply, which the server treats like any partial read. An empty result
// means end of input.
func readInput(stdin io.Reader, ch frame.Channel, size int) ([]byte, error) {
	if stdin == nil || size == 0 {
		return nil, nil
	}
	if size > channel.MaxChunkSize {
		size = channel.MaxChunkSize
	}
	if ch == frame.ChannelLine {
		return readLine(stdin, size)
	}

	buf := make([]byte, size)
	for {
		got, err := stdin.Read(buf)
		if got > 0 {
			return buf[:got], nil
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
}

// readLine reads up to size bytes, stopping after a newline, without
// consuming anything beyond it.
func readLine(stdin io.Reader, size int) ([]byte, error) {
	readByte := func() (byte, error) {
		var one [1]byte
		_, err := io.ReadFull(stdin, one[:])
		return one[0], err
	}
	if br, ok := stdin.(io.ByteReader); ok {
		readByte = br.ReadByte
	}

	buf := make([]byte, 0, size)
	for len(buf) < size {
		b, err := readByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		buf = append(buf, b)
		if b == '\n' {
			break
		}
	}
	return buf, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watch unblocks connection I/O when ctx ends. The returned func stops
// watching and clears the deadline.
func (c *Client) watch(ctx context.Context) func() {
	d, ok := c.conn.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})
	return func() {
		if !stop() {
			_ = d.SetDeadline(time.Time{})
		}
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
