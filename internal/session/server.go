package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// DefaultEncoding is advertised when Config.Encoding is empty.
const DefaultEncoding = "UTF-8"

// State is the session state.
type State int

const (
	// StateGreeting is the initial state, before the hello banner is sent.
	StateGreeting State = iota
	// StateServing means the server is reading and dispatching commands.
	StateServing
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Server.
type Config struct {
	// Settings is the base configuration context. Each command gets a copy.
	Settings *settings.Settings

	// Encoding is the text encoding name advertised to clients.
	Encoding string

	// Executor runs runcommand invocations.
	Executor Executor

	// LogPath is the diagnostic sink: "-" for the debug channel, a file
	// path to append to, or empty to disable.
	LogPath string

	// Logger receives operational messages.
	Logger log.Logger

	// ChunkSize caps a single input request. Zero means channel.MaxChunkSize.
	ChunkSize int

	// VersionHash is advertised in the hello banner when non-empty.
	VersionHash string
}

type handlerFunc func(s *Server, ctx context.Context) error

// capabilities is the fixed command table. It is never mutated.
var capabilities = map[string]handlerFunc{
	"runcommand":  (*Server).runCommand,
	"getencoding": (*Server).getEncoding,
}

// Capabilities returns the supported command names in sorted order.
func Capabilities() []string {
	names := make([]string, 0, len(capabilities))
	for name := range capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server serves the command protocol on one connection.
type Server struct {
	cfg    Config
	id     string
	logger log.Logger

	client *bufio.Reader
	out    *channel.Writer

	cin     *channel.Input
	cout    *channel.Output
	cerr    *channel.Output
	cresult *channel.Output

	debug       zerolog.Logger
	debugCloser io.Closer

	cwd   string
	state State
}

// New creates a Server reading requests from in and writing frames to out.
// The working directory at construction time is restored after every
// command that changes it.
func New(cfg Config, in io.Reader, out io.Writer) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("%w: executor is required", domain.ErrInvalidConfig)
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.New()
	}
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultEncoding
	}
	cfg.Logger = log.OrNoop(cfg.Logger)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	client, ok := in.(*bufio.Reader)
	if !ok {
		client = bufio.NewReader(in)
	}
	w := channel.NewWriter(out)

	s := &Server{
		cfg:     cfg,
		id:      uuid.NewString(),
		logger:  cfg.Logger,
		client:  client,
		out:     w,
		cin:     channel.NewInput(client, w, frame.ChannelInput, channel.WithChunkSize(cfg.ChunkSize)),
		cout:    channel.NewOutput(w, frame.ChannelOutput),
		cerr:    channel.NewOutput(w, frame.ChannelError),
		cresult: channel.NewOutput(w, frame.ChannelResult),
		debug:   zerolog.Nop(),
		cwd:     cwd,
	}
	if err := s.openDebugSink(); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier used in log lines.
func (s *Server) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Server) State() State {
	return s.state
}

// Stderr returns the error channel, for reporting failures that escape Serve.
func (s *Server) Stderr() *channel.Output {
	return s.cerr
}

// Hello returns the banner text sent on connect.
func (s *Server) Hello() string {
	var b strings.Builder
	fmt.Fprintf(&b, "capabilities: %s\n", strings.Join(Capabilities(), " "))
	fmt.Fprintf(&b, "encoding: %s\n", s.cfg.Encoding)
	fmt.Fprintf(&b, "pid: %d", os.Getpid())
	if s.cfg.VersionHash != "" {
		fmt.Fprintf(&b, "\nversionhash: %s", s.cfg.VersionHash)
	}
	if pgid, err := unix.Getpgid(0); err == nil {
		fmt.Fprintf(&b, "\npgid: %d", pgid)
	}
	return b.String()
}

// Serve sends the hello banner and serves commands until the peer ends the
// session. It returns nil when the session ended normally, an error wrapping
// domain.ErrPeerDisconnected when the peer vanished mid-transfer, and an
// error wrapping domain.ErrProtocol when the peer broke the protocol.
func (s *Server) Serve(ctx context.Context) error {
	defer func() { s.state = StateClosed }()

	// the banner goes out in one frame
	if _, err := s.cout.WriteString(s.Hello()); err != nil {
		return wrapIO(err)
	}
	s.state = StateServing
	s.debug.Debug().Str("event", "hello").Msg("session started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := s.ServeOne(ctx)
		if err != nil {
			return err
		}
		if !more {
			s.debug.Debug().Str("event", "eof").Msg("session ended")
			return nil
		}
	}
}

// ServeOne reads and runs a single command. It reports false when the peer
// sent an empty line or closed the connection between commands.
func (s *Server) ServeOne(ctx context.Context) (bool, error) {
	line, err := s.client.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return false, nil
			}
			return false, fmt.Errorf("%w: eof inside command name %q", domain.ErrPeerDisconnected, line)
		}
		return false, wrapIO(err)
	}

	cmd := strings.TrimSuffix(line, "\n")
	if cmd == "" {
		return false, nil
	}

	handler, ok := capabilities[cmd]
	if !ok {
		s.logger.Warn("unknown command", log.String("session", s.id), log.String("command", cmd))
		// best effort: the peer may already be gone
		_, _ = fmt.Fprintf(s.cerr, "abort: unknown command %s\n", cmd)
		return false, fmt.Errorf("%w %s", domain.ErrUnknownCommand, cmd)
	}
	if err := handler(s, ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the diagnostic sink.
func (s *Server) Close() error {
	s.state = StateClosed
	if s.debugCloser != nil {
		err := s.debugCloser.Close()
		s.debugCloser = nil
		return err
	}
	return nil
}

// wrapIO maps transport failures that mean the peer went away onto
// domain.ErrPeerDisconnected and everything malformed onto domain.ErrProtocol.
func wrapIO(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPeerDisconnected), errors.Is(err, domain.ErrProtocol):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", domain.ErrPeerDisconnected, err)
	case errors.Is(err, channel.ErrUnexpectedChannel), errors.Is(err, channel.ErrOversizedReply),
		errors.Is(err, frame.ErrTruncatedHeader), errors.Is(err, frame.ErrTruncatedPayload):
		return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	default:
		return err
	}
}
