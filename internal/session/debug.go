package session

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/frame"
)

// openDebugSink sets up the per-session diagnostic log. "-" writes JSON
// lines on the debug channel, any other non-empty value is a file opened
// for append.
func (s *Server) openDebugSink() error {
	switch s.cfg.LogPath {
	case "":
		return nil
	case "-":
		out := channel.NewOutput(s.out, frame.ChannelDebug)
		s.debug = zerolog.New(out).With().Timestamp().Str("session", s.id).Logger()
		return nil
	default:
		f, err := os.OpenFile(s.cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open debug log %s: %w", s.cfg.LogPath, err)
		}
		s.debug = zerolog.New(f).With().Timestamp().Str("session", s.id).Logger()
		s.debugCloser = f
		return nil
	}
}
