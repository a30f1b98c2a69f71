package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// SettingsSource labels values the server itself forces on each command.
const SettingsSource = "commandserver"

// statusAbort is reported when the executor or argument handling fails.
const statusAbort = 255

// runCommand reads a NUL-separated argument list, runs it against a private
// copy of the settings and writes the masked status on the result channel.
func (s *Server) runCommand(ctx context.Context) error {
	args, err := s.readList()
	if err != nil {
		return err
	}

	start := time.Now()
	status, err := s.execute(ctx, args)
	if err != nil {
		s.logger.Warn("command failed",
			log.String("session", s.id),
			log.Int("args", len(args)),
			log.Err(err),
		)
		if _, werr := fmt.Fprintf(s.cerr, "abort: %v\n", err); werr != nil {
			return wrapIO(werr)
		}
		status = statusAbort
	}

	ret := int32(status & 0xff)
	s.debug.Info().
		Str("command", "runcommand").
		Int("args", len(args)).
		Int32("status", ret).
		Dur("duration", time.Since(start)).
		Msg("command finished")

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(ret))
	if _, err := s.cresult.Write(buf[:]); err != nil {
		return wrapIO(err)
	}
	return nil
}

// execute prepares the per-command settings copy and working directory,
// then hands off to the executor. The session working directory is always
// restored before it returns.
func (s *Server) execute(ctx context.Context, args []string) (int, error) {
	opts := ParseGlobalOptions(args)

	cfg := s.cfg.Settings.Copy()
	// interaction must go through the server channels
	cfg.Set("ui", "nontty", "true", SettingsSource)
	for _, raw := range opts.Overrides {
		o, err := settings.ParseOverride(raw)
		if err != nil {
			return 0, err
		}
		o.Apply(cfg, "--config")
	}

	defer s.restoreCwd()
	dir := s.cwd
	if opts.Cwd != "" {
		if err := os.Chdir(opts.Cwd); err != nil {
			return 0, fmt.Errorf("change directory to %s: %w", opts.Cwd, err)
		}
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}

	req := &Request{
		Args:     args,
		Settings: cfg,
		Dir:      dir,
		Stdin:    s.cin,
		Stdout:   s.cout,
		Stderr:   s.cerr,
	}
	return s.cfg.Executor.Run(ctx, req)
}

func (s *Server) restoreCwd() {
	wd, err := os.Getwd()
	if err == nil && wd == s.cwd {
		return
	}
	if err := os.Chdir(s.cwd); err != nil {
		s.logger.Error("failed to restore working directory",
			log.String("session", s.id),
			log.String("dir", s.cwd),
			log.Err(err),
		)
	}
}

// getEncoding writes the session encoding name on the result channel.
func (s *Server) getEncoding(ctx context.Context) error {
	if _, err := s.cresult.WriteString(s.cfg.Encoding); err != nil {
		return wrapIO(err)
	}
	s.debug.Info().Str("command", "getencoding").Msg("command finished")
	return nil
}

// readList reads a uint32 length-prefixed string and splits it on NUL.
// An empty string is an empty list.
func (s *Server) readList() ([]string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.client, hdr[:]); err != nil {
		return nil, wrapIO(fmt.Errorf("read argument length: %w", unexpected(err)))
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return []string{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.client, buf); err != nil {
		return nil, wrapIO(fmt.Errorf("read %d argument bytes: %w", n, unexpected(err)))
	}
	return strings.Split(string(buf), "\x00"), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// GlobalOptions are the options the server itself interprets before a
// command runs.
type GlobalOptions struct {
	Cwd       string
	Overrides []string
	// Args is the argument list with the options above removed.
	Args []string
}

// ParseGlobalOptions picks --cwd and --config out of args. Both accept the
// "--flag value" and "--flag=value" forms; "--" ends option scanning.
func ParseGlobalOptions(args []string) GlobalOptions {
	opts := GlobalOptions{Args: make([]string, 0, len(args))}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			opts.Args = append(opts.Args, args[i:]...)
			break
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if name != "--cwd" && name != "--config" {
			opts.Args = append(opts.Args, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				opts.Args = append(opts.Args, arg)
				continue
			}
			i++
			value = args[i]
		}
		if name == "--cwd" {
			opts.Cwd = value
		} else {
			opts.Overrides = append(opts.Overrides, value)
		}
	}
	return opts
}
