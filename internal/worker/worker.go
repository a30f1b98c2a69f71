// Package worker runs one command session inside a worker process and maps
// its outcome to a process exit status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"

	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/internal/session"
	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/log"
)

// Exit statuses of a worker process.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPanic   = 255
)

// ConnFD is the descriptor a supervisor hands the accepted connection on.
const ConnFD = 3

// Serve runs one session over in/out and returns the exit status. A panic
// anywhere in the session is written with its stack to the error channel
// and to stderr and reported as ExitPanic.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg session.Config) (code int) {
	logger := log.OrNoop(cfg.Logger)

	var srv *session.Server
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		trace := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		var stderr *channel.Output
		if srv != nil {
			stderr = srv.Stderr()
		} else {
			stderr = channel.NewOutput(channel.NewWriter(out), frame.ChannelError)
		}
		_, _ = stderr.WriteString(trace)
		_, _ = fmt.Fprint(os.Stderr, trace)
		logger.Error("worker panic", log.Pid(os.Getpid()), log.Any("panic", r))
		code = ExitPanic
	}()

	var err error
	srv, err = session.New(cfg, in, out)
	if err != nil {
		logger.Error("failed to create session", log.Err(err))
		stderr := channel.NewOutput(channel.NewWriter(out), frame.ChannelError)
		_, _ = fmt.Fprintf(stderr, "abort: %v\n", err)
		return ExitFailure
	}
	defer srv.Close()

	err = srv.Serve(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrPeerDisconnected):
		logger.Warn("peer disconnected", log.String("session", srv.ID()), log.Err(err))
		return ExitFailure
	default:
		logger.Error("session failed", log.String("session", srv.ID()), log.Err(err))
		return ExitFailure
	}
}

// ServeConn serves conn and closes it.
func ServeConn(ctx context.Context, conn net.Conn, cfg session.Config) int {
	defer conn.Close()
	return Serve(ctx, conn, conn, cfg)
}

// ServeInherited serves the connection passed on ConnFD.
func ServeInherited(ctx context.Context, cfg session.Config) int {
	f := os.NewFile(ConnFD, "cmdserver-conn")
	if f == nil {
		return ExitFailure
	}
	conn, err := net.FileConn(f)
	// FileConn dups the descriptor
	f.Close()
	if err != nil {
		log.OrNoop(cfg.Logger).Error("inherited descriptor is not a connection", log.Int("fd", ConnFD), log.Err(err))
		return ExitFailure
	}
	return ServeConn(ctx, conn, cfg)
}
