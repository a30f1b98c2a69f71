package cmdserver

import (
	"context"

	"github.com/bft-labs/cmdserver/internal/session"
	"github.com/bft-labs/cmdserver/internal/worker"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// Executor runs one command for a session and returns its status.
type Executor = session.Executor

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc = session.ExecutorFunc

// Request is one command handed to an Executor.
type Request = session.Request

// Worker exit statuses.
const (
	ExitOK      = worker.ExitOK
	ExitFailure = worker.ExitFailure
	ExitPanic   = worker.ExitPanic
)

// WorkerConfig configures the session a worker process serves.
type WorkerConfig struct {
	// Executor runs commands. Required.
	Executor Executor

	// Settings is the base configuration every command gets a copy of.
	Settings *settings.Settings

	// Encoding is advertised in the hello banner. Default: UTF-8.
	Encoding string

	// LogPath selects the per-session diagnostic sink: "-" for the debug
	// channel, a file path to append to, or empty for none.
	LogPath string

	// VersionHash is advertised in the hello banner when set.
	VersionHash string

	Logger log.Logger
}

func (c WorkerConfig) session() session.Config {
	return session.Config{
		Settings:    c.Settings,
		Encoding:    c.Encoding,
		Executor:    c.Executor,
		LogPath:     c.LogPath,
		Logger:      c.Logger,
		VersionHash: c.VersionHash,
	}
}

// RunWorker serves the connection a Server handed to this process and
// returns the process exit status. Programs embedding a Server call it
// from the subcommand named by Config.WorkerArgs.
func RunWorker(ctx context.Context, cfg WorkerConfig) int {
	return worker.ServeInherited(ctx, cfg.session())
}

// RunPipe serves a single session over the process's stdin and stdout and
// returns the exit status.
func RunPipe(ctx context.Context, cfg WorkerConfig) (int, error) {
	return worker.ServePipe(ctx, cfg.session())
}
