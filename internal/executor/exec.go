// Package executor provides session.Executor implementations.
//
// [Exec] runs an external program once per command, streaming its output
// onto the session channels. [Builtin] serves a small fixed command set
// in-process and is used when no program is configured.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/bft-labs/cmdserver/internal/session"
	"github.com/bft-labs/cmdserver/pkg/log"
)

// waitDelay bounds how long output copying may outlive a killed program.
const waitDelay = 2 * time.Second

// EnvPrefix prefixes the settings exported to an executed program.
const EnvPrefix = "CMDSERVER_CONFIG_"

// Exec runs Path with the command's arguments.
type Exec struct {
	// Path is the program to run.
	Path string

	// ForwardStdin connects the program's stdin to the client's input
	// channel. The client must then answer input requests until it reports
	// end of input, or the command never completes.
	ForwardStdin bool

	Logger log.Logger
}

// NewExec returns an Exec for path.
func NewExec(path string, forwardStdin bool, logger log.Logger) *Exec {
	return &Exec{Path: path, ForwardStdin: forwardStdin, Logger: log.OrNoop(logger)}
}

// Run starts the program in req.Dir and waits for it. The program's exit
// code is the command status; a program killed by a signal reports
// 128+signal.
func (e *Exec) Run(ctx context.Context, req *session.Request) (int, error) {
	cmd := exec.CommandContext(ctx, e.Path, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Settings.Environ(EnvPrefix)...)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.WaitDelay = waitDelay
	if e.ForwardStdin {
		cmd.Stdin = req.Stdin
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", e.Path, err)
	}
	e.Logger.Debug("command started",
		log.String("path", e.Path),
		log.Pid(cmd.Process.Pid),
		log.Args(req.Args),
	)

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("wait %s: %w", e.Path, err)
}
