package session

import (
	"context"

	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// Request is one runcommand invocation handed to an Executor.
type Request struct {
	// Args is the argument list exactly as the client sent it.
	Args []string

	// Settings is a private copy of the session settings with this
	// command's --config overrides applied.
	Settings *settings.Settings

	// Dir is the working directory the command runs in.
	Dir string

	Stdin  *channel.Input
	Stdout *channel.Output
	Stderr *channel.Output
}

// Executor runs a command to completion and returns its status.
// A returned error is reported to the client on the error channel and the
// session continues with the next command.
type Executor interface {
	Run(ctx context.Context, req *Request) (int, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (int, error)

// Run calls f(ctx, req).
func (f ExecutorFunc) Run(ctx context.Context, req *Request) (int, error) {
	return f(ctx, req)
}
