package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent error conditions of the command server.
// They are wrapped with context by callers and checked with errors.Is.
var (
	// ErrProtocol is returned when the peer violates the wire protocol.
	// It is always fatal to the session.
	ErrProtocol = errors.New("cmdserver: protocol error")

	// ErrUnknownCommand is returned for a command name missing from the
	// capability table. It wraps ErrProtocol.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrProtocol)

	// ErrPeerDisconnected is returned when the peer closes its side while a
	// handler is still transferring data.
	ErrPeerDisconnected = errors.New("cmdserver: peer disconnected")

	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("cmdserver: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("cmdserver: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("cmdserver: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("cmdserver: invalid configuration")
)
