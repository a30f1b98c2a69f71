package cmdserver

import (
	"fmt"
	"time"

	"github.com/bft-labs/cmdserver/internal/app"
	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/internal/supervisor"
)

// maxSocketPath is the portable limit on a Unix socket path (sun_path
// less the terminating NUL on the most restrictive platforms).
const maxSocketPath = 103

// Config configures a Server.
type Config struct {
	// Address is the filesystem path of the listening socket. Required.
	Address string

	// PollInterval bounds how long the accept loop waits before checking
	// whether it should exit. Default: 1 second.
	PollInterval time.Duration

	// IdleTimeout makes the server drain after this long without a new
	// connection. Zero disables it.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for the drain.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// WorkerArgs are appended to the executable path when the default
	// spawner re-executes the binary as a worker. Default: ["worker"].
	WorkerArgs []string

	// SettingsFiles is passed on to plugins.
	SettingsFiles []string
}

// SetDefaults fills zero fields with their defaults.
func (c *Config) SetDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = supervisor.DefaultPollInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = app.ShutdownTimeout
	}
	if len(c.WorkerArgs) == 0 {
		c.WorkerArgs = []string{"worker"}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: no socket path specified", domain.ErrInvalidConfig)
	}
	if len(c.Address) > maxSocketPath {
		return fmt.Errorf("%w: socket path longer than %d bytes: %s", domain.ErrInvalidConfig, maxSocketPath, c.Address)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: negative poll interval %v", domain.ErrInvalidConfig, c.PollInterval)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: negative idle timeout %v", domain.ErrInvalidConfig, c.IdleTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative shutdown timeout %v", domain.ErrInvalidConfig, c.ShutdownTimeout)
	}
	return nil
}
