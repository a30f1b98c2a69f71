package cmdserver

import (
	"github.com/bft-labs/cmdserver/internal/supervisor"
	"github.com/bft-labs/cmdserver/pkg/log"
)

// Spawner starts a worker process for an accepted connection and returns
// its pid. The default re-executes the running binary with
// Config.WorkerArgs.
type Spawner = supervisor.Spawner

// Handler is consulted by the accept loop: ShouldExit starts a drain and
// NewConnection is called for every spawned worker.
type Handler = supervisor.Handler

// Option configures optional behavior of a Server.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	plugins      []Plugin
	spawner      Spawner
	handler      Handler
}

func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventHandler sets a handler for server events.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the server starts.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithSpawner replaces the self re-exec spawner.
func WithSpawner(spawner Spawner) Option {
	return func(o *options) {
		o.spawner = spawner
	}
}

// WithHandler adds an exit handler. It is combined with the idle timeout
// and with shutdown requests from Stop and plugins.
func WithHandler(handler Handler) Option {
	return func(o *options) {
		o.handler = handler
	}
}
