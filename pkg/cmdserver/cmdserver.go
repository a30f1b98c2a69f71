package cmdserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/bft-labs/cmdserver/internal/app"
	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/internal/supervisor"
	"github.com/bft-labs/cmdserver/pkg/channel"
	"github.com/bft-labs/cmdserver/pkg/client"
	"github.com/bft-labs/cmdserver/pkg/frame"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
)

// Server is a command server that can be embedded in other applications.
// Use New() to create an instance, then Start() to begin accepting clients.
type Server struct {
	config    Config
	opts      options
	lifecycle *app.Lifecycle
	emitter   *eventEmitter
	logger    log.Logger
	spawner   Spawner

	mu         sync.RWMutex
	service    *supervisor.Service
	trigger    *supervisor.ExitTrigger
	done       chan struct{}
	err        error
	pluginsEnd *sync.Once
}

// New creates a Server in StateStopped. It returns an error if the
// configuration is invalid.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateModuleVersions(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	spawner := o.spawner
	if spawner == nil {
		self, err := supervisor.NewSelfSpawner(cfg.WorkerArgs...)
		if err != nil {
			return nil, err
		}
		spawner = self
	}

	emitter := &eventEmitter{handler: o.eventHandler}
	return &Server{
		config:    cfg,
		opts:      o,
		lifecycle: app.NewLifecycle(o.logger, emitter),
		emitter:   emitter,
		logger:    o.logger,
		spawner:   spawner,
	}, nil
}

// Start binds the socket, initializes plugins and runs the accept loop in
// the background. Cancelling ctx drains the server like Stop, without
// waiting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			// a Stop that timed out leaves the previous run draining
			return fmt.Errorf("%w: previous run still draining", domain.ErrAlreadyRunning)
		}
	}
	if err := s.lifecycle.TransitionTo(app.StateStarting, "Start() called"); err != nil {
		return err
	}

	trigger := &supervisor.ExitTrigger{}
	handlers := supervisor.Handlers{trigger}
	if s.config.IdleTimeout > 0 {
		handlers = append(handlers, supervisor.NewIdleHandler(s.config.IdleTimeout))
	}
	if s.opts.handler != nil {
		handlers = append(handlers, s.opts.handler)
	}

	service, err := supervisor.New(supervisor.Config{
		Address:      s.config.Address,
		PollInterval: s.config.PollInterval,
		Spawner:      s.spawner,
		Handler:      handlers,
		OnSpawn:      s.emitter.onSpawn,
		OnWorkerExit: s.emitter.onWorkerExit,
		Logger:       s.logger,
	})
	if err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, err.Error())
		return err
	}
	if err := service.Init(); err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.lifecycle.SetCancel(cancel)
	s.service = service
	s.trigger = trigger
	s.done = make(chan struct{})
	s.err = nil
	s.pluginsEnd = &sync.Once{}

	pluginCfg := PluginConfig{
		Address:         s.config.Address,
		SettingsFiles:   s.config.SettingsFiles,
		Logger:          s.logger,
		RequestShutdown: trigger.Request,
	}
	for i, p := range s.opts.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			s.logger.Error("plugin initialization failed",
				log.String("plugin", p.Name()),
				log.Err(err))
			cancel()
			s.shutdownPlugins(s.opts.plugins[:i])
			service.Close()
			close(s.done)
			_ = s.lifecycle.TransitionTo(app.StateCrashed, "plugin init failed: "+p.Name())
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		s.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}

	if err := s.lifecycle.TransitionTo(app.StateRunning, "listening on "+s.config.Address); err != nil {
		cancel()
		service.Close()
		close(s.done)
		return err
	}

	done, pluginsEnd := s.done, s.pluginsEnd
	s.lifecycle.Go(func() {
		defer close(done)
		s.run(runCtx, service, trigger, pluginsEnd)
	})
	return nil
}

// run drives the accept loop. When the loop ends without Stop, because
// the context was cancelled or a handler asked to exit, it finishes the
// shutdown itself.
func (s *Server) run(ctx context.Context, service *supervisor.Service, trigger *supervisor.ExitTrigger, pluginsEnd *sync.Once) {
	err := service.Run(ctx)

	s.mu.Lock()
	if s.service != service {
		s.mu.Unlock()
		return
	}
	s.err = err
	selfStop := s.lifecycle.State() == app.StateRunning
	switch {
	case err != nil:
		s.logger.Error("accept loop failed", log.Err(err))
		_ = s.lifecycle.TransitionTo(app.StateCrashed, err.Error())
	case selfStop:
		reason := trigger.Reason()
		if reason == "" {
			reason = "exit requested"
			if ctx.Err() != nil {
				reason = ctx.Err().Error()
			}
		}
		_ = s.lifecycle.TransitionTo(app.StateStopping, reason)
	}
	s.mu.Unlock()

	if err != nil || selfStop {
		pluginsEnd.Do(func() { s.shutdownPlugins(s.opts.plugins) })
	}
	if err == nil && selfStop {
		_ = s.lifecycle.TransitionTo(app.StateStopped, "drained")
	}
}

// Stop makes the server stop accepting, serves every connection that was
// already queued, waits for all workers and shuts down plugins. It waits up
// to Config.ShutdownTimeout and returns ErrShutdownTimeout if the drain did
// not finish in time.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.lifecycle.CanStop() {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStopping, "Stop() called"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.trigger.Request("Stop() called")
	pluginsEnd := s.pluginsEnd
	s.mu.Unlock()

	err := s.lifecycle.Wait(s.config.ShutdownTimeout)

	pluginsEnd.Do(func() { s.shutdownPlugins(s.opts.plugins) })

	if err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, "shutdown timeout")
		return err
	}
	_ = s.lifecycle.TransitionTo(app.StateStopped, "graceful shutdown")
	return s.Err()
}

// shutdownPlugins shuts plugins down in reverse order.
func (s *Server) shutdownPlugins(plugins []Plugin) {
	ctx := context.Background()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			s.logger.Error("plugin shutdown failed",
				log.String("plugin", p.Name()),
				log.Err(err))
		} else {
			s.logger.Info("plugin shutdown complete", log.String("plugin", p.Name()))
		}
	}
}

// Status returns the current lifecycle state.
// Safe to call concurrently from any goroutine.
func (s *Server) Status() State {
	return convertState(s.lifecycle.State())
}

// Address returns the socket path.
func (s *Server) Address() string {
	return s.config.Address
}

// Done returns a channel that is closed when the current run ends. It is
// nil before the first Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err returns the error that ended the last run, if any.
func (s *Server) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Workers returns the pids of live workers, in ascending order.
func (s *Server) Workers() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.service == nil {
		return nil
	}
	return s.service.Workers().Snapshot()
}

// validateModuleVersions checks that all module versions are compatible.
// Returns an error if any module version is below its minimum compatible version.
func validateModuleVersions() error {
	modules := map[string]struct {
		version    string
		minVersion string
	}{
		"frame":    {frame.Version, frame.MinCompatibleVersion},
		"channel":  {channel.Version, channel.MinCompatibleVersion},
		"settings": {settings.Version, settings.MinCompatibleVersion},
		"client":   {client.Version, client.MinCompatibleVersion},
		"log":      {log.Version, log.MinCompatibleVersion},
	}

	for name, m := range modules {
		if !isVersionCompatible(m.version, m.minVersion) {
			return fmt.Errorf("module %s version %s is below minimum compatible version %s",
				name, m.version, m.minVersion)
		}
	}
	return nil
}

// isVersionCompatible reports whether version >= minVersion, both in
// "major.minor.patch" form.
func isVersionCompatible(version, minVersion string) bool {
	var vMajor, vMinor, vPatch int
	var mMajor, mMinor, mPatch int

	_, _ = fmt.Sscanf(version, "%d.%d.%d", &vMajor, &vMinor, &vPatch)
	_, _ = fmt.Sscanf(minVersion, "%d.%d.%d", &mMajor, &mMinor, &mPatch)

	if vMajor != mMajor {
		return vMajor > mMajor
	}
	if vMinor != mMinor {
		return vMinor > mMinor
	}
	return vPatch >= mPatch
}
