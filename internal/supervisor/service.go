// Package supervisor implements the control process: it listens on a Unix
// socket, spawns one worker process per accepted connection, reaps workers
// as they exit and drains queued connections on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bft-labs/cmdserver/internal/domain"
	"github.com/bft-labs/cmdserver/pkg/log"
)

// DefaultPollInterval bounds how long the loop waits before re-checking
// whether it should exit.
const DefaultPollInterval = time.Second

// ErrAddressInUse is returned by Init when another server is accepting on
// the configured address.
var ErrAddressInUse = errors.New("supervisor: address in use")

// Phase is the service state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseAccepting
	PhaseDraining
	PhaseStopped
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseAccepting:
		return "Accepting"
	case PhaseDraining:
		return "Draining"
	case PhaseStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config configures a Service.
type Config struct {
	// Address is the filesystem path of the listening socket.
	Address string

	// PollInterval is the accept wait timeout. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// Spawner starts a worker per connection. Required.
	Spawner Spawner

	// Handler decides when to exit. Nil means DefaultHandler.
	Handler Handler

	// OnSpawn is called with each new worker pid.
	OnSpawn func(pid int)

	// OnWorkerExit is called for each reaped worker.
	OnWorkerExit ExitFunc

	Logger log.Logger
}

// Service is a Unix-socket forking server.
type Service struct {
	cfg     Config
	logger  log.Logger
	handler Handler

	listener *net.UnixListener
	workers  *WorkerSet
	reaper   *Reaper

	phase       atomic.Int32
	unlinkOnce  sync.Once
	unlinked    atomic.Bool
	cleanupOnce sync.Once
}

// New validates cfg and returns a Service in PhaseInit.
func New(cfg Config) (*Service, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: no socket path specified", domain.ErrInvalidConfig)
	}
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("%w: spawner is required", domain.ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Logger = log.OrNoop(cfg.Logger)
	handler := cfg.Handler
	if handler == nil {
		handler = DefaultHandler{}
	}

	workers := NewWorkerSet()
	return &Service{
		cfg:     cfg,
		logger:  cfg.Logger,
		handler: handler,
		workers: workers,
		reaper:  NewReaper(workers, cfg.Logger, cfg.OnWorkerExit),
	}, nil
}

// Phase returns the current phase.
func (s *Service) Phase() Phase {
	return Phase(s.phase.Load())
}

// Workers returns the live worker set.
func (s *Service) Workers() *WorkerSet {
	return s.workers
}

// Address returns the socket path.
func (s *Service) Address() string {
	return s.cfg.Address
}

// Init binds and listens on the socket and starts reaping. A stale socket
// left by a dead server is replaced; a live one is ErrAddressInUse.
func (s *Service) Init() error {
	addr := s.cfg.Address
	if err := os.MkdirAll(filepath.Dir(addr), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(addr); err != nil {
		return err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	// the path is unlinked explicitly when draining starts
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(addr, 0o600); err != nil {
		ln.Close()
		os.Remove(addr)
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.reaper.Start()
	s.logger.Info("listening", log.Address(addr), log.Pid(os.Getpid()))
	return nil
}

func removeStaleSocket(addr string) error {
	st, err := os.Lstat(addr)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path exists and is not a unix socket: %s", addr)
	}
	if conn, err := net.DialTimeout("unix", addr, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Run accepts connections until ctx is done or the handler asks to exit,
// then serves every connection queued before the socket was unlinked and
// waits for all workers. Init must have succeeded.
func (s *Service) Run(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("%w: Init was not called", domain.ErrNotRunning)
	}
	defer s.cleanup()
	return s.mainLoop(ctx)
}

func (s *Service) mainLoop(ctx context.Context) error {
	s.phase.Store(int32(PhaseAccepting))
	exiting := false
	retry := newBackoff(acceptBackoffInitial, acceptBackoffMax)
	for {
		if !exiting && (ctx.Err() != nil || s.handler.ShouldExit()) {
			// no new client can connect; queued ones are still accepted
			s.unlinkSocket()
			exiting = true
			s.phase.Store(int32(PhaseDraining))
			s.logger.Info("draining", log.Reason(s.exitReason(ctx)))
		}

		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if exiting {
					return nil
				}
				continue
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if retryableAccept(err) {
				s.logger.Warn("accept failed, retrying", log.Err(err), log.Duration("delay", retry.Current()))
				retry.Wait(ctx)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		retry.Reset()
		s.handleConnection(conn)
	}
}

func (s *Service) exitReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return ctx.Err().Error()
	}
	if t, ok := s.handler.(interface{ Reason() string }); ok && t.Reason() != "" {
		return t.Reason()
	}
	return "handler requested exit"
}

func (s *Service) handleConnection(conn *net.UnixConn) {
	// the worker holds its own descriptor
	defer conn.Close()

	pid, err := s.cfg.Spawner.Spawn(conn)
	if err != nil {
		s.logger.Error("failed to spawn worker", log.Err(err))
		return
	}
	s.workers.Add(pid)
	// the worker may have exited before it was tracked
	s.reaper.Kick()
	s.logger.Debug("spawned worker process", log.Pid(pid))

	s.handler.NewConnection()
	if s.cfg.OnSpawn != nil {
		s.cfg.OnSpawn(pid)
	}
}

// unlinkSocket removes the socket path at most once.
func (s *Service) unlinkSocket() {
	s.unlinkOnce.Do(func() {
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove socket", log.Address(s.cfg.Address), log.Err(err))
		}
		s.unlinked.Store(true)
	})
}

// Unlinked reports whether the socket path has been removed.
func (s *Service) Unlinked() bool {
	return s.unlinked.Load()
}

// Close releases a service that was initialised but will not be run. It is
// a no-op after Run.
func (s *Service) Close() {
	if s.listener != nil {
		s.cleanup()
	}
}

func (s *Service) cleanup() {
	s.cleanupOnce.Do(s.shutdown)
}

func (s *Service) shutdown() {
	s.reaper.Stop()
	if err := s.listener.Close(); err != nil {
		s.logger.Warn("failed to close listener", log.Err(err))
	}
	s.unlinkSocket()

	if n := s.workers.Len(); n > 0 {
		s.logger.Info("waiting for workers", log.Int("count", n))
	}
	s.reaper.ReapAll()
	s.phase.Store(int32(PhaseStopped))
	s.logger.Info("stopped")
}
