package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bft-labs/cmdserver/pkg/log"
)

// ExitFunc is told about every reaped worker. status is the exit code, or
// 128+signal for a worker killed by a signal.
type ExitFunc func(pid, status int)

// Reaper collects exited workers. Only pids in its WorkerSet are waited
// for, so children started by other code in the process are left alone.
type Reaper struct {
	workers *WorkerSet
	logger  log.Logger
	onExit  ExitFunc

	kick chan struct{}
	stop context.CancelFunc
	done chan struct{}
	once sync.Once
}

// NewReaper creates a reaper for workers. onExit may be nil.
func NewReaper(workers *WorkerSet, logger log.Logger, onExit ExitFunc) *Reaper {
	logger = log.OrNoop(logger)
	return &Reaper{
		workers: workers,
		logger:  logger,
		onExit:  onExit,
		kick:    make(chan struct{}, 1),
	}
}

// Start reaps in the background whenever SIGCHLD arrives or Kick is called.
func (r *Reaper) Start() {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.stop = cancel
		r.done = make(chan struct{})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGCHLD)

		go func() {
			defer close(r.done)
			defer signal.Stop(sigCh)
			for {
				select {
				case <-ctx.Done():
					return
				case <-sigCh:
				case <-r.kick:
				}
				r.ReapExited()
			}
		}()
	})
}

// Kick requests a non-blocking reap pass. It never blocks.
func (r *Reaper) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop ends background reaping and waits for the goroutine to exit.
func (r *Reaper) Stop() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.done
}

// ReapExited collects every tracked worker that has already exited without
// blocking on the ones still running.
func (r *Reaper) ReapExited() {
	for _, pid := range r.workers.Snapshot() {
		r.reap(pid, unix.WNOHANG)
	}
}

// ReapAll blocks until every tracked worker has exited. Workers are never
// signalled; clients still being served finish naturally.
func (r *Reaper) ReapAll() {
	for _, pid := range r.workers.Snapshot() {
		r.reap(pid, 0)
	}
}

func (r *Reaper) reap(pid, options int) {
	var ws unix.WaitStatus
	for {
		got, err := unix.Wait4(pid, &ws, options, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// collected elsewhere already
			r.workers.Discard(pid)
			return
		case err != nil:
			r.logger.Warn("wait for worker failed", log.Pid(pid), log.Err(err))
			return
		case got == 0:
			// still running
			return
		}
		break
	}

	if !r.workers.Discard(pid) {
		return
	}
	status := ws.ExitStatus()
	if ws.Signaled() {
		status = 128 + int(ws.Signal())
	}
	r.logger.Debug("worker process exited", log.Pid(pid), log.Status(status))
	if r.onExit != nil {
		r.onExit(pid, status)
	}
}
