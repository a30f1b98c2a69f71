package cmdserver

import (
	"time"

	"github.com/bft-labs/cmdserver/internal/app"
)

// State is the lifecycle state of a Server.
type State int

const (
	// StateStopped means no socket is bound. New servers start here.
	StateStopped State = iota
	// StateStarting means Start is binding the socket and initializing plugins.
	StateStarting
	// StateRunning means the accept loop is serving connections.
	StateRunning
	// StateStopping means the server stopped accepting and is draining workers.
	StateStopping
	// StateCrashed means the last run failed or its shutdown timed out.
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// CanStart reports whether Start may be called in this state.
func (s State) CanStart() bool {
	return s == StateStopped || s == StateCrashed
}

// CanStop reports whether Stop may be called in this state.
func (s State) CanStop() bool {
	return s == StateStarting || s == StateRunning
}

// IsRunning reports whether the server is accepting connections.
func (s State) IsRunning() bool {
	return s == StateRunning
}

func convertState(s app.State) State {
	switch s {
	case app.StateStarting:
		return StateStarting
	case app.StateRunning:
		return StateRunning
	case app.StateStopping:
		return StateStopping
	case app.StateCrashed:
		return StateCrashed
	default:
		return StateStopped
	}
}

// StateChangeEvent reports a lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// ConnectionEvent reports a worker spawned for a new client connection.
type ConnectionEvent struct {
	Pid  int
	Time time.Time
}

// WorkerExitEvent reports a reaped worker. Status is the exit code, or 128
// plus the signal number for a worker killed by a signal.
type WorkerExitEvent struct {
	Pid    int
	Status int
}

// EventHandler receives server events. Methods are called synchronously
// from the accept loop or the reaper and should return quickly.
type EventHandler interface {
	OnStateChange(event StateChangeEvent)
	OnConnection(event ConnectionEvent)
	OnWorkerExit(event WorkerExitEvent)
}

// BaseEventHandler implements EventHandler with no-ops. Embed it to
// handle only some events.
type BaseEventHandler struct{}

// OnStateChange ignores the event.
func (BaseEventHandler) OnStateChange(StateChangeEvent) {}

// OnConnection ignores the event.
func (BaseEventHandler) OnConnection(ConnectionEvent) {}

// OnWorkerExit ignores the event.
func (BaseEventHandler) OnWorkerExit(WorkerExitEvent) {}

// eventEmitter adapts an EventHandler to the internal callbacks.
type eventEmitter struct {
	handler EventHandler
}

func (e *eventEmitter) OnStateChange(previous, current app.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{
		Previous: convertState(previous),
		Current:  convertState(current),
		Reason:   reason,
	})
}

func (e *eventEmitter) onSpawn(pid int) {
	if e.handler == nil {
		return
	}
	e.handler.OnConnection(ConnectionEvent{Pid: pid, Time: time.Now()})
}

func (e *eventEmitter) onWorkerExit(pid, status int) {
	if e.handler == nil {
		return
	}
	e.handler.OnWorkerExit(WorkerExitEvent{Pid: pid, Status: status})
}
