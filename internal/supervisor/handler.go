package supervisor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handler is consulted by the accept loop.
type Handler interface {
	// ShouldExit reports whether the service should stop accepting
	// connections and drain. It is checked once per loop iteration.
	ShouldExit() bool

	// NewConnection is called after a worker was spawned for a connection.
	NewConnection()
}

// DefaultHandler never asks the service to exit.
type DefaultHandler struct{}

// ShouldExit always returns false.
func (DefaultHandler) ShouldExit() bool { return false }

// NewConnection does nothing.
func (DefaultHandler) NewConnection() {}

// IdleHandler asks the service to exit once no connection has arrived for
// Timeout.
type IdleHandler struct {
	timeout time.Duration
	now     func() time.Time
	last    atomic.Int64
}

// NewIdleHandler returns an IdleHandler whose idle clock starts now.
func NewIdleHandler(timeout time.Duration) *IdleHandler {
	h := &IdleHandler{timeout: timeout, now: time.Now}
	h.last.Store(h.now().UnixNano())
	return h
}

// ShouldExit reports whether the idle timeout expired.
func (h *IdleHandler) ShouldExit() bool {
	if h.timeout <= 0 {
		return false
	}
	last := time.Unix(0, h.last.Load())
	return h.now().Sub(last) >= h.timeout
}

// NewConnection resets the idle clock.
func (h *IdleHandler) NewConnection() {
	h.last.Store(h.now().UnixNano())
}

// ExitTrigger is a Handler that exits once Request has been called. It lets
// code outside the loop, such as plugins or Stop, start a drain.
type ExitTrigger struct {
	mu     sync.Mutex
	reason string
	fired  atomic.Bool
}

// Request asks the service to drain. Only the first reason is kept.
func (t *ExitTrigger) Request(reason string) {
	t.mu.Lock()
	if t.reason == "" {
		t.reason = reason
	}
	t.mu.Unlock()
	t.fired.Store(true)
}

// Reason returns the reason passed to the first Request.
func (t *ExitTrigger) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// ShouldExit reports whether Request was called.
func (t *ExitTrigger) ShouldExit() bool { return t.fired.Load() }

// NewConnection does nothing.
func (t *ExitTrigger) NewConnection() {}

// Handlers combines several handlers: the service exits when any of them
// says so, and every one of them observes every connection.
type Handlers []Handler

// ShouldExit reports whether any handler wants to exit.
func (hs Handlers) ShouldExit() bool {
	for _, h := range hs {
		if h.ShouldExit() {
			return true
		}
	}
	return false
}

// NewConnection notifies every handler.
func (hs Handlers) NewConnection() {
	for _, h := range hs {
		h.NewConnection()
	}
}
