package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"syscall"
	"time"
)

// Accept retry delays after a resource error such as EMFILE.
const (
	acceptBackoffInitial = 5 * time.Millisecond
	acceptBackoffMax     = time.Second
)

// backoff implements exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// Wait sleeps for the current delay, or until ctx is done, and doubles the
// delay for next time.
func (b *backoff) Wait(ctx context.Context) {
	// jitter: ±20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	timer := time.NewTimer(time.Duration(float64(b.current) + jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
}

// Reset restores the initial delay.
func (b *backoff) Reset() {
	b.current = b.initial
}

// Current returns the next delay before jitter.
func (b *backoff) Current() time.Duration {
	return b.current
}

// retryableAccept reports whether an accept error is a transient resource
// shortage rather than a broken listener.
func retryableAccept(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
