package supervisor

import (
	"sort"
	"sync"
)

// WorkerSet tracks live worker pids. Add and Discard are atomic with respect
// to each other, so the accept loop and the reaper may race freely.
type WorkerSet struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

// NewWorkerSet returns an empty set.
func NewWorkerSet() *WorkerSet {
	return &WorkerSet{pids: make(map[int]struct{})}
}

// Add records pid.
func (w *WorkerSet) Add(pid int) {
	w.mu.Lock()
	w.pids[pid] = struct{}{}
	w.mu.Unlock()
}

// Discard removes pid and reports whether it was present. Discarding an
// unknown pid is a no-op.
func (w *WorkerSet) Discard(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pids[pid]; !ok {
		return false
	}
	delete(w.pids, pid)
	return true
}

// Contains reports whether pid is tracked.
func (w *WorkerSet) Contains(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pids[pid]
	return ok
}

// Len returns the number of tracked workers.
func (w *WorkerSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pids)
}

// Snapshot returns the tracked pids in ascending order. The result is a copy
// and stays valid while the set keeps changing.
func (w *WorkerSet) Snapshot() []int {
	w.mu.Lock()
	out := make([]int, 0, len(w.pids))
	for pid := range w.pids {
		out = append(out, pid)
	}
	w.mu.Unlock()
	sort.Ints(out)
	return out
}
