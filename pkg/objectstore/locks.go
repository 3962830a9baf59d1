package objectstore

import (
	"sync"

	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

// LockTable is the set of identifiers held by open writers. It is never
// persisted.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// Acquire adds pid to the table. It reports false if pid was already held.
func (t *LockTable) Acquire(pid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[pid]; ok {
		metrics.LockContention.Inc()
		return false
	}
	t.held[pid] = struct{}{}
	metrics.OpenWriters.Set(float64(len(t.held)))
	return true
}

// Release removes pid from the table.
func (t *LockTable) Release(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, pid)
	metrics.OpenWriters.Set(float64(len(t.held)))
}

// Held reports whether pid is held.
func (t *LockTable) Held(pid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[pid]
	return ok
}

// Len returns the number of held identifiers.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
