package ingest

import (
	"sort"
	"sync"
)

// LockTable holds one exclusive, non-blocking lock per template id.
type LockTable struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewLockTable creates an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[int64]struct{})}
}

// TryAcquire takes the lock for templateID without waiting. ok is false when
// another run holds it. release is idempotent.
func (t *LockTable) TryAcquire(templateID int64) (release func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.held[templateID]; busy {
		return func() {}, false
	}
	t.held[templateID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, templateID)
			t.mu.Unlock()
		})
	}, true
}

// Held lists the template ids currently locked, ascending.
func (t *LockTable) Held() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int64, 0, len(t.held))
	for id := range t.held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
