package journal

import (
	"sync"
)

// CompactionBound shares the highest compactable index between the snapshot
// store and the journal.
//
// The snapshot store advances it every time a snapshot is persisted. The
// journal reads it in DeleteRange: entries above the newest persisted
// snapshot are still needed to rebuild state on recovery, so they survive any
// compaction request.
type CompactionBound struct {
	mu    sync.RWMutex
	index uint64
	term  uint64
}

// NewCompactionBound creates a bound at index 0 (nothing compactable).
func NewCompactionBound() *CompactionBound {
	return &CompactionBound{}
}

// Set advances the bound. It never goes backwards.
func (b *CompactionBound) Set(index, term uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index > b.index {
		b.index = index
		b.term = term
	}
}

// Get returns the bound index and term.
func (b *CompactionBound) Get() (index, term uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index, b.term
}

// Index returns just the bound index.
func (b *CompactionBound) Index() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index
}
