// Package ephroot implements the ephemeral root table: an in-process,
// approximate reference counter keyed by a hash's 64-bit ephemeron id,
// used to keep recently referenced resources alive across the live/
// stored boundary while a background GC is tracing the on-disk root
// set.
//
// The table is deliberately coarse. Two distinct hashes can collide on
// the same 64-bit id; when they do, the table over-counts, which can
// only retard garbage collection, never cause it to reclaim something
// still in use. That asymmetry - safe to over-approximate, never safe
// to under-approximate - is the entire design.
//
// The shape of this package (a mutex-guarded map behind a small
// interface) is the same one the teacher uses for its in-memory
// liveness sets (mem.Store's blob map, gc.Keep), generalized here from
// a boolean set to a signed refcount multiset.
package ephroot

import (
	"sync"
)

// Table is the ephemeral root table.
type Table struct {
	mu     sync.Mutex
	counts map[uint64]int64
}

// New returns an empty Table.
func New() *Table {
	return &Table{counts: make(map[uint64]int64)}
}

// Incref adds delta (which must be positive) to id's counter.
func (t *Table) Incref(id uint64, delta int64) {
	if delta <= 0 {
		panic("ephroot: Incref delta must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id] += delta
}

// Decref subtracts delta (which must be positive) from id's counter.
// Decref-ing past zero is a programmer bug and panics: the contract is
// that every Decref corresponds to an earlier Incref of the same or
// greater total weight.
func (t *Table) Decref(id uint64, delta int64) {
	if delta <= 0 {
		panic("ephroot: Decref delta must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[id] - delta
	if n < 0 {
		panic("ephroot: refcount went negative")
	}
	if n == 0 {
		delete(t.counts, id)
	} else {
		t.counts[id] = n
	}
}

// AddMany atomically increfs every id in deltas by its associated
// amount.
func (t *Table) AddMany(deltas map[uint64]int64) {
	if len(deltas) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, delta := range deltas {
		t.counts[id] += delta
	}
}

// RemoveMany atomically decrefs every id in deltas by its associated
// amount.
func (t *Table) RemoveMany(deltas map[uint64]int64) {
	if len(deltas) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, delta := range deltas {
		n := t.counts[id] - delta
		if n < 0 {
			panic("ephroot: refcount went negative")
		}
		if n == 0 {
			delete(t.counts, id)
		} else {
			t.counts[id] = n
		}
	}
}

// IsRooted reports whether id currently has a positive counter.
func (t *Table) IsRooted(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id] > 0
}

// Len reports the number of distinct ids with a positive counter, for
// diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
