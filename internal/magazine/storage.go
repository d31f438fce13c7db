// Package magazine implements the bounded object stacks that move
// allocations between thread caches and the per-class depots, the
// lock-free stacks that hold magazine storage, and the rack that
// recycles empty storage.
package magazine

import (
	"sync"
	"sync/atomic"
)

// Capacity is the number of object references a magazine holds.
// The press's allocation batch cap must stay above it.
const Capacity = 30

// Storage is the heap-allocated backing of a magazine. Storages are
// immortal: once allocated they move between magazines, stacks and the
// rack, but are never freed. That immortality is what makes the
// index+generation stack below safe without any reclamation scheme.
type Storage struct {
	// numAllocated is populated from the bottom up: the first
	// numAllocated entries of allocations hold values, the rest are
	// garbage. The field is authoritative only while the storage is
	// detached from a magazine view.
	numAllocated uint32

	// self is this storage's index in the process-wide table.
	self uint32

	// next links storages inside a Stack; zero means end of list.
	// Atomic because a racing Pop may read the link of a storage that
	// another thread just won; the stack's generation check discards
	// the stale value, but the read itself must be clean.
	next atomic.Uint32

	allocations [Capacity]uintptr
}

// Count returns the number of populated entries of a detached storage.
func (s *Storage) Count() uint32 { return s.numAllocated }

// The process-wide storage table. Append-only and published as a
// snapshot so stack operations can resolve indices without a lock.
// Index 0 is a sentinel meaning "no storage".
var (
	tableMu sync.Mutex
	table   atomic.Pointer[[]*Storage]
)

func init() {
	initial := []*Storage{nil}
	table.Store(&initial)
}

// NewStorage heap-allocates a fresh empty storage and registers it in
// the table.
func NewStorage() *Storage {
	s := &Storage{}

	tableMu.Lock()
	old := *table.Load()
	s.self = uint32(len(old))

	// Copy-on-write: readers may hold the previous snapshot.
	grown := make([]*Storage, len(old)+1)
	copy(grown, old)
	grown[len(old)] = s
	table.Store(&grown)
	tableMu.Unlock()

	return s
}

func storageAt(index uint32) *Storage {
	return (*table.Load())[index]
}
