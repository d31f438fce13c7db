// Package classinfo holds the process-wide record for each allocation
// class: its layout, its depot of full and partial magazines, and its
// press. Records are immortal and shared by every cache.
package classinfo

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/slitter-project/slitter/internal/magazine"
	"github.com/slitter-project/slitter/internal/press"
)

// ErrTooManyClasses is returned when the 32-bit id space is exhausted.
var ErrTooManyClasses = errors.New("classinfo: too many allocation classes")

// Stats are per-class slow-path counters. The fast path never touches
// them.
type Stats struct {
	Refills        atomic.Uint64
	Clears         atomic.Uint64
	SlowAllocs     atomic.Uint64
	SlowReleases   atomic.Uint64
	MagazinesFreed atomic.Uint64
}

// Info is the immortal per-class record.
type Info struct {
	ID       uint32
	Name     string
	Size     uintptr // padded object size
	Align    uintptr
	ZeroInit bool

	Rack  *magazine.Rack
	Press *press.Press

	// The depot: fullMags holds magazines known to be full,
	// partialMags magazines known to be neither full nor empty.
	fullMags    magazine.Stack
	partialMags magazine.Stack

	Stats Stats
}

var (
	registerMu sync.Mutex
	classes    atomic.Pointer[[]*Info]
)

func init() {
	// Index 0 is the reserved dummy slot.
	initial := []*Info{nil}
	classes.Store(&initial)
}

// Register creates and publishes the record for a new class,
// assigning the next dense id. size must already be padded to align.
func Register(name string, size, align uintptr, zeroInit bool, mapperName string) (*Info, error) {
	registerMu.Lock()
	defer registerMu.Unlock()

	old := *classes.Load()
	if uint64(len(old)) > uint64(^uint32(0)) {
		return nil, ErrTooManyClasses
	}

	id := uint32(len(old))

	p, err := press.New(id, size, align, mapperName)
	if err != nil {
		return nil, fmt.Errorf("classinfo: class %q: %w", name, err)
	}

	info := &Info{
		ID:       id,
		Name:     name,
		Size:     size,
		Align:    align,
		ZeroInit: zeroInit,
		Rack:     magazine.DefaultRack(),
		Press:    p,
	}

	grown := make([]*Info, len(old)+1)
	copy(grown, old)
	grown[len(old)] = info
	classes.Store(&grown)

	return info, nil
}

// Lookup returns the record for id, or nil for the dummy slot and
// out-of-range ids.
func Lookup(id uint32) *Info {
	snapshot := *classes.Load()
	if id == 0 || int(id) >= len(snapshot) {
		return nil
	}

	return snapshot[id]
}

// MaxID returns the highest assigned class id.
func MaxID() uint32 {
	return uint32(len(*classes.Load()) - 1)
}

// All returns a snapshot of every registered record, densely indexed
// from id 1.
func All() []*Info {
	return (*classes.Load())[1:]
}

// zeroObjects rewrites every object held by the magazine with zero
// bytes, so a magazine pulled from the depot looks freshly mapped.
func (c *Info) zeroObjects(mag *magazine.PopMagazine) {
	for _, addr := range mag.Contents() {
		object := unsafe.Slice((*byte)(unsafe.Pointer(addr)), c.Size)
		clear(object)
	}
}
