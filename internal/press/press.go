// Package press creates new allocations for a single class by bumping
// a pointer through spans obtained from a mill. Every press stashes
// class metadata the same way — through the mill's span records — so
// any valid address maps back to its class with the same arithmetic
// regardless of which press produced it.
//
// Spans and their metadata are immortal once installed, which is what
// keeps the fast path lock-free: readers chase an atomic pointer to
// the current span and fetch-add its bump counter, and never need to
// worry about the span disappearing under them.
package press

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slitter-project/slitter/internal/debug"
	"github.com/slitter-project/slitter/internal/magazine"
	"github.com/slitter-project/slitter/internal/mill"
)

func init() {
	// A refill must complete in one grant: if the magazine ever grows
	// past the batch cap, the cap has to move with it.
	if magazine.Capacity >= maxAllocationBatch {
		panic("press: allocation batch cap below the magazine capacity")
	}
}

// maxAllocationBatch caps a single bump grant. It bounds how far
// racing grants can push the bump counter past the limit, and it must
// stay above the magazine capacity so a refill completes in one grant.
const maxAllocationBatch = 100

// MaxObjectAlignment is the largest alignment the allocator honors:
// one page.
const MaxObjectAlignment = 4096

// ErrLayout reports a class configuration the press cannot serve.
var ErrLayout = errors.New("press: unsupported class layout")

// Press owns bump allocation for one class.
type Press struct {
	// current is the span being bumped; nil before the first install.
	current atomic.Pointer[mill.SpanMetadata]

	// mu serializes span installation and mill access.
	mu   sync.Mutex
	mill *mill.Mill

	size    uintptr // padded object size
	classID uint32

	spansInstalled atomic.Uint64
	objectsPressed atomic.Uint64
}

// New returns a press for the class. size must already be padded to
// the class alignment.
func New(classID uint32, size, align uintptr, mapperName string) (*Press, error) {
	if align > MaxObjectAlignment {
		return nil, fmt.Errorf("%w: alignment %d exceeds one page", ErrLayout, align)
	}

	if size%align != 0 {
		return nil, fmt.Errorf("%w: size %d not padded to alignment %d", ErrLayout, size, align)
	}

	maxSpan := mill.CurrentGeometry().MaxSpanSize()
	if size > maxSpan/2 {
		return nil, fmt.Errorf("%w: object size %d exceeds %d", ErrLayout, size, maxSpan/2)
	}

	ml, err := mill.Get(mapperName)
	if err != nil {
		return nil, err
	}

	return &Press{mill: ml, size: size, classID: classID}, nil
}

// CheckAllocation reports whether addr could have come from a press
// for class. It is the sole source of truth for address→class
// membership.
func CheckAllocation(classID uint32, addr uintptr) error {
	meta := mill.MetadataOf(addr)
	if meta == nil {
		return errors.New("press: derived a bad metadata address")
	}

	if meta.ClassID != classID {
		return fmt.Errorf("press: address %#x belongs to class %d, not %d", addr, meta.ClassID, classID)
	}

	return nil
}

// SpansInstalled returns the number of spans this press has claimed.
func (p *Press) SpansInstalled() uint64 { return p.spansInstalled.Load() }

// ObjectsPressed returns the number of objects carved from spans.
func (p *Press) ObjectsPressed() uint64 { return p.objectsPressed.Load() }

// AllocateOne returns a single fresh object, or false on OOM.
func (p *Press) AllocateOne() (uintptr, bool) {
	base, n, ok := p.tryAllocate(1)
	if !ok {
		return 0, false
	}

	if n != 1 {
		panic("press: single-object grant returned a batch")
	}

	return base, true
}

// AllocateMany allocates the standalone return value first, then as
// many objects into dst (from index 0) as one bump grant yields.
// Returns the populated count and the standalone object; ok is false
// only on OOM, in which case the count is zero.
func (p *Press) AllocateMany(dst []uintptr) (int, uintptr, bool) {
	base, count, ok := p.tryAllocate(uintptr(len(dst)) + 1)
	if !ok {
		return 0, 0, false
	}

	ret := base
	addr := base + p.size

	populated := 0
	for i := uintptr(1); i < count; i++ {
		dst[populated] = addr
		addr += p.size
		populated++
	}

	return populated, ret, true
}

// tryAllocate obtains up to maxCount consecutive objects, installing
// new spans as the current one exhausts. Only mapper failures make it
// give up.
func (p *Press) tryAllocate(maxCount uintptr) (uintptr, uintptr, bool) {
	for {
		meta := p.current.Load()
		if meta != nil {
			if base, count, ok := p.allocateFromSpan(meta, maxCount); ok {
				p.objectsPressed.Add(uint64(count))

				return base, count, true
			}
		}

		// No span yet, or the bump failed: try to put a new span in.
		if err := p.installSpan(meta); err != nil {
			return 0, 0, false
		}
	}
}

// allocateFromSpan performs one batched bump grant against meta.
func (p *Press) allocateFromSpan(meta *mill.SpanMetadata, maxCount uintptr) (uintptr, uintptr, bool) {
	desired := min(maxCount, maxAllocationBatch)
	limit := uintptr(meta.BumpLimit)

	start := uintptr(meta.BumpPtr.Add(uint64(desired))) - desired
	if start >= limit {
		return 0, 0, false
	}

	// The grant may straddle the limit; keep the in-range prefix.
	actual := min(limit-start, desired)

	base := meta.SpanBegin + start*p.size

	if debug.Enabled {
		for i := uintptr(0); i < actual; i++ {
			addr := base + i*p.size
			if err := debug.IsData(addr, p.size); err != nil {
				panic(err)
			}

			if err := debug.AssociateClass(p.classID, addr, p.size); err != nil {
				panic(err)
			}
		}
	}

	return base, actual, true
}

// installSpan replaces the current span if it is still expected. The
// double check under the press lock makes racing installers coalesce
// onto one mill request.
func (p *Press) installSpan(expected *mill.SpanMetadata) error {
	if p.current.Load() != expected {
		// Someone else made progress.
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Load() != expected {
		return nil
	}

	r, err := p.mill.GetSpan(p.size, 0)
	if err != nil {
		return err
	}

	meta := r.Meta
	if meta.ClassID != 0 {
		panic("press: milled span is already owned")
	}

	meta.ClassID = p.classID
	meta.BumpLimit = uint32(r.DataSize / p.size)
	if meta.BumpLimit == 0 {
		panic("press: milled span too small for one object")
	}

	meta.BumpPtr.Store(0)
	meta.SpanBegin = r.Data

	// Tag the rest of the span's slots so any interior address
	// resolves to this class.
	for i := range r.Trail {
		if r.Trail[i].ClassID != 0 {
			panic("press: trailing span slot is already owned")
		}

		r.Trail[i].ClassID = p.classID
	}

	p.spansInstalled.Add(1)

	// Publish. The atomic store orders the metadata writes above
	// before any load that observes the new pointer.
	p.current.Store(meta)

	return nil
}
