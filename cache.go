package slitter

import (
	"math/bits"
	"runtime"
	"unsafe"

	"github.com/slitter-project/slitter/internal/classinfo"
	"github.com/slitter-project/slitter/internal/debug"
	"github.com/slitter-project/slitter/internal/magazine"
	"github.com/slitter-project/slitter/internal/press"
)

// magPair is one class's pair of cache magazines: allocations come out
// of alloc, releases go into release. Keeping the polarities separate
// preserves temporal locality (the release magazine hands the hottest
// objects back first once it reaches the depot and returns).
type magPair struct {
	alloc   magazine.PopMagazine
	release magazine.PushMagazine
}

// classState is the parallel per-class record: the resolved class info
// and the one-slot local magazine cache.
type classState struct {
	info  *classinfo.Info
	local classinfo.LocalCache
}

// Cache is a per-owner allocation cache. It is deliberately not
// thread-safe: exactly one goroutine may use a Cache at a time, the
// way a thread owns its thread-local cache in a native allocator. The
// package-level Allocate and Release manage a pool of caches for
// callers that do not want to hold one explicitly.
//
// Index 0 of both arrays is a permanent dummy whose sentinel magazines
// force the slow path, so class-id indexing needs no offset.
type Cache struct {
	perClass []magPair
	perInfo  []classState
}

// NewCache returns an empty cache. Callers must eventually Close it to
// drain its magazines back to the shared depots.
func NewCache() *Cache {
	c := &Cache{}
	c.grow(classinfo.MaxID())

	return c
}

// grow extends both arrays to cover class ids up to want. The magazine
// array grows to a power of two and may be longer than the info array;
// the trailing slots keep their sentinel state, which routes any
// access through the slow path.
func (c *Cache) grow(want uint32) {
	maxID := classinfo.MaxID()
	if want > maxID {
		// Class handles only exist for registered ids.
		panic("slitter: cache accessed with an unregistered class id")
	}

	infoLen := int(maxID) + 1
	if len(c.perInfo) >= infoLen {
		return
	}

	magLen := 1
	if infoLen > 1 {
		magLen = 1 << bits.Len(uint(infoLen-1))
	}

	perClass := make([]magPair, magLen)
	for i := range perClass {
		perClass[i] = magPair{alloc: magazine.EmptyPop(), release: magazine.FullPush()}
	}
	copy(perClass, c.perClass)

	perInfo := make([]classState, infoLen)
	copy(perInfo, c.perInfo)
	for i := len(c.perInfo); i < infoLen; i++ {
		if i == 0 {
			continue // dummy slot: info stays nil
		}

		perInfo[i].info = classinfo.Lookup(uint32(i))
	}

	c.perClass = perClass
	c.perInfo = perInfo
}

// Allocate returns an object of the class, or nil when the mapper is
// out of memory.
func (c *Cache) Allocate(class Class) unsafe.Pointer {
	id := class.id

	if int(id) < len(c.perClass) {
		if ref, ok := c.perClass[id].alloc.Get(); ok {
			c.noteAllocated(id, ref)

			return unsafe.Pointer(ref)
		}
	}

	return c.allocateSlow(class)
}

func (c *Cache) allocateSlow(class Class) unsafe.Pointer {
	id := class.id
	if int(id) >= len(c.perInfo) {
		c.grow(id)
	}

	pair := &c.perClass[id]

	// One more try: the branch above and this one fail together only
	// when the magazine is genuinely empty, which concentrates the
	// unpredictable branch here rather than on the hot path.
	if ref, ok := pair.alloc.Get(); ok {
		c.noteAllocated(id, ref)

		return unsafe.Pointer(ref)
	}

	state := &c.perInfo[id]
	if state.info == nil {
		panic("slitter: allocation from the dummy class slot")
	}

	ref, ok := state.info.RefillMagazine(&pair.alloc, &state.local)
	if !ok {
		return nil
	}

	c.noteAllocated(id, ref)

	return unsafe.Pointer(ref)
}

// Release returns an object previously allocated from the class. ptr
// may be nil. Releasing an address with the wrong class panics when
// the metadata check catches it; the check is a handful of integer
// ops, so it runs on every release.
func (c *Cache) Release(class Class, ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	ref := uintptr(ptr)
	if err := press.CheckAllocation(class.id, ref); err != nil {
		panic(err)
	}

	c.noteReleased(class.id, ref)

	id := class.id
	if int(id) < len(c.perClass) && c.perClass[id].release.Put(ref) {
		return
	}

	c.releaseSlow(class, ref)
}

func (c *Cache) releaseSlow(class Class, ref uintptr) {
	id := class.id
	if int(id) >= len(c.perInfo) {
		c.grow(id)
	}

	state := &c.perInfo[id]
	if state.info == nil {
		panic("slitter: release into the dummy class slot")
	}

	state.info.ClearMagazine(&c.perClass[id].release, ref, &state.local)
}

// Close drains every magazine and local-cache storage back to its
// owning class and leaves the cache empty. The cache may be used again
// afterwards; it simply starts cold. Close is idempotent.
func (c *Cache) Close() {
	for i := 1; i < len(c.perInfo); i++ {
		state := &c.perInfo[i]
		if state.info == nil {
			continue
		}

		pair := &c.perClass[i]
		state.info.ReleaseMagazine(pair.alloc.Detach(), nil)
		state.info.ReleaseMagazine(pair.release.Detach(), nil)
		pair.alloc = magazine.EmptyPop()
		pair.release = magazine.FullPush()

		if st := state.local.Drain(); st != nil {
			state.info.ReleaseMagazine(st, nil)
		}
	}

	runtime.SetFinalizer(c, nil)
}

func (c *Cache) noteAllocated(id uint32, ref uintptr) {
	if debug.Enabled {
		if err := debug.MarkAllocated(id, ref); err != nil {
			panic(err)
		}
	}
}

func (c *Cache) noteReleased(id uint32, ref uintptr) {
	if debug.Enabled {
		if err := debug.MarkReleased(id, ref); err != nil {
			panic(err)
		}
	}
}
