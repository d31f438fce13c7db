package classinfo

import (
	"github.com/slitter-project/slitter/internal/magazine"
)

// localState tags the contents of a cache's one-slot magazine cache.
type localState uint8

const (
	localNothing localState = iota
	localEmpty
	localFull
)

// LocalCache is a one-slot magazine cache specialised for fast
// turnover around full/empty transitions: a thread that oscillates
// between filling and draining its magazines trades storages through
// this slot instead of the class's shared stacks. It belongs to a
// single cache slot and is only ever touched by that cache's owner.
type LocalCache struct {
	state   localState
	storage *magazine.Storage
}

// takeFull removes a cached full storage, if any.
func (lc *LocalCache) takeFull() *magazine.Storage {
	if lc == nil || lc.state != localFull {
		return nil
	}

	st := lc.storage
	lc.state = localNothing
	lc.storage = nil

	return st
}

// takeEmpty removes a cached empty storage, if any.
func (lc *LocalCache) takeEmpty() *magazine.Storage {
	if lc == nil || lc.state != localEmpty {
		return nil
	}

	st := lc.storage
	lc.state = localNothing
	lc.storage = nil

	return st
}

// Drain empties the slot for cache teardown.
func (lc *LocalCache) Drain() *magazine.Storage {
	if lc == nil || lc.state == localNothing {
		return nil
	}

	st := lc.storage
	lc.state = localNothing
	lc.storage = nil

	return st
}

// offer tries to stash st in the slot. When the slot holds the
// opposite kind of storage, the slot swings to st and the previous
// occupant comes back for depot release; when it holds the same kind,
// the offer is declined.
func (lc *LocalCache) offer(st *magazine.Storage, full bool) (accepted bool, evicted *magazine.Storage) {
	if lc == nil {
		return false, nil
	}

	incoming := localEmpty
	if full {
		incoming = localFull
	}

	switch lc.state {
	case localNothing:
		lc.state = incoming
		lc.storage = st

		return true, nil
	case incoming:
		return false, nil
	default:
		evicted = lc.storage
		lc.state = incoming
		lc.storage = st

		return true, evicted
	}
}

// getCachedMagazine returns a non-empty magazine for allocation: the
// local full slot first, then a partial from the depot, then a full.
// For zero-init classes the contents are re-zeroed so they look
// freshly mapped.
func (c *Info) getCachedMagazine(lc *LocalCache) (magazine.PopMagazine, bool) {
	st := lc.takeFull()
	if st == nil {
		st = c.partialMags.TryPop()
	}

	if st == nil {
		st = c.fullMags.Pop()
	}

	if st == nil {
		return magazine.EmptyPop(), false
	}

	mag := magazine.PopFromStorage(st)
	if mag.IsEmpty() {
		panic("classinfo: depot produced an empty magazine")
	}

	if c.ZeroInit {
		c.zeroObjects(&mag)
	}

	return mag, true
}

// allocateNonFullMagazine returns a push magazine with room: the local
// empty slot first, then a partial from the depot, then a fresh empty
// from the rack.
func (c *Info) allocateNonFullMagazine(lc *LocalCache) magazine.PushMagazine {
	if st := lc.takeEmpty(); st != nil {
		return magazine.PushFromStorage(st)
	}

	if st := c.partialMags.TryPop(); st != nil {
		return magazine.PushFromStorage(st)
	}

	return c.Rack.AllocateEmptyPush()
}

// RefillMagazine exchanges the caller's empty alloc magazine for a
// populated one and returns one allocation. It fails only on OOM.
//
// In the common case the caller's magazine ends up one allocation (the
// return value) short of full.
func (c *Info) RefillMagazine(mag *magazine.PopMagazine, lc *LocalCache) (uintptr, bool) {
	c.Stats.Refills.Add(1)

	if fresh, ok := c.getCachedMagazine(lc); ok {
		ref, ok := fresh.Get()
		if !ok {
			panic("classinfo: cached magazine lost its contents")
		}

		*mag, fresh = fresh, *mag
		c.ReleaseMagazine(fresh.Detach(), lc)

		return ref, true
	}

	// Nothing cached anywhere: press fresh objects. Upgrade a
	// storage-less placeholder first so the batch has somewhere to
	// land.
	if !mag.HasStorage() {
		*mag = c.Rack.AllocateEmptyPop()
	}

	n, ref, ok := c.Press.AllocateMany(mag.Tail())
	if !ok {
		return 0, false
	}

	mag.Commit(n)

	return ref, true
}

// ClearMagazine exchanges the caller's full release magazine for one
// with room and stashes spilled into it. Cannot fail: the replacement
// magazine is non-full by construction.
func (c *Info) ClearMagazine(mag *magazine.PushMagazine, spilled uintptr, lc *LocalCache) {
	c.Stats.Clears.Add(1)

	fresh := c.allocateNonFullMagazine(lc)
	if !fresh.Put(spilled) {
		panic("classinfo: non-full magazine rejected a put")
	}

	*mag, fresh = fresh, *mag
	c.ReleaseMagazine(fresh.Detach(), lc)
}

// ReleaseMagazine takes ownership of a detached storage and routes it:
// local cache first, then rack for empties, the depot stacks
// otherwise. A nil storage (detached sentinel) is a no-op.
func (c *Info) ReleaseMagazine(st *magazine.Storage, lc *LocalCache) {
	if st == nil {
		return
	}

	count := st.Count()
	if count == 0 || count == magazine.Capacity {
		accepted, evicted := lc.offer(st, count == magazine.Capacity)
		if accepted {
			if evicted != nil {
				c.releaseToDepot(evicted)
			}

			return
		}
	}

	c.releaseToDepot(st)
}

func (c *Info) releaseToDepot(st *magazine.Storage) {
	switch st.Count() {
	case 0:
		c.MagazinesFreedAdd()
		c.Rack.ReleaseEmpty(st)
	case magazine.Capacity:
		c.fullMags.Push(st)
	default:
		c.partialMags.Push(st)
	}
}

// MagazinesFreedAdd bumps the empty-magazine return counter.
func (c *Info) MagazinesFreedAdd() { c.Stats.MagazinesFreed.Add(1) }

// AllocateSlow serves an allocation without any cache: used when a
// caller has no thread cache at all.
func (c *Info) AllocateSlow() (uintptr, bool) {
	c.Stats.SlowAllocs.Add(1)

	if mag, ok := c.getCachedMagazine(nil); ok {
		ref, ok := mag.Get()
		if !ok {
			panic("classinfo: cached magazine lost its contents")
		}

		c.ReleaseMagazine(mag.Detach(), nil)

		return ref, true
	}

	return c.Press.AllocateOne()
}

// ReleaseSlow returns an allocation without any cache.
func (c *Info) ReleaseSlow(ref uintptr) {
	c.Stats.SlowReleases.Add(1)

	mag := c.allocateNonFullMagazine(nil)
	if !mag.Put(ref) {
		panic("classinfo: non-full magazine rejected a put")
	}

	c.ReleaseMagazine(mag.Detach(), nil)
}

// DepotSizes reports the current depths of the depot stacks. Linear in
// the stack sizes; telemetry only.
func (c *Info) DepotSizes() (full, partial int) {
	return c.fullMags.Len(), c.partialMags.Len()
}
