package magazine

// A magazine is a typed view over a Storage. The polarity of the view
// constrains the direction the element count may move: a PopMagazine
// only shrinks, a PushMagazine only grows. Converting between the two
// is a reinterpretation of the same storage, not a copy.
//
// A view without storage is a sentinel: it reads as empty to Get and
// full to Put, so both operations route callers to the slow path
// without a nil check on the hot path.

// impl is the polarity-free core shared by both views. count mirrors
// the storage's element count while the view is live; it is written
// back on detach.
type impl struct {
	count   uint32
	storage *Storage
}

// PopMagazine is an allocation source: operations only shrink it.
type PopMagazine struct {
	impl
}

// PushMagazine is a release sink: operations only grow it.
type PushMagazine struct {
	impl
}

// EmptyPop returns the storage-less pop sentinel ("always empty").
func EmptyPop() PopMagazine { return PopMagazine{} }

// FullPush returns the storage-less push sentinel ("always full").
func FullPush() PushMagazine { return PushMagazine{impl{count: Capacity}} }

// PopFromStorage wraps a detached storage in a pop view.
func PopFromStorage(s *Storage) PopMagazine {
	return PopMagazine{impl{count: s.numAllocated, storage: s}}
}

// PushFromStorage wraps a detached storage in a push view.
func PushFromStorage(s *Storage) PushMagazine {
	return PushMagazine{impl{count: s.numAllocated, storage: s}}
}

// HasStorage reports whether the view is backed by real storage.
func (m *impl) HasStorage() bool { return m.storage != nil }

// Len returns the number of objects in the magazine.
func (m *impl) Len() uint32 { return m.count }

func (m *impl) IsEmpty() bool { return m.count == 0 }

func (m *impl) IsFull() bool { return m.count == Capacity }

// Detach writes the element count back into the storage and returns
// it, leaving the view storage-less. Returns nil for sentinels.
func (m *impl) Detach() *Storage {
	s := m.storage
	if s == nil {
		return nil
	}

	s.numAllocated = m.count
	m.storage = nil
	m.count = 0

	return s
}

// Get pops the most recently pushed object. The second return value is
// false when the magazine is empty (always, for the sentinel).
func (m *PopMagazine) Get() (uintptr, bool) {
	if m.count == 0 {
		return 0, false
	}

	m.count--

	return m.storage.allocations[m.count], true
}

// Contents returns the populated prefix of the backing array. The
// caller may rewrite object bytes through it (zero-init refills do)
// but must not change the element count.
func (m *PopMagazine) Contents() []uintptr {
	if m.storage == nil {
		return nil
	}

	return m.storage.allocations[:m.count]
}

// Tail returns the unpopulated suffix of the backing array, for batch
// refills. Commit makes written entries visible.
func (m *PopMagazine) Tail() []uintptr {
	if m.storage == nil {
		return nil
	}

	return m.storage.allocations[m.count:]
}

// Commit records that the first n entries of Tail were populated.
func (m *PopMagazine) Commit(n int) {
	m.count += uint32(n)
}

// ConvertToPush reinterprets the pop view as a push view over the same
// storage. Sentinels convert to the push sentinel.
func (m *PopMagazine) ConvertToPush() PushMagazine {
	if m.storage == nil {
		return FullPush()
	}

	out := PushMagazine{m.impl}
	m.impl = impl{}

	return out
}

// Put pushes an object. It reports false when the magazine is full
// (always, for the sentinel); the caller keeps ownership of ref in
// that case.
func (m *PushMagazine) Put(ref uintptr) bool {
	if m.count >= Capacity {
		return false
	}

	m.storage.allocations[m.count] = ref
	m.count++

	return true
}

// ConvertToPop reinterprets the push view as a pop view over the same
// storage. Sentinels convert to the pop sentinel.
func (m *PushMagazine) ConvertToPop() PopMagazine {
	if m.storage == nil {
		return EmptyPop()
	}

	out := PopMagazine{m.impl}
	m.impl = impl{count: Capacity}

	return out
}
