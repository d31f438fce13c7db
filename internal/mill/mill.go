package mill

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/slitter-project/slitter/internal/debug"
	"github.com/slitter-project/slitter/internal/mapper"
)

// A Mill hands out spans of object data and the matching metadata
// records to presses. Presses that share a mapper share a Mill; both
// are immortal, and so is everything the Mill carves out.

// MilledRange is a freshly carved span.
type MilledRange struct {
	// Meta is the zero-filled metadata record of the span's first
	// slot.
	Meta *SpanMetadata

	// Trail holds the metadata records of the span's remaining slots.
	// The press must tag every one of them with the owning class so
	// that any address inside the span resolves to the right class.
	Trail []SpanMetadata

	// Data is the span's first byte; DataSize its extent.
	Data     uintptr
	DataSize uintptr
}

type chunk struct {
	meta      uintptr // metadata array base
	data      uintptr // data region base
	spanCount uintptr
	nextFree  uintptr // bump index, in span slots
}

// Mill carves chunks out of a mapper and spans out of chunks.
type Mill struct {
	mapper mapper.Mapper

	mu      sync.Mutex
	current *chunk
	chunks  uint64
}

var (
	millsMu sync.Mutex
	mills   = make(map[string]*Mill)
)

// Get returns the shared Mill for mapperName, creating it on first
// use. The empty name designates the default mapper.
func Get(mapperName string) (*Mill, error) {
	millsMu.Lock()
	defer millsMu.Unlock()

	if m, ok := mills[mapperName]; ok {
		return m, nil
	}

	mp, err := mapper.Get(mapperName)
	if err != nil {
		return nil, err
	}

	m := &Mill{mapper: mp}
	mills[mapperName] = m

	return m, nil
}

// ChunkCount returns the number of chunks this mill has committed.
func (m *Mill) ChunkCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.chunks
}

// GetSpan returns a fresh span of at least minSize bytes, trying for
// desiredSize (the geometry default when zero). Failures are
// mapper-level only and surface as OOM to the caller.
func (m *Mill) GetSpan(minSize, desiredSize uintptr) (MilledRange, error) {
	g := CurrentGeometry()

	if minSize > g.MaxSpanSize() {
		panic(fmt.Sprintf("mill: span request %d exceeds maximum %d", minSize, g.MaxSpanSize()))
	}

	desired := desiredSize
	if desired == 0 {
		desired = g.DesiredSpanSize
	}

	if desired < minSize {
		desired = minSize
	}

	if desired > g.MaxSpanSize() {
		desired = g.MaxSpanSize()
	}

	minSlots := (minSize + g.SpanAlignment - 1) / g.SpanAlignment
	if minSlots == 0 {
		minSlots = 1
	}

	desiredSlots := (desired + g.SpanAlignment - 1) / g.SpanAlignment

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		c, err := m.allocateChunk(g)
		if err != nil {
			return MilledRange{}, err
		}

		m.current = c
	}

	if r, ok := m.current.allocateSpan(g, minSlots, desiredSlots); ok {
		return r, nil
	}

	// The current chunk cannot satisfy the request; its remaining
	// slots are abandoned. A fresh chunk always can.
	c, err := m.allocateChunk(g)
	if err != nil {
		return MilledRange{}, err
	}

	m.current = c

	r, ok := m.current.allocateSpan(g, minSlots, desiredSlots)
	if !ok {
		panic("mill: fresh chunk cannot satisfy span request")
	}

	return r, nil
}

// allocateSpan bumps slots off the chunk. Returns at least minSlots
// and up to desiredSlots, or reports failure when the chunk is too
// empty.
func (c *chunk) allocateSpan(g Geometry, minSlots, desiredSlots uintptr) (MilledRange, bool) {
	remaining := c.spanCount - c.nextFree
	if remaining < minSlots {
		return MilledRange{}, false
	}

	allocated := min(remaining, desiredSlots)
	index := c.nextFree
	c.nextFree += allocated

	metaSize := unsafe.Sizeof(SpanMetadata{})
	first := (*SpanMetadata)(unsafe.Pointer(c.meta + index*metaSize))

	var trail []SpanMetadata
	if allocated > 1 {
		trailBase := (*SpanMetadata)(unsafe.Pointer(c.meta + (index+1)*metaSize))
		trail = unsafe.Slice(trailBase, allocated-1)
	}

	return MilledRange{
		Meta:     first,
		Trail:    trail,
		Data:     c.data + index*g.SpanAlignment,
		DataSize: allocated * g.SpanAlignment,
	}, true
}

// allocateChunk reserves, carves and commits a fresh chunk. Callers
// hold m.mu.
func (m *Mill) allocateChunk(g Geometry) (*chunk, error) {
	pageSize := m.mapper.PageSize()

	size := roundUp(g.mappedRegionSize(), pageSize)

	base, actual, err := m.mapper.Reserve(size, g.DataAlignment, g.prefixSize(), g.suffixSize())
	if err != nil {
		return nil, err
	}

	if debug.Enabled {
		if derr := debug.ReserveRange(base, actual); derr != nil {
			panic(derr)
		}
	}

	layout, err := carveChunk(g, pageSize, base, actual)
	if err != nil {
		// The mapper returned an unusable region; that is a bug in the
		// mapper, not an OOM.
		panic(fmt.Sprintf("mill: mapper returned a bad region: %v", err))
	}

	if err := m.commitChunk(layout); err != nil {
		// Commit failed: give the whole reservation back and report
		// OOM upwards.
		_ = m.mapper.Release(base, actual)

		return nil, err
	}

	m.chunks++

	return &chunk{
		meta:      layout.meta,
		data:      layout.data,
		spanCount: g.spanCount(),
	}, nil
}

// chunkLayout records how a reservation is partitioned. The slop
// ranges outside [bottomSlopEnd, topSlopBegin) are released once the
// metadata and data ranges are committed; everything kept is immortal.
type chunkLayout struct {
	base, top     uintptr // reservation bounds, page-aligned
	bottomSlopEnd uintptr // page-aligned
	meta          uintptr
	data          uintptr
	topSlopBegin  uintptr // page-aligned
}

// carveChunk finds a DataAlignment-aligned data region with room for
// the guard/metadata prefix and the guard suffix inside [base,
// base+size).
func carveChunk(g Geometry, pageSize, base, size uintptr) (chunkLayout, error) {
	if base%pageSize != 0 {
		return chunkLayout{}, fmt.Errorf("mill: reservation base %#x not page aligned", base)
	}

	if size%pageSize != 0 {
		return chunkLayout{}, fmt.Errorf("mill: reservation size %#x not page aligned", size)
	}

	top := base + size
	if top < base {
		return chunkLayout{}, fmt.Errorf("mill: reservation wraps around")
	}

	// First aligned data start at or after base; step one alignment
	// forward when the prefix does not fit before it.
	data := (base/g.DataAlignment + 1) * g.DataAlignment
	if data-base < g.prefixSize() {
		data += g.DataAlignment
	}

	// Round the slop boundaries inward to pages: releasing less than
	// the exact slop is always safe.
	bottomSlopEnd := data - g.prefixSize()
	bottomSlopEnd -= bottomSlopEnd % pageSize

	meta := bottomSlopEnd + g.GuardSize

	suffixEnd := roundUp(data+g.DataAlignment+g.suffixSize(), pageSize)
	if suffixEnd > top {
		return chunkLayout{}, fmt.Errorf("mill: region too small for chunk layout")
	}

	return chunkLayout{
		base:          base,
		top:           top,
		bottomSlopEnd: bottomSlopEnd,
		meta:          meta,
		data:          data,
		topSlopBegin:  suffixEnd,
	}, nil
}

// commitChunk backs the metadata and data ranges and releases the
// slop.
func (m *Mill) commitChunk(l chunkLayout) error {
	g := CurrentGeometry()
	pageSize := m.mapper.PageSize()

	metaBase := l.meta - l.meta%pageSize
	metaTop := roundUp(l.meta+g.MetadataSize, pageSize)
	if err := m.mapper.AllocateMeta(metaBase, metaTop-metaBase); err != nil {
		return err
	}

	if err := m.mapper.AllocateData(l.data, g.DataAlignment); err != nil {
		return err
	}

	if debug.Enabled {
		if derr := debug.MarkMetadata(metaBase, metaTop-metaBase); derr != nil {
			panic(derr)
		}

		if derr := debug.MarkData(l.data, g.DataAlignment); derr != nil {
			panic(derr)
		}
	}

	// Trim the slop; failures here waste address space but the chunk
	// itself is fully usable.
	if l.bottomSlopEnd > l.base {
		_ = m.mapper.Release(l.base, l.bottomSlopEnd-l.base)
	}

	if l.top > l.topSlopBegin {
		_ = m.mapper.Release(l.topSlopBegin, l.top-l.topSlopBegin)
	}

	return nil
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
