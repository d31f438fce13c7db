package mill

import (
	"sync/atomic"
	"unsafe"
)

// SpanMetadata is the per-span record in a chunk's metadata page. The
// all-zero bit pattern is a valid value meaning "not yet owned by any
// class"; freshly committed metadata pages therefore need no
// initialisation pass.
type SpanMetadata struct {
	// ClassID is the owning class, zero while unowned. Written once
	// during span installation, immutable afterwards.
	ClassID uint32

	// BumpLimit is the object capacity of the span.
	BumpLimit uint32

	// BumpPtr counts objects carved out of the span. It can overshoot
	// BumpLimit: racing batch grants push it past the limit and then
	// learn that the span is exhausted.
	BumpPtr atomic.Uint64

	// SpanBegin is the address of the span's first byte.
	SpanBegin uintptr
}

// MetadataOf maps an object address to its span metadata by
// arithmetic. The data region of every chunk is aligned to
// DataAlignment and its metadata page sits at a fixed offset below, so
//
//	chunk  = addr - addr mod DataAlignment
//	slot   = (addr mod DataAlignment) / SpanAlignment
//	meta   = chunk - Guard - MetadataSize + slot*sizeof(SpanMetadata)
//
// holds for every address the mill has handed out. The result is only
// meaningful for such addresses.
func MetadataOf(addr uintptr) *SpanMetadata {
	g := currentGeometry()

	chunk := addr - addr%g.DataAlignment
	slot := (addr % g.DataAlignment) / g.SpanAlignment
	meta := chunk - g.GuardSize - g.MetadataSize + slot*unsafe.Sizeof(SpanMetadata{})

	return (*SpanMetadata)(unsafe.Pointer(meta))
}
