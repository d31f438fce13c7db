// Package mill partitions reserved address space into chunks and
// chunks into spans, and publishes the span metadata that lets any
// object address resolve to its owning class by pure arithmetic.
//
// A chunk's layout, low to high:
//
//	| guard | metadata page | guard | data ... data | guard |
//
// The data region is geo.DataAlignment bytes, aligned to its own size;
// the metadata page holds one SpanMetadata per span-aligned slot of the
// data region, at a fixed offset below the data. That fixed spatial
// relationship is what makes MetadataOf a handful of integer ops.
package mill

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Geometry fixes the chunk layout constants. All fields must be
// multiples of the mapper page size; DataAlignment must be a power of
// two and large enough that DataAlignment/SpanAlignment metadata
// records fit in MetadataSize bytes.
type Geometry struct {
	// DataAlignment is the size and alignment of a chunk's data
	// region.
	DataAlignment uintptr

	// GuardSize is the width of the guard ranges framing the metadata
	// page and the data region. Never committed.
	GuardSize uintptr

	// MetadataSize is the size of the metadata page.
	MetadataSize uintptr

	// SpanAlignment is the span slot granularity within the data
	// region.
	SpanAlignment uintptr

	// DesiredSpanSize is the default span request when the press does
	// not ask for a specific size.
	DesiredSpanSize uintptr
}

// DefaultGeometry is the production layout: 1 GB chunks with 2 MB
// guard and metadata superpages and 16 KB span slots. The desired span
// size is deliberately just off 1 MB so consecutive spans' metadata
// lands in different cache sets.
func DefaultGeometry() Geometry {
	return Geometry{
		DataAlignment:   1 << 30,
		GuardSize:       2 << 20,
		MetadataSize:    2 << 20,
		SpanAlignment:   16 << 10,
		DesiredSpanSize: (1 << 20) - (16 << 10),
	}
}

// TestGeometry is a uniformly scaled-down layout for platforms and
// tests where gigabyte-aligned reservations are impractical: 2 MB
// chunks, 64 KB guard/metadata pages, 4 KB spans.
func TestGeometry() Geometry {
	return Geometry{
		DataAlignment:   2 << 20,
		GuardSize:       64 << 10,
		MetadataSize:    64 << 10,
		SpanAlignment:   4 << 10,
		DesiredSpanSize: 4 << 10,
	}
}

// MaxSpanSize bounds a single span request. Capping it at 1/16th of
// the chunk bounds fragmentation when a chunk's remaining slots cannot
// satisfy a request.
func (g Geometry) MaxSpanSize() uintptr { return g.DataAlignment / 16 }

func (g Geometry) spanCount() uintptr { return g.DataAlignment / g.SpanAlignment }

func (g Geometry) prefixSize() uintptr { return g.GuardSize + g.MetadataSize + g.GuardSize }

func (g Geometry) suffixSize() uintptr { return g.GuardSize }

// mappedRegionSize is the reservation request: large enough that some
// DataAlignment-aligned data region with room for the prefix and
// suffix always fits.
func (g Geometry) mappedRegionSize() uintptr {
	return 2*g.DataAlignment + g.prefixSize() + g.suffixSize()
}

func (g Geometry) validate() error {
	if g.DataAlignment == 0 || g.DataAlignment&(g.DataAlignment-1) != 0 {
		return fmt.Errorf("mill: data alignment %d is not a power of two", g.DataAlignment)
	}

	if g.SpanAlignment == 0 || g.DataAlignment%g.SpanAlignment != 0 {
		return fmt.Errorf("mill: span alignment %d does not divide chunk size %d",
			g.SpanAlignment, g.DataAlignment)
	}

	// Spans must be able to hold any supported object alignment (one
	// page), or span-aligned bump allocation could misalign objects.
	if g.SpanAlignment < 4096 {
		return fmt.Errorf("mill: span alignment %d below one page", g.SpanAlignment)
	}

	if g.DesiredSpanSize > g.MaxSpanSize() {
		return fmt.Errorf("mill: desired span size %d exceeds maximum %d",
			g.DesiredSpanSize, g.MaxSpanSize())
	}

	need := g.spanCount() * unsafe.Sizeof(SpanMetadata{})
	if need > g.MetadataSize {
		return fmt.Errorf("mill: metadata page %d bytes cannot hold %d span records",
			g.MetadataSize, g.spanCount())
	}

	if g.prefixSize()+g.suffixSize() >= g.DataAlignment {
		return fmt.Errorf("mill: guard and metadata overhead exceeds chunk size")
	}

	return nil
}

var (
	geoMu     sync.Mutex
	geoFrozen bool
	geoPtr    atomic.Pointer[Geometry]
)

func init() {
	g := DefaultGeometry()
	geoPtr.Store(&g)
}

// Configure installs a chunk geometry. It must run before the first
// chunk is carved; the address arithmetic bakes the geometry into
// every outstanding chunk, so changing it afterwards would corrupt the
// address→class mapping.
func Configure(g Geometry) error {
	if err := g.validate(); err != nil {
		return err
	}

	geoMu.Lock()
	defer geoMu.Unlock()

	if geoFrozen {
		return fmt.Errorf("mill: geometry is frozen after the first chunk allocation")
	}

	geoPtr.Store(&g)

	return nil
}

// CurrentGeometry returns the installed geometry and freezes it
// against further Configure calls.
func CurrentGeometry() Geometry {
	geoMu.Lock()
	geoFrozen = true
	geoMu.Unlock()

	return *geoPtr.Load()
}

// currentGeometry reads the geometry on lookup paths without freezing
// it; MetadataOf runs on every release and must stay lock-free.
func currentGeometry() Geometry { return *geoPtr.Load() }
