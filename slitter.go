package slitter

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"unsafe"

	"github.com/slitter-project/slitter/internal/mapper"
	"github.com/slitter-project/slitter/internal/mill"
	"github.com/slitter-project/slitter/internal/telemetry"
)

// cachePool recycles caches for the package-level entry points.
// Goroutines migrate between threads, so a Go cache cannot hang off a
// thread the way a native thread-local cache does; checking a cache
// out of the pool for the duration of one call gives the same
// single-owner discipline. A cache the pool drops at GC is drained
// back to the depots by its finalizer, which stands in for the
// thread-exit teardown of a native cache.
var cachePool = sync.Pool{
	New: func() any {
		c := NewCache()
		runtime.SetFinalizer(c, (*Cache).Close)

		return c
	},
}

// Allocate returns an object of the class, or nil when the system is
// out of memory. The result is aligned to the class alignment and, for
// zero-init classes, reads as zero.
func Allocate(class Class) unsafe.Pointer {
	c := cachePool.Get().(*Cache)
	ptr := c.Allocate(class)
	cachePool.Put(c)

	return ptr
}

// Release returns an object to its class. ptr may be nil. The class
// must be the one the object was allocated with.
func Release(class Class, ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	c := cachePool.Get().(*Cache)
	c.Release(class, ptr)
	cachePool.Put(c)
}

// SetFileBackedSlabDirectory sets the parent directory for the
// temporary files of the file-backed mapper. The empty string reverts
// to the system default; ":memory:" forces anonymous memory.
func SetFileBackedSlabDirectory(path string) {
	mapper.SetFileBackedSlabDirectory(path)
}

// Mapper abstracts OS interaction for span backing: address-space
// reservation, release, and commitment to zero-filled memory. See the
// internal mapper package for the full contract; committed ranges must
// read as zero.
type Mapper interface {
	PageSize() uintptr
	Reserve(desired, dataSize, prefix, suffix uintptr) (base, actual uintptr, err error)
	Release(base, size uintptr) error
	AllocateMeta(base, size uintptr) error
	AllocateData(base, size uintptr) error
}

// RegisterMapper upserts a named mapper implementing the given
// contract version. The name "file" is pre-populated with the
// file-backed mapper.
func RegisterMapper(name, version string, m Mapper) error {
	return mapper.Register(name, version, m)
}

// Geometry mirrors the chunk layout constants; see ConfigureGeometry.
type Geometry struct {
	DataAlignment   uintptr
	GuardSize       uintptr
	MetadataSize    uintptr
	SpanAlignment   uintptr
	DesiredSpanSize uintptr
}

// ConfigureGeometry installs a chunk geometry before the first chunk
// is carved. Platforms where gigabyte-aligned reservations are
// impractical scale the constants down uniformly.
func ConfigureGeometry(g Geometry) error {
	return mill.Configure(mill.Geometry{
		DataAlignment:   g.DataAlignment,
		GuardSize:       g.GuardSize,
		MetadataSize:    g.MetadataSize,
		SpanAlignment:   g.SpanAlignment,
		DesiredSpanSize: g.DesiredSpanSize,
	})
}

// DebugHandler returns the diagnostic HTTP handler: per-class slab
// statistics as JSON under /slabs.
func DebugHandler() http.Handler { return telemetry.Handler() }

// StartDebugServer serves the diagnostic endpoints on addr and returns
// the bound address and a shutdown function.
func StartDebugServer(addr string) (string, func(ctx context.Context) error, error) {
	return telemetry.StartDebugHTTP(addr)
}
