//go:build linux

package mapper

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fileBackedMapper backs object data with shared mappings of unlinked
// temporary files. Cold object pages then have a swap target even on
// machines without swap configured, so the OS can evict them eagerly
// under memory pressure. Metadata stays anonymous: it is hot and small.
type fileBackedMapper struct {
	systemMapper
}

func newFileBackedMapper() *fileBackedMapper {
	return &fileBackedMapper{systemMapper{pageSize: uintptr(os.Getpagesize())}}
}

func (f *fileBackedMapper) AllocateData(base, size uintptr) error {
	if size == 0 {
		return nil
	}

	dir := FileBackedSlabDirectory()
	if dir == InMemorySentinel {
		return f.commitAnonymous(base, size)
	}

	tmp, err := os.CreateTemp(dir, "slitter-slab-*")
	if err != nil {
		return fmt.Errorf("mapper: create slab file in %q: %w", dir, err)
	}
	// The mapping keeps the inode alive; the name is only useful for
	// the slab-directory watcher and for operators poking around.
	defer tmp.Close()
	defer os.Remove(tmp.Name())

	observeSlabFile(dir, tmp.Name())

	if err := unix.Ftruncate(int(tmp.Fd()), int64(size)); err != nil {
		return fmt.Errorf("mapper: size slab file to %d bytes: %w", size, err)
	}

	_, err = unix.MmapPtr(int(tmp.Fd()), 0, unsafe.Pointer(base), size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("mapper: map slab file over [%#x, %#x): %w", base, base+size, err)
	}

	return nil
}
