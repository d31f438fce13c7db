//go:build linux

package mapper

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// systemMapper reserves address space with PROT_NONE anonymous
// mappings and commits subranges by re-mapping them readable and
// writable with MAP_FIXED. The kernel hands back zero-filled pages on
// commit, which is exactly the contract the mill needs.
type systemMapper struct {
	pageSize uintptr
}

func newSystemMapper() *systemMapper {
	return &systemMapper{pageSize: uintptr(os.Getpagesize())}
}

func (s *systemMapper) PageSize() uintptr { return s.pageSize }

func (s *systemMapper) Reserve(desired, dataSize, prefix, suffix uintptr) (uintptr, uintptr, error) {
	base, err := unix.MmapPtr(-1, 0, nil, desired,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, 0, fmt.Errorf("mapper: reserve %d bytes: %w", desired, err)
	}

	return uintptr(base), desired, nil
}

func (s *systemMapper) Release(base, size uintptr) error {
	if size == 0 {
		return nil
	}

	if err := unix.MunmapPtr(unsafe.Pointer(base), size); err != nil {
		return fmt.Errorf("mapper: release [%#x, %#x): %w", base, base+size, err)
	}

	return nil
}

func (s *systemMapper) AllocateMeta(base, size uintptr) error { return s.commitAnonymous(base, size) }

func (s *systemMapper) AllocateData(base, size uintptr) error { return s.commitAnonymous(base, size) }

func (s *systemMapper) commitAnonymous(base, size uintptr) error {
	if size == 0 {
		return nil
	}

	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("mapper: commit [%#x, %#x): %w", base, base+size, err)
	}

	return nil
}

func newPlatformMapper() Mapper { return newSystemMapper() }

func init() {
	// The file-backed mapper ships with the allocator; everything else
	// arrives through Register.
	if err := Register("file", fileBackedContractVersion, newFileBackedMapper()); err != nil {
		panic(err)
	}
}
