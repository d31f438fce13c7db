package mapper

import (
	"sync"
)

// fileBackedContractVersion is the mapper-contract version the shipped
// "file" mapper declares to the registry.
const fileBackedContractVersion = "1.0.0"

// InMemorySentinel forces the file-backed mapper to fall back to
// anonymous memory instead of temporary files.
const InMemorySentinel = ":memory:"

var (
	slabDirMu sync.Mutex
	slabDir   string
)

// SetFileBackedSlabDirectory sets the parent directory for the
// temporary files that back file-backed slabs. An empty path reverts to
// the system default temporary directory; InMemorySentinel disables
// file backing entirely.
func SetFileBackedSlabDirectory(path string) {
	slabDirMu.Lock()
	slabDir = path
	slabDirMu.Unlock()
}

// FileBackedSlabDirectory returns the configured slab directory.
func FileBackedSlabDirectory() string {
	slabDirMu.Lock()
	defer slabDirMu.Unlock()

	return slabDir
}
