// Package mapper abstracts the acquisition of address space and
// backing memory from the operating system. Each Mill is parameterised
// on a Mapper; presses that use different mappers never contend on the
// same Mill.
//
// Committed memory (AllocateMeta / AllocateData) must be zero-filled on
// return. The press relies on this both for span metadata, whose
// all-zero bit pattern is a valid "unowned" record, and for the data of
// zero-init classes.
package mapper

import (
	"errors"
	"fmt"
	"sync"

	semver "github.com/Masterminds/semver/v3"
)

// Mapper acquires and commits address space. All addresses and sizes
// passed in are aligned to PageSize by the caller, except dataSize,
// prefix and suffix, which are layout hints and may be misaligned.
type Mapper interface {
	// PageSize returns the mapping granularity. It must be a power of
	// two, constant for the lifetime of the process, and no larger
	// than the mill's guard size.
	PageSize() uintptr

	// Reserve obtains a page-aligned region of at least desired bytes
	// of address space, without backing memory. The caller intends to
	// carve out dataSize bytes aligned to dataSize, preceded by prefix
	// bytes and followed by suffix bytes; a smart mapper may
	// over-reserve to improve the odds of a usable alignment. Returns
	// the base address and the actual reserved size.
	Reserve(desired, dataSize, prefix, suffix uintptr) (base, actual uintptr, err error)

	// Release returns a page-aligned subrange of a single prior
	// Reserve call to the system.
	Release(base, size uintptr) error

	// AllocateMeta commits a page-aligned metadata subrange to
	// zero-filled read-write memory.
	AllocateMeta(base, size uintptr) error

	// AllocateData commits a page-aligned object-data subrange to
	// zero-filled read-write memory. Mappers may back data differently
	// from metadata (e.g. with file mappings).
	AllocateData(base, size uintptr) error
}

// ErrUnknownMapper is returned when a class names a mapper that was
// never registered.
var ErrUnknownMapper = errors.New("mapper: unknown mapper name")

// registryAPIConstraint gates registered mappers: an entry must declare
// a version this registry knows how to drive.
const registryAPIConstraint = "^1"

var (
	registryMu sync.Mutex
	registry   = make(map[string]Mapper)

	defaultMu     sync.Mutex
	defaultMapper Mapper
)

// Register upserts the mapper associated with name. The mapper declares
// the version of the mapper contract it implements; registration fails
// if the registry's constraint rejects it.
func Register(name, version string, m Mapper) error {
	constraint, err := semver.NewConstraint(registryAPIConstraint)
	if err != nil {
		panic("mapper: bad registry constraint: " + err.Error())
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("mapper: invalid version %q for %q: %w", version, name, err)
	}

	if !constraint.Check(v) {
		return fmt.Errorf("mapper: %q declares contract version %s outside %s", name, v, registryAPIConstraint)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = m

	return nil
}

// Get returns the mapper registered under name, or the process default
// mapper when name is empty.
func Get(name string) (Mapper, error) {
	if name == "" {
		return Default(), nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMapper, name)
	}

	return m, nil
}

// Default returns the process default mapper.
func Default() Mapper {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultMapper == nil {
		defaultMapper = newPlatformMapper()
	}

	return defaultMapper
}

// SetDefault replaces the process default mapper. Intended for tests
// and for embedders that bring their own mapping layer; existing mills
// keep the mapper they resolved at creation.
func SetDefault(m Mapper) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultMapper = m
}
