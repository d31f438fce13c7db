// Package slitter is a per-class slab allocator. Callers register
// allocation classes — a fixed object size, an optional name, a
// zero-init flag and an optional backing mapper — and then allocate
// and release fixed-size objects drawn from each class.
//
// Within a class, addresses are type-stable: once an address has been
// handed out for class C, no other class will ever receive it, and the
// allocator never overwrites freed objects with internal metadata.
// Freed memory therefore retains its last-written bit pattern until
// the next allocation (subject to the class's zero-init policy), which
// lets optimistic lock-free readers chase stale pointers safely.
package slitter

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/slitter-project/slitter/internal/classinfo"
	"github.com/slitter-project/slitter/internal/press"
)

// Class is the opaque handle for an allocation class. The zero value
// is invalid; handles come from RegisterClass. Classes are immortal.
type Class struct {
	id uint32
}

// ClassConfig describes a class at registration time.
type ClassConfig struct {
	// Name is an optional diagnostic label.
	Name string

	// Size is the object size in bytes. Raised to at least 1 and
	// padded to Align.
	Size uintptr

	// Align is the object alignment; zero means 8. At most one page.
	Align uintptr

	// ZeroInit guarantees that objects read as zero at the moment
	// allocation returns them. Freshly pressed objects come from
	// zero-filled memory; a released object reaches a cache's alloc
	// magazine only through a refill from the local slot or the depot,
	// and that refill re-zeroes it.
	ZeroInit bool

	// Mapper names the registered mapper backing this class's spans;
	// empty selects the default anonymous mapper.
	Mapper string
}

// ErrInvalidConfig reports an unusable class configuration.
var ErrInvalidConfig = errors.New("slitter: invalid class configuration")

// RegisterClass creates a new allocation class. Ids are dense,
// assigned from 1; classes are never unregistered.
func RegisterClass(config ClassConfig) (Class, error) {
	size := config.Size
	if size == 0 {
		size = 1
	}

	align := config.Align
	if align == 0 {
		align = 8
	}

	if align&(align-1) != 0 {
		return Class{}, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, align)
	}

	if align > press.MaxObjectAlignment {
		return Class{}, fmt.Errorf("%w: alignment %d exceeds one page", ErrInvalidConfig, align)
	}

	size = (size + align - 1) &^ (align - 1)

	info, err := classinfo.Register(config.Name, size, align, config.ZeroInit, config.Mapper)
	if err != nil {
		return Class{}, err
	}

	return Class{id: info.ID}, nil
}

// MustRegisterClass is RegisterClass for configurations that are
// compile-time constants in the caller; it panics on error.
func MustRegisterClass(config ClassConfig) Class {
	class, err := RegisterClass(config)
	if err != nil {
		panic(err)
	}

	return class
}

// ClassFromID returns the class handle for a previously assigned id.
func ClassFromID(id uint32) (Class, bool) {
	if classinfo.Lookup(id) == nil {
		return Class{}, false
	}

	return Class{id: id}, true
}

// MaxClassID returns the highest assigned class id.
func MaxClassID() uint32 { return classinfo.MaxID() }

// ID returns the class's non-zero id.
func (c Class) ID() uint32 { return c.id }

// Name returns the class's diagnostic label.
func (c Class) Name() string { return c.info().Name }

// Size returns the padded object size.
func (c Class) Size() uintptr { return c.info().Size }

func (c Class) info() *classinfo.Info {
	info := classinfo.Lookup(c.id)
	if info == nil {
		panic(fmt.Sprintf("slitter: invalid class handle %d", c.id))
	}

	return info
}

// CheckAllocation reports whether ptr could have been allocated from
// class: the span metadata derived from the address must carry the
// class's id. It is valid on any address the allocator ever returned
// for the class, including currently free ones.
func CheckAllocation(class Class, ptr unsafe.Pointer) error {
	return press.CheckAllocation(class.id, uintptr(ptr))
}
