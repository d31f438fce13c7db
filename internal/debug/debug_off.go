//go:build !slitter_debug

package debug

// Enabled reports whether contract checking is compiled in.
const Enabled = false

func CanBeAllocated(class uint32, addr uintptr) error { return nil }

func MarkAllocated(class uint32, addr uintptr) error { return nil }

func MarkReleased(class uint32, addr uintptr) error { return nil }

func AssociateClass(class uint32, addr, size uintptr) error { return nil }

func PtrIsClass(class uint32, addr uintptr) error { return nil }

func ReserveRange(begin, size uintptr) error { return nil }

func MarkMetadata(begin, size uintptr) error { return nil }

func MarkData(begin, size uintptr) error { return nil }

func IsMetadata(begin, size uintptr) error { return nil }

func IsData(begin, size uintptr) error { return nil }
