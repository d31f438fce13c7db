package classinfo

import (
	"os"
	"testing"
	"unsafe"

	"github.com/slitter-project/slitter/internal/magazine"
	"github.com/slitter-project/slitter/internal/mapper"
	"github.com/slitter-project/slitter/internal/mill"
)

func TestMain(m *testing.M) {
	if err := mill.Configure(mill.TestGeometry()); err != nil {
		panic(err)
	}

	mapper.SetDefault(mapper.NewHeapMapper())

	os.Exit(m.Run())
}

func registerTestClass(t *testing.T, name string, size uintptr, zeroInit bool) *Info {
	t.Helper()

	info, err := Register(name, size, 8, zeroInit, "")
	if err != nil {
		t.Fatalf("class registration failed: %v", err)
	}

	return info
}

func TestRegisterAssignsDenseIDs(t *testing.T) {
	before := MaxID()

	a := registerTestClass(t, "dense_a", 8, false)
	b := registerTestClass(t, "dense_b", 16, false)

	if a.ID != before+1 || b.ID != before+2 {
		t.Fatalf("ids %d, %d not dense after %d", a.ID, b.ID, before)
	}

	if Lookup(a.ID) != a || Lookup(b.ID) != b {
		t.Fatal("lookup does not round-trip")
	}

	if Lookup(0) != nil {
		t.Fatal("dummy slot 0 resolved to a class")
	}

	if Lookup(MaxID()+1) != nil {
		t.Fatal("out-of-range id resolved to a class")
	}
}

func TestRefillFromPress(t *testing.T) {
	info := registerTestClass(t, "refill_press", 8, false)

	mag := magazine.EmptyPop()

	ref, ok := info.RefillMagazine(&mag, nil)
	if !ok {
		t.Fatal("refill failed")
	}

	if ref == 0 {
		t.Fatal("refill returned the null address")
	}

	// The placeholder must have been upgraded and mostly filled.
	if !mag.HasStorage() {
		t.Fatal("refill left the magazine storage-less")
	}

	if mag.IsEmpty() {
		t.Fatal("refill left the magazine empty")
	}

	// No stashed object duplicates the returned one.
	for _, addr := range mag.Contents() {
		if addr == ref {
			t.Fatalf("refill stashed the returned object %#x", addr)
		}
	}

	info.ReleaseMagazine(mag.Detach(), nil)
}

func TestClearAndRefillRoundTrip(t *testing.T) {
	info := registerTestClass(t, "clear_refill", 8, false)

	// Draw a full magazine's worth plus one.
	alloc := magazine.EmptyPop()
	first, ok := info.RefillMagazine(&alloc, nil)
	if !ok {
		t.Fatal("refill failed")
	}

	refs := []uintptr{first}
	for {
		ref, ok := alloc.Get()
		if !ok {
			break
		}

		refs = append(refs, ref)
	}

	info.ReleaseMagazine(alloc.Detach(), nil)

	// Release them all through the push surface; the overflow path
	// exercises ClearMagazine.
	release := magazine.FullPush()
	for _, ref := range refs {
		if release.Put(ref) {
			continue
		}

		info.ClearMagazine(&release, ref, nil)
	}

	info.ReleaseMagazine(release.Detach(), nil)

	// The depot now owns every object; drawing again must reuse them.
	alloc = magazine.EmptyPop()
	ref, ok := info.RefillMagazine(&alloc, nil)
	if !ok {
		t.Fatal("second refill failed")
	}

	recycled := map[uintptr]bool{ref: true}
	for {
		r, ok := alloc.Get()
		if !ok {
			break
		}

		recycled[r] = true
	}

	found := false
	for _, old := range refs {
		if recycled[old] {
			found = true

			break
		}
	}

	if !found {
		t.Fatal("no released object came back from the depot")
	}

	info.ReleaseMagazine(alloc.Detach(), nil)
}

func TestZeroInitRefill(t *testing.T) {
	info := registerTestClass(t, "zero_refill", 16, true)

	ref, ok := info.AllocateSlow()
	if !ok {
		t.Fatal("allocation failed")
	}

	// Dirty the object, release it, and draw until it comes back.
	object := unsafe.Slice((*byte)(unsafe.Pointer(ref)), 16)
	for i := range object {
		object[i] = 0xFF
	}

	info.ReleaseSlow(ref)

	for tries := 0; tries < 4096; tries++ {
		got, ok := info.AllocateSlow()
		if !ok {
			t.Fatal("allocation failed")
		}

		zero := true
		gotObject := unsafe.Slice((*byte)(unsafe.Pointer(got)), 16)
		for _, b := range gotObject {
			if b != 0 {
				zero = false

				break
			}
		}

		if !zero {
			t.Fatalf("allocation %#x returned dirty bytes from a zero-init class", got)
		}

		if got == ref {
			return // the dirty object came back zeroed
		}
	}

	t.Fatal("released object never resurfaced")
}

func TestLocalCacheSwings(t *testing.T) {
	info := registerTestClass(t, "local_swing", 8, false)

	var lc LocalCache

	// Park an empty storage in the slot.
	empty := magazine.NewStorage()
	info.ReleaseMagazine(empty, &lc)

	if st := lc.takeEmpty(); st != empty {
		t.Fatalf("local cache holds %p, want the empty storage %p", st, empty)
	}

	// Re-park it, then release a full storage: the slot swings to the
	// full one and the empty is evicted to the rack path.
	info.ReleaseMagazine(empty, &lc)

	full := magazine.NewStorage()
	fullPush := magazine.PushFromStorage(full)
	for i := uintptr(1); i <= magazine.Capacity; i++ {
		addr, ok := info.AllocateSlow()
		if !ok {
			t.Fatal("allocation failed")
		}

		if !fullPush.Put(addr) {
			t.Fatal("put into non-full storage failed")
		}
	}

	info.ReleaseMagazine(fullPush.Detach(), &lc)

	if st := lc.takeFull(); st != full {
		t.Fatalf("local cache holds %p, want the full storage %p", st, full)
	}

	// Clean up: hand everything back through the depot.
	info.ReleaseMagazine(full, nil)
}

func TestReleaseMagazineRouting(t *testing.T) {
	info := registerTestClass(t, "routing", 8, false)

	fullBefore, partialBefore := info.DepotSizes()

	// A partial magazine must land in the partial stack even when a
	// local cache is offered.
	var lc LocalCache

	addr, ok := info.AllocateSlow()
	if !ok {
		t.Fatal("allocation failed")
	}

	partial := magazine.NewStorage()
	push := magazine.PushFromStorage(partial)
	if !push.Put(addr) {
		t.Fatal("put failed")
	}

	info.ReleaseMagazine(push.Detach(), &lc)

	fullAfter, partialAfter := info.DepotSizes()
	if partialAfter != partialBefore+1 || fullAfter != fullBefore {
		t.Fatalf("depot (%d full, %d partial), want (%d, %d)",
			fullAfter, partialAfter, fullBefore, partialBefore+1)
	}

	if lc.Drain() != nil {
		t.Fatal("partial magazine was parked in the local cache")
	}
}
