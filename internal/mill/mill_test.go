package mill

import (
	"os"
	"testing"
	"unsafe"

	"github.com/slitter-project/slitter/internal/mapper"
)

func TestMain(m *testing.M) {
	// Gigabyte chunks are impractical in tests; install the scaled
	// geometry and heap-backed reservations before anything freezes
	// the configuration.
	if err := Configure(TestGeometry()); err != nil {
		panic(err)
	}

	mapper.SetDefault(mapper.NewHeapMapper())

	os.Exit(m.Run())
}

// TestCarveChunk feeds synthetic reservations to the carving logic and
// checks the layout invariants for bases in every interesting position
// relative to the alignment.
func TestCarveChunk(t *testing.T) {
	g := TestGeometry()

	const pageSize = 4096

	cases := []struct {
		name string
		base uintptr
	}{
		{"at_start", pageSize},
		{"aligned", g.DataAlignment},
		{"unaligned", g.DataAlignment + pageSize},
		{"offset_guard", g.DataAlignment - g.GuardSize},
		{"offset_meta", g.DataAlignment - g.GuardSize - g.MetadataSize},
		{"off_by_one_page", g.DataAlignment - g.prefixSize() + pageSize},
		{"exact_fit", g.DataAlignment - g.prefixSize()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			layout, err := carveChunk(g, pageSize, tc.base, g.mappedRegionSize())
			if err != nil {
				t.Fatalf("carve failed: %v", err)
			}

			if layout.data%g.DataAlignment != 0 {
				t.Errorf("data %#x not aligned to %#x", layout.data, g.DataAlignment)
			}

			if layout.meta+g.MetadataSize+g.GuardSize != layout.data {
				t.Errorf("metadata page at %#x not at fixed offset below data %#x", layout.meta, layout.data)
			}

			if layout.bottomSlopEnd%pageSize != 0 || layout.topSlopBegin%pageSize != 0 {
				t.Errorf("slop boundaries %#x/%#x not page aligned", layout.bottomSlopEnd, layout.topSlopBegin)
			}

			if layout.bottomSlopEnd < layout.base || layout.topSlopBegin > layout.top {
				t.Errorf("slop boundaries outside reservation")
			}

			if layout.data+g.DataAlignment+g.suffixSize() > layout.topSlopBegin+pageSize {
				t.Errorf("suffix guard does not fit before the top slop")
			}

			// The address→metadata formula must agree with the carve
			// for the first and last span slots.
			metaSize := unsafe.Sizeof(SpanMetadata{})

			first := layout.data
			want := layout.data - g.GuardSize - g.MetadataSize
			if got := metadataAddress(g, first); got != want {
				t.Errorf("metadata of first byte: %#x, want %#x", got, want)
			}

			last := layout.data + g.DataAlignment - 1
			want = layout.data - g.GuardSize - g.MetadataSize + (g.spanCount()-1)*metaSize
			if got := metadataAddress(g, last); got != want {
				t.Errorf("metadata of last byte: %#x, want %#x", got, want)
			}
		})
	}
}

// metadataAddress mirrors MetadataOf as pure arithmetic so the test
// can probe synthetic, unmapped addresses.
func metadataAddress(g Geometry, addr uintptr) uintptr {
	chunk := addr - addr%g.DataAlignment
	slot := (addr % g.DataAlignment) / g.SpanAlignment

	return chunk - g.GuardSize - g.MetadataSize + slot*unsafe.Sizeof(SpanMetadata{})
}

func TestCarveChunkRejectsSmallRegions(t *testing.T) {
	g := TestGeometry()

	if _, err := carveChunk(g, 4096, 4096, g.DataAlignment); err == nil {
		t.Fatal("carve accepted an undersized region")
	}
}

func TestGetSpanBasics(t *testing.T) {
	m, err := Get("")
	if err != nil {
		t.Fatalf("no default mill: %v", err)
	}

	g := CurrentGeometry()

	r, err := m.GetSpan(8, 0)
	if err != nil {
		t.Fatalf("span request failed: %v", err)
	}

	if r.DataSize < 8 {
		t.Fatalf("span of %d bytes, want at least 8", r.DataSize)
	}

	if r.Data%g.SpanAlignment != 0 {
		t.Fatalf("span data %#x not span aligned", r.Data)
	}

	if r.Meta.ClassID != 0 || r.Meta.BumpLimit != 0 || r.Meta.SpanBegin != 0 {
		t.Fatal("fresh span metadata is not zero-filled")
	}

	if MetadataOf(r.Data) != r.Meta {
		t.Fatal("metadata arithmetic does not resolve the span's own data")
	}

	// The span's memory must be committed and zero-filled.
	data := unsafe.Slice((*byte)(unsafe.Pointer(r.Data)), r.DataSize)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d of fresh span reads %#x", i, b)
		}
	}

	data[0] = 0xAA
	data[len(data)-1] = 0x55
}

func TestGetSpanMultiSlot(t *testing.T) {
	m, err := Get("")
	if err != nil {
		t.Fatalf("no default mill: %v", err)
	}

	g := CurrentGeometry()

	// Three slots' worth of bytes: one head metadata plus a two-entry
	// trail.
	r, err := m.GetSpan(2*g.SpanAlignment+1, 3*g.SpanAlignment)
	if err != nil {
		t.Fatalf("span request failed: %v", err)
	}

	if r.DataSize != 3*g.SpanAlignment {
		t.Fatalf("span of %d bytes, want %d", r.DataSize, 3*g.SpanAlignment)
	}

	if len(r.Trail) != 2 {
		t.Fatalf("trail has %d entries, want 2", len(r.Trail))
	}

	// Every slot of the span resolves to consecutive metadata records.
	for slot := uintptr(0); slot < 3; slot++ {
		meta := MetadataOf(r.Data + slot*g.SpanAlignment)
		if slot == 0 {
			if meta != r.Meta {
				t.Fatalf("slot 0 resolves to %p, want head %p", meta, r.Meta)
			}

			continue
		}

		if meta != &r.Trail[slot-1] {
			t.Fatalf("slot %d resolves to %p, want trail entry %p", slot, meta, &r.Trail[slot-1])
		}
	}
}

func TestGetSpanDistinct(t *testing.T) {
	m, err := Get("")
	if err != nil {
		t.Fatalf("no default mill: %v", err)
	}

	type interval struct{ begin, end uintptr }

	var spans []interval
	for i := 0; i < 64; i++ {
		r, err := m.GetSpan(8, 0)
		if err != nil {
			t.Fatalf("span request %d failed: %v", i, err)
		}

		next := interval{begin: r.Data, end: r.Data + r.DataSize}
		for _, prev := range spans {
			if next.begin < prev.end && prev.begin < next.end {
				t.Fatalf("span [%#x, %#x) overlaps [%#x, %#x)", next.begin, next.end, prev.begin, prev.end)
			}
		}

		spans = append(spans, next)
	}
}

func TestChunkTurnover(t *testing.T) {
	m, err := Get("")
	if err != nil {
		t.Fatalf("no default mill: %v", err)
	}

	g := CurrentGeometry()

	before := m.ChunkCount()

	// Drain more slots than one chunk holds; the mill must roll over
	// to a fresh chunk rather than fail.
	slots := int(g.spanCount()) + 1
	for i := 0; i < slots; i++ {
		if _, err := m.GetSpan(8, g.SpanAlignment); err != nil {
			t.Fatalf("span request %d failed: %v", i, err)
		}
	}

	if after := m.ChunkCount(); after <= before {
		t.Fatalf("chunk count stayed at %d after draining a chunk", after)
	}
}

func TestConfigureFrozen(t *testing.T) {
	// TestMain installed a geometry and the tests above allocated
	// chunks, so the geometry is frozen now.
	if err := Configure(TestGeometry()); err == nil {
		t.Fatal("reconfiguration succeeded after chunks were carved")
	}
}

func TestGeometryValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Geometry)
	}{
		{"unaligned_chunk", func(g *Geometry) { g.DataAlignment += 1 }},
		{"bad_span", func(g *Geometry) { g.SpanAlignment = 3000 }},
		{"desired_too_big", func(g *Geometry) { g.DesiredSpanSize = g.DataAlignment }},
		{"metadata_too_small", func(g *Geometry) { g.MetadataSize = 64 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := TestGeometry()
			tc.mutate(&g)

			if err := g.validate(); err == nil {
				t.Fatal("bad geometry validated")
			}
		})
	}
}
