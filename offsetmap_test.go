package durus

import "testing"

func TestWordArrayGetSet(t *testing.T) {
	w := newWordArray(3, 4)
	w.Set(0, 1)
	w.Set(1, 0xABCDEF)
	w.Set(2, 0)
	w.Set(3, 0xFFFFFF)
	if got := w.Get(0); got != 1 {
		t.Errorf("Get(0) = %d, want 1", got)
	}
	if got := w.Get(1); got != 0xABCDEF {
		t.Errorf("Get(1) = %x, want ABCDEF", got)
	}
	if got := w.Get(3); got != 0xFFFFFF {
		t.Errorf("Get(3) = %x, want FFFFFF", got)
	}
}

func TestIntArrayBlankSentinel(t *testing.T) {
	a := newIntArray(2, 3)
	for i := 0; i < 3; i++ {
		if _, ok := a.Get(i); ok {
			t.Errorf("slot %d should start blank", i)
		}
	}
	a.Set(1, 42)
	if v, ok := a.Get(1); !ok || v != 42 {
		t.Errorf("Get(1) = %d,%v want 42,true", v, ok)
	}
	a.Clear(1)
	if _, ok := a.Get(1); ok {
		t.Error("slot 1 should be blank again after Clear")
	}
}

func TestBytesNeeded(t *testing.T) {
	cases := []struct {
		max  uint64
		want int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
	}
	for _, c := range cases {
		if got := bytesNeeded(c.max); got != c.want {
			t.Errorf("bytesNeeded(%d) = %d, want %d", c.max, got, c.want)
		}
	}
}

// Every hole in a stitched chain must be yielded exactly once across
// repeated nextHole calls -- draining one at a time must not strand or
// duplicate entries compared to inspecting the chain all at once.
func TestOffsetMapHoleChainDrainsFully(t *testing.T) {
	start := int64(100)
	m := newOffsetMap(start, 2, 5)
	m.stitchHoles()

	seen := map[OID]bool{}
	for {
		oid, ok := m.nextHole()
		if !ok {
			break
		}
		if seen[oid] {
			t.Fatalf("oid %d yielded twice", oid)
		}
		seen[oid] = true
	}
	if len(seen) != 5 {
		t.Fatalf("drained %d holes, want 5", len(seen))
	}
	for i := 0; i < 5; i++ {
		if !seen[OID(i)] {
			t.Errorf("oid %d never yielded", i)
		}
	}
	if _, ok := m.nextHole(); ok {
		t.Error("chain should be exhausted")
	}
}

// A caller that only partially drains the chain (stopping as soon as it
// finds a usable hole, as shelf.go's nextName does) must be able to
// resume later and still reach every remaining hole.
func TestOffsetMapHoleChainPartialDrainResumes(t *testing.T) {
	m := newOffsetMap(100, 2, 4)
	m.stitchHoles()

	first, ok := m.nextHole()
	if !ok {
		t.Fatal("expected a hole")
	}

	rest := map[OID]bool{}
	for {
		oid, ok := m.nextHole()
		if !ok {
			break
		}
		rest[oid] = true
	}
	if rest[first] {
		t.Errorf("oid %d yielded twice across partial/resumed drain", first)
	}
	if len(rest)+1 != 4 {
		t.Errorf("drained %d total holes, want 4", len(rest)+1)
	}
}

func TestOffsetMapSetClearGet(t *testing.T) {
	m := newOffsetMap(100000, 3, 4)
	m.Set(2, 12345)
	if v, ok := m.Get(2); !ok || v != 12345 {
		t.Errorf("Get(2) = %d,%v want 12345,true", v, ok)
	}
	if _, ok := m.Get(0); ok {
		t.Error("slot 0 should still be blank")
	}
	m.Clear(2)
	if _, ok := m.Get(2); ok {
		t.Error("slot 2 should be blank after Clear")
	}
	if _, ok := m.Get(99); ok {
		t.Error("out-of-range Get should report absent, not panic")
	}
}

// A slot that stitchHoles has linked into the free-list chain but that
// has never been allocated a real record must report absent from Get,
// not the raw hole-chain pointer it holds on disk -- otherwise an
// unallocated OID's "position" would be indistinguishable from a real
// file offset.
func TestOffsetMapGetFiltersHoleChainPointers(t *testing.T) {
	start := int64(100000)
	m := newOffsetMap(start, 3, 5)
	m.Set(1, 42)
	m.Set(3, 4242)
	m.stitchHoles()

	if v, ok := m.Get(1); !ok || v != 42 {
		t.Errorf("Get(1) = %d,%v want 42,true", v, ok)
	}
	if v, ok := m.Get(3); !ok || v != 4242 {
		t.Errorf("Get(3) = %d,%v want 4242,true", v, ok)
	}
	for _, oid := range []OID{0, 2, 4} {
		if v, ok := m.Get(oid); ok {
			t.Errorf("Get(%d) = %d,true, want absent (slot holds a hole-chain pointer, not a record offset)", oid, v)
		}
	}
}

func TestLoadOffsetMapRoundTrip(t *testing.T) {
	m := newOffsetMap(100000, 3, 4)
	m.Set(0, 100)
	m.Set(2, 999)
	loaded := loadOffsetMap(100000, m.WordWidth(), m.Bytes())
	if v, ok := loaded.Get(0); !ok || v != 100 {
		t.Errorf("Get(0) = %d,%v want 100,true", v, ok)
	}
	if v, ok := loaded.Get(2); !ok || v != 999 {
		t.Errorf("Get(2) = %d,%v want 999,true", v, ok)
	}
	if _, ok := loaded.Get(1); ok {
		t.Error("slot 1 should be blank")
	}
}
