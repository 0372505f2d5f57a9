package durus

// offsetMap is the fixed-width, on-disk array mapping an OID to its byte
// offset in the shelf file. It is written once per shelf generation and
// never rewritten: records stored afterwards are indexed in the shelf's
// memIndex instead, and new transactions appended after it never move
// it, so its own file position (start) never changes.
//
// Ported from durus/shelf.py's OffsetMap: unused slots beyond the
// currently assigned range are chained into a singly linked "hole" list
// so that a freshly generated shelf can hand out a batch of OIDs without
// growing the array on every single allocation. Each hole slot stores the
// absolute file offset of the previous hole (start+index), 0 marking the
// end of the chain — 0 never collides with a real offset because start
// is always past the SHELF-1 prefix and initial transaction.
type offsetMap struct {
	start     int64 // file offset where this section begins
	arr       *intArray
	headHole  int // index of the most recently linked hole, -1 if none
}

// newOffsetMap builds an offset map with room for numWords entries, all
// initially blank, to be populated by generateShelf.
func newOffsetMap(start int64, wordWidth, numWords int) *offsetMap {
	return &offsetMap{
		start:    start,
		arr:      newIntArray(wordWidth, numWords),
		headHole: -1,
	}
}

// loadOffsetMap reconstructs an offset map from bytes already read off
// disk (word width w, n entries, n*w bytes of big-endian words), and
// recovers the hole chain's head: the highest-index slot holding a
// hole-chain value (0 or >= start), as stitchHoles left it.
func loadOffsetMap(start int64, wordWidth int, data []byte) *offsetMap {
	m := &offsetMap{start: start, headHole: -1}
	m.arr = &intArray{words: &wordArray{bytesPerWord: wordWidth, words: append([]byte(nil), data...)}}
	m.arr.blank = blankValue(wordWidth)
	for i := m.arr.Len() - 1; i >= 0; i-- {
		if v, ok := m.arr.Get(i); ok && (v == 0 || v >= uint64(start)) {
			m.headHole = i
			break
		}
	}
	return m
}

func blankValue(bytesPerWord int) uint64 {
	if bytesPerWord >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*uint(bytesPerWord)) - 1
}

func (m *offsetMap) Len() int { return m.arr.Len() }

func (m *offsetMap) WordWidth() int { return m.arr.words.bytesPerWord }

// Get returns the file offset stored for oid and whether it is present.
// A stored value >= start, or the 0 that ends the chain, is not a real
// offset -- it is a hole-chain value left by stitchHoles for an OID never
// allocated, so it is reported absent exactly like the blank sentinel is.
// Matches OffsetMap.get in shelf.py: "if result is None or result >=
// self.offset_map.get_start(): return None".
func (m *offsetMap) Get(oid OID) (int64, bool) {
	i := int(oid)
	if i < 0 || i >= m.arr.Len() {
		return 0, false
	}
	v, ok := m.arr.Get(i)
	if !ok || v == 0 || v >= uint64(m.start) {
		return 0, false
	}
	return int64(v), true
}

// Set records the file offset for oid. oid must lie within the array,
// which is sized once when the map is built and never grows.
func (m *offsetMap) Set(oid OID, offset int64) {
	m.arr.Set(int(oid), uint64(offset))
}

// Clear marks oid as having no current offset.
func (m *offsetMap) Clear(oid OID) {
	m.arr.Clear(int(oid))
}

// Bytes returns the raw word-array bytes for writing to disk.
func (m *offsetMap) Bytes() []byte { return m.arr.words.words }

// stitchHoles links every still-blank slot into the hole chain, in
// ascending index order, so that nextHole below yields them
// highest-index-first -- matching gen_stitch/gen_holes in shelf.py.
func (m *offsetMap) stitchHoles() {
	last := -1
	for i := 0; i < m.arr.Len(); i++ {
		if _, ok := m.arr.Get(i); ok {
			continue
		}
		if last == -1 {
			m.arr.Set(i, 0)
		} else {
			m.arr.Set(i, uint64(m.start)+uint64(last))
		}
		last = i
	}
	m.headHole = last
}

// nextHole pops one hole off the chain, head-first (highest index
// first), and threads headHole forward so later calls resume where this
// one left off -- matching shelf.py's gen_holes, a generator that yields
// one hole per next() call rather than materializing the whole chain.
// An eager genHoles() that drained the entire chain in one call would
// strand every hole after the first caller stopped asking: shelf.go's
// nextName only wants one OID per call, and a slice-returning genHoles
// would reset headHole to -1 regardless of how many entries the caller
// actually consumed.
func (m *offsetMap) nextHole() (OID, bool) {
	if m.headHole == -1 {
		return 0, false
	}
	idx := m.headHole
	v, _ := m.arr.Get(idx)
	if v == 0 {
		m.headHole = -1
	} else {
		m.headHole = int(v - uint64(m.start))
	}
	return OID(idx), true
}
