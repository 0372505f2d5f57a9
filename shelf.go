package durus

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
)

// shelfPrefix is the 8-byte magic written at the start of every SHELF-1
// file, verbatim from durus/shelf.py.
var shelfPrefix = []byte("SHELF-1\n")

// shelf is the append-only transaction log plus offset map described in
// spec.md §4.2/§6. It owns the single *file handle for a database and is
// never used concurrently for writes -- ShelfStorage serializes Store
// calls with its own lock, matching the single-writer model.
//
// Ported from durus/shelf.py's Shelf class.
type shelf struct {
	f          *file
	offsetMap  *offsetMap
	memIndex   *xsync.Map // oidKey(oid) -> int64 offset, for oids stored after the initial offset map section
	nextCursor OID        // next oid to try once holes and the offset map are exhausted
	readonly   bool
}

func oidKey(oid OID) string { return strconv.FormatUint(uint64(oid), 10) }

// openShelf opens or creates a SHELF-1 file at path.
func openShelf(path string, readonly bool) (*shelf, error) {
	f, err := openFile(path, readonly)
	if err != nil {
		return nil, err
	}
	size, err := f.Len()
	if err != nil {
		f.Close()
		return nil, err
	}
	sh := &shelf{f: f, memIndex: xsync.NewMap(), readonly: readonly}
	if size == 0 {
		if readonly {
			f.Close()
			return nil, fmt.Errorf("durus: cannot generate a new shelf read-only at %s", path)
		}
		if err := sh.generate(); err != nil {
			f.Close()
			return nil, err
		}
		return sh, nil
	}
	if err := sh.load(); err != nil {
		f.Close()
		return nil, err
	}
	return sh, nil
}

// generate writes a brand-new, empty SHELF-1 file via generateShelf.
func (sh *shelf) generate() error {
	m, err := generateShelf(sh.f, nil)
	if err != nil {
		return err
	}
	sh.offsetMap = m
	sh.nextCursor = OID(sh.offsetMap.Len())
	return nil
}

// generateShelf writes a complete SHELF-1 file to f: the prefix, a
// single transaction holding every (oid, record) pair in items, and an
// offset map sized to and populated from that one pass -- ported from
// durus/shelf.py's Shelf.generate_shelf, which builds the offset index
// in one linear pass over the given items instead of growing it one
// allocation at a time. items == nil writes the degenerate empty-shelf
// case: an empty initial transaction and a zero-entry offset map, exactly
// like generate_shelf(file, []) does. Used both to bootstrap a fresh
// database and by the packer (packer.go) to write a freshly packed file
// whose offset map actually indexes every reachable OID instead of
// leaving them all to be found only by replaying the transaction log.
func generateShelf(f *file, items []struct {
	OID OID
	Rec record
}) (*offsetMap, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	if err := f.Write(shelfPrefix); err != nil {
		return nil, err
	}

	if len(items) == 0 {
		if err := f.Write(encodeTransaction(nil)); err != nil {
			return nil, err
		}
		start, err := f.Tell()
		if err != nil {
			return nil, err
		}
		m := newOffsetMap(start, 1, 0)
		m.stitchHoles()
		if err := writeOffsetMapSectionTo(f, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	transactionStart, err := f.Tell()
	if err != nil {
		return nil, err
	}
	var payload []byte
	maxOID := OID(0)
	for _, it := range items {
		payload = append(payload, lengthPrefix(packRecord(it.OID, it.Rec))...)
		if it.OID > maxOID {
			maxOID = it.OID
		}
	}
	if err := f.Write(encodeTransaction(payload)); err != nil {
		return nil, err
	}
	start, err := f.Tell()
	if err != nil {
		return nil, err
	}

	// Size the array to hold every item's slot plus one spare hole, and
	// size each word wide enough to represent the largest value it will
	// ever hold: a hole-chain pointer (start+index), which is always
	// larger than any real offset (every real offset sits before start).
	numWords := int(maxOID) + 2
	bytesPerWord := bytesNeeded(uint64(start) + uint64(numWords))
	m := newOffsetMap(start, bytesPerWord, numWords)
	for _, it := range items {
		m.Set(it.OID, transactionStart)
	}
	m.stitchHoles()
	if err := writeOffsetMapSectionTo(f, m); err != nil {
		return nil, err
	}
	return m, nil
}

// writeOffsetMapSectionTo appends m at f's current write position: total
// size(8) + word width(8) + entry count(8) + entries, per spec.md §6's
// wire/disk layout.
func writeOffsetMapSectionTo(f *file, m *offsetMap) error {
	body := m.Bytes()
	var header [24]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(8+8+len(body)))
	binary.BigEndian.PutUint64(header[8:16], uint64(m.WordWidth()))
	binary.BigEndian.PutUint64(header[16:24], uint64(m.Len()))
	if err := f.Write(header[:]); err != nil {
		return err
	}
	return f.Write(body)
}

// load replays an existing SHELF-1 file: validate the prefix, read the
// initial transaction's length, skip it, then read the offset map
// section, then fold every following transaction into memIndex.
func (sh *shelf) load() error {
	if _, err := sh.f.Seek(0, 0); err != nil {
		return err
	}
	prefix := make([]byte, len(shelfPrefix))
	if _, err := sh.f.Read(prefix); err != nil {
		return err
	}
	if string(prefix) != string(shelfPrefix) {
		return fmt.Errorf("durus: not a SHELF-1 file")
	}
	if err := sh.skipTransaction(); err != nil {
		return err
	}
	if err := sh.readOffsetMapSection(); err != nil {
		return err
	}
	for {
		offset, err := sh.f.Tell()
		if err != nil {
			return err
		}
		oids, err := sh.readTransaction(true)
		if err != nil {
			return err
		}
		if oids == nil {
			break
		}
		for _, oid := range oids {
			sh.memIndex.Store(oidKey(oid), offset)
		}
	}
	maxOID := OID(sh.offsetMap.Len())
	sh.memIndex.Range(func(k string, v interface{}) bool {
		n, _ := strconv.ParseUint(k, 10, 64)
		if OID(n) >= maxOID {
			maxOID = OID(n) + 1
		}
		return true
	})
	sh.nextCursor = maxOID
	return nil
}

func (sh *shelf) readOffsetMapSection() error {
	start, err := sh.f.Tell()
	if err != nil {
		return err
	}
	var header [24]byte
	if _, err := sh.f.Read(header[:]); err != nil {
		return err
	}
	wordWidth := int(binary.BigEndian.Uint64(header[8:16]))
	n := int(binary.BigEndian.Uint64(header[16:24]))
	data := make([]byte, wordWidth*n)
	if n > 0 {
		if _, err := sh.f.Read(data); err != nil {
			return err
		}
	}
	sh.offsetMap = loadOffsetMap(start, wordWidth, data)
	return nil
}

// skipTransaction reads past the initial transaction written at shelf
// generation time (empty for a fresh database, or the packer's one
// transaction holding every reachable record). Its contents never need
// re-parsing on load: generateShelf already recorded every item's
// position directly into the offset map section that follows.
func (sh *shelf) skipTransaction() error {
	var lenb [8]byte
	if _, err := sh.f.Read(lenb[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint64(lenb[:])
	if n > 0 {
		skip := make([]byte, n)
		if _, err := sh.f.Read(skip); err != nil {
			return err
		}
	}
	var sum [8]byte
	_, err := sh.f.Read(sum[:])
	return err
}

// readTransaction reads one length-prefixed, checksummed transaction and
// returns the OIDs it stores, or nil at a clean EOF. If repair is true, a
// short read or checksum mismatch truncates the file at the transaction
// boundary instead of returning an error, matching
// read_transaction_offsets(repair=True) in shelf.py.
func (sh *shelf) readTransaction(repair bool) ([]OID, error) {
	pos, err := sh.f.Tell()
	if err != nil {
		return nil, err
	}
	var lenb [8]byte
	if n, err := sh.f.Read(lenb[:]); err != nil || n < 8 {
		if n == 0 && err == io.EOF {
			return nil, nil
		}
		if repair {
			return sh.truncateAt(pos)
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	length := binary.BigEndian.Uint64(lenb[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := sh.f.Read(payload); err != nil {
			if repair {
				return sh.truncateAt(pos)
			}
			return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
	}
	var sum [8]byte
	if _, err := sh.f.Read(sum[:]); err != nil {
		if repair {
			return sh.truncateAt(pos)
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if err := verifyTransactionChecksum(payload, sum[:]); err != nil {
		if repair {
			return sh.truncateAt(pos)
		}
		return nil, err
	}
	var oids []OID
	for len(payload) > 0 {
		n, rest, ok := takeRecordLength(payload)
		if !ok {
			if repair {
				return sh.truncateAt(pos)
			}
			return nil, ErrShortRead
		}
		oid, _, err := unpackRecord(rest[:n])
		if err != nil {
			if repair {
				return sh.truncateAt(pos)
			}
			return nil, err
		}
		payload = rest[n:]
		oids = append(oids, oid)
	}
	if oids == nil {
		oids = []OID{}
	}
	return oids, nil
}

func (sh *shelf) truncateAt(pos int64) ([]OID, error) {
	Logf(LevelWarn, "truncating shelf at offset %d after short or corrupt transaction", pos)
	if err := sh.f.Truncate(pos); err != nil {
		return nil, err
	}
	if _, err := sh.f.Seek(pos, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

// nextName allocates the next unused OID: first draining the offset
// map's stitched hole chain, then counting up from nextCursor, skipping
// any OID already present in memIndex -- matching shelf.py's next_name
// generator.
func (sh *shelf) nextName() OID {
	for {
		oid, ok := sh.offsetMap.nextHole()
		if !ok {
			break
		}
		if _, ok := sh.memIndex.Load(oidKey(oid)); !ok {
			return oid
		}
	}
	for {
		oid := sh.nextCursor
		sh.nextCursor++
		if _, ok := sh.memIndex.Load(oidKey(oid)); ok {
			continue
		}
		if int(oid) < sh.offsetMap.Len() {
			if _, ok := sh.offsetMap.Get(oid); ok {
				continue
			}
		}
		return oid
	}
}

// store appends a transaction containing one record per (oid, rec) pair
// and records each oid's new offset.
func (sh *shelf) store(items []struct {
	OID OID
	Rec record
}) error {
	if sh.readonly {
		return fmt.Errorf("durus: shelf is read-only")
	}
	offset, err := sh.f.Tell()
	if err != nil {
		return err
	}
	var payload []byte
	for _, it := range items {
		payload = append(payload, lengthPrefix(packRecord(it.OID, it.Rec))...)
	}
	if err := sh.f.Write(encodeTransaction(payload)); err != nil {
		return err
	}
	for _, it := range items {
		sh.memIndex.Store(oidKey(it.OID), offset)
	}
	return nil
}

// getPosition returns the file offset of oid's most recent record, if
// any. OIDs within the original offset-map range fall back to the
// offset map, which reports absent for an unallocated OID even though
// its slot holds a stitched hole-chain pointer (offsetMap.Get filters
// those out); later OIDs are looked up in memIndex.
func (sh *shelf) getPosition(oid OID) (int64, bool) {
	if v, ok := sh.memIndex.Load(oidKey(oid)); ok {
		return v.(int64), true
	}
	if int(oid) < sh.offsetMap.Len() {
		return sh.offsetMap.Get(oid)
	}
	return 0, false
}

// getValue reads and decodes the record stored for oid at the given
// file offset, by scanning forward from offset until oid's packed
// record is located within that transaction.
func (sh *shelf) getValue(oid OID, offset int64) (record, error) {
	if _, err := sh.f.Seek(offset, 0); err != nil {
		return record{}, err
	}
	var lenb [8]byte
	if _, err := sh.f.Read(lenb[:]); err != nil {
		return record{}, err
	}
	length := binary.BigEndian.Uint64(lenb[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := sh.f.Read(payload); err != nil {
			return record{}, err
		}
	}
	for len(payload) > 0 {
		n, rest, ok := takeRecordLength(payload)
		if !ok {
			return record{}, ErrShortRead
		}
		gotOID, rec, err := unpackRecord(rest[:n])
		if err != nil {
			return record{}, err
		}
		if gotOID == oid {
			return rec, nil
		}
		payload = rest[n:]
	}
	return record{}, ErrKeyNotFound
}

func (sh *shelf) close() error {
	return sh.f.Close()
}
