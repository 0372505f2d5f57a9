package durus

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// A record is the unit stored for one OID: an opaque state blob plus the
// set of OIDs it references. The blob's internal layout (class tag +
// serialized state) is owned by the Codec, not by the storage layer.
type record struct {
	Data []byte
	Refs []OID
}

// packRecord serializes a record as oid(8) + len(4) + data + refs,
// exactly the wire/disk layout durus/serialize.py's pack_record builds.
func packRecord(oid OID, rec record) []byte {
	oidb := oid.Bytes()
	out := make([]byte, 0, oidSize+4+len(rec.Data)+len(rec.Refs)*oidSize)
	out = append(out, oidb[:]...)
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(rec.Data)))
	out = append(out, lenb[:]...)
	out = append(out, rec.Data...)
	out = append(out, joinOIDs(rec.Refs)...)
	return out
}

// lengthPrefix prepends an 8-byte big-endian length to b, the per-record
// framing a transaction's payload needs so a reader can slice out one
// packRecord blob at a time: unpackRecord's ref list has no length of
// its own and otherwise has no way to know where one record ends and
// the next begins within a multi-record transaction. The 8-byte width
// matches durus/shelf.py's object record framing ("the number of bytes
// in rest of the record", one of the file format's int8 words), not the
// 4-byte width serialize.py's pack_record uses for the pickle length
// inside a record (see packRecord above).
func lengthPrefix(b []byte) []byte {
	out := make([]byte, 0, 8+len(b))
	var lenb [8]byte
	binary.BigEndian.PutUint64(lenb[:], uint64(len(b)))
	out = append(out, lenb[:]...)
	return append(out, b...)
}

// takeRecordLength reads a lengthPrefix'd record's length, returning the
// length and the bytes following the 8-byte prefix (of which the first n
// belong to this record). ok is false on a short read.
func takeRecordLength(b []byte) (n int, rest []byte, ok bool) {
	if len(b) < 8 {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint64(b[:8])
	rest = b[8:]
	if length > uint64(len(rest)) {
		return 0, nil, false
	}
	return int(length), rest, true
}

// unpackRecord is the inverse of packRecord.
func unpackRecord(b []byte) (OID, record, error) {
	if len(b) < oidSize+4 {
		return 0, record{}, ErrShortRead
	}
	oid := oidFromBytes(b)
	dataLen := binary.BigEndian.Uint32(b[oidSize : oidSize+4])
	start := oidSize + 4
	end := start + int(dataLen)
	if end > len(b) {
		return 0, record{}, ErrShortRead
	}
	data := b[start:end]
	refs := splitOIDs(b[end:])
	return oid, record{Data: data, Refs: refs}, nil
}

// A transaction is a sequence of records appended to the log atomically:
// an 8-byte big-endian length prefix (shelf.py's "number of bytes
// remaining in this transaction"), the concatenated packed records, and
// an 8-byte XXH3-64 checksum of everything between the length prefix and
// the checksum itself. The checksum is an addition over the original
// SHELF-1 layout (see SPEC_FULL.md §4.2); its absence from any prefix of
// bytes is indistinguishable from a short read, so recovery treats the
// two failure modes identically.
func encodeTransaction(payload []byte) []byte {
	sum := xxh3.Hash(payload)
	out := make([]byte, 0, 8+len(payload)+8)
	var lenb [8]byte
	binary.BigEndian.PutUint64(lenb[:], uint64(len(payload)))
	out = append(out, lenb[:]...)
	out = append(out, payload...)
	var sumb [8]byte
	binary.BigEndian.PutUint64(sumb[:], sum)
	out = append(out, sumb[:]...)
	return out
}

// verifyTransactionChecksum checks payload against its trailing 8-byte
// XXH3 checksum.
func verifyTransactionChecksum(payload []byte, sum []byte) error {
	if len(sum) != 8 {
		return ErrShortRead
	}
	want := binary.BigEndian.Uint64(sum)
	got := xxh3.Hash(payload)
	if want != got {
		return fmt.Errorf("%w: want %x got %x", ErrChecksumMismatch, want, got)
	}
	return nil
}
