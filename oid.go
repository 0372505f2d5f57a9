package durus

import "encoding/binary"

// OID identifies a persistent object within a single storage. OID 0 is
// reserved for the database root object.
type OID uint64

// RootOID is the object identifier of the database root.
const RootOID OID = 0

// oidSize is the encoded width of an OID on disk and on the wire.
const oidSize = 8

// Bytes encodes the OID as an 8-byte big-endian string, the on-disk and
// on-wire representation used throughout the log and protocol.
func (o OID) Bytes() [oidSize]byte {
	var b [oidSize]byte
	binary.BigEndian.PutUint64(b[:], uint64(o))
	return b
}

// oidFromBytes decodes an 8-byte big-endian OID. It panics if b is shorter
// than 8 bytes; callers must validate length first since a short OID
// indicates log corruption, not a recoverable condition at this layer.
func oidFromBytes(b []byte) OID {
	return OID(binary.BigEndian.Uint64(b[:oidSize]))
}

// splitOIDs decodes a concatenated sequence of 8-byte OIDs, the format
// used for a record's reference list and for several wire messages.
func splitOIDs(b []byte) []OID {
	n := len(b) / oidSize
	out := make([]OID, n)
	for i := 0; i < n; i++ {
		out[i] = oidFromBytes(b[i*oidSize:])
	}
	return out
}

// joinOIDs is the inverse of splitOIDs.
func joinOIDs(oids []OID) []byte {
	out := make([]byte, 0, len(oids)*oidSize)
	for _, oid := range oids {
		b := oid.Bytes()
		out = append(out, b[:]...)
	}
	return out
}
