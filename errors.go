package durus

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by storage and connection operations.
var (
	// ErrKeyNotFound is returned when an OID has no stored record.
	ErrKeyNotFound = errors.New("durus: oid not found")

	// ErrShortRead is returned when a transaction is truncated mid-write,
	// either by a crash or by a concurrent reader racing an appender.
	ErrShortRead = errors.New("durus: short read in transaction log")

	// ErrChecksumMismatch is returned when a transaction's trailing XXH3
	// checksum does not match its bytes; treated like ErrShortRead for
	// repair purposes.
	ErrChecksumMismatch = errors.New("durus: transaction checksum mismatch")

	// ErrLockHeld is returned when a file's exclusive lock is already
	// held by another process.
	ErrLockHeld = errors.New("durus: file lock held by another process")

	// ErrClosed is returned when operating on a closed Shelf, Storage,
	// or Connection.
	ErrClosed = errors.New("durus: already closed")

	// ErrPackInProgress is returned by GetPacker when a pack is already
	// running.
	ErrPackInProgress = errors.New("durus: pack already in progress")

	// ErrProtocolVersion is returned when a client and server negotiate
	// incompatible wire protocol versions.
	ErrProtocolVersion = errors.New("durus: protocol version mismatch")
)

// ConflictError reports that one or more OIDs were invalidated by a
// concurrent transaction. ReadConflictError and WriteConflictError give
// it distinct static types so callers can tell, via errors.As, whether
// the conflict was discovered on read or on commit.
type ConflictError struct {
	OIDs []OID
}

func (e *ConflictError) Error() string {
	if len(e.OIDs) == 0 {
		return "durus: conflict (oid set withheld by the server)"
	}
	if len(e.OIDs) > 1 {
		return fmt.Sprintf("durus: conflict on oids=[%s ...]", formatOID(e.OIDs[0]))
	}
	return fmt.Sprintf("durus: conflict on oids=[%s]", formatOID(e.OIDs[0]))
}

// ReadConflictError is raised when a read observes an object that has
// changed in another connection since it was last synced.
type ReadConflictError struct{ ConflictError }

func NewReadConflictError(oids []OID) *ReadConflictError {
	return &ReadConflictError{ConflictError{OIDs: oids}}
}

// WriteConflictError is raised when a commit touches an object that a
// concurrent transaction has already invalidated.
type WriteConflictError struct{ ConflictError }

func NewWriteConflictError(oids []OID) *WriteConflictError {
	return &WriteConflictError{ConflictError{OIDs: oids}}
}

// InvalidObjectReferenceError is raised when a committed object graph
// contains a reference to an object owned by a different Connection.
type InvalidObjectReferenceError struct {
	OID        OID
	Connection *Connection
}

func (e *InvalidObjectReferenceError) Error() string {
	return fmt.Sprintf("durus: invalid reference to oid %s owned by a different connection", formatOID(e.OID))
}

// ProtocolError reports a malformed or unexpected exchange between a
// storage client and server.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "durus: protocol error: " + e.Detail
}

func formatOID(oid OID) string {
	return fmt.Sprintf("%d", uint64(oid))
}
