package durus

import "sync"

// ShelfStorage is the durable Storage implementation: a shelf (SHELF-1
// transaction log + offset map) plus the bookkeeping a Storage needs on
// top of the raw log -- pending transaction staging, cooperative
// packing, and the invalidation set other Connections pick up via Sync.
//
// Ported from durus/file_storage2.py's FileStorage2, restructured to sit
// on top of shelf.go's SHELF-1 layout instead of the deprecated DFS20
// format it was originally written against.
type ShelfStorage struct {
	mu          sync.Mutex
	path        string
	shelf       *shelf
	pending     []struct {
		OID OID
		Rec record
	}
	packer      *shelfPacker
	packExtra   []OID       // OIDs committed while a pack is running
	everSeenOID map[OID]bool // tracked so a finished pack knows what became unreachable
	invalidated []OID        // accumulated for the next Sync call (single-process use)
}

// OpenShelfStorage opens or creates the SHELF-1 file at path.
func OpenShelfStorage(path string) (*ShelfStorage, error) {
	sh, err := openShelf(path, false)
	if err != nil {
		return nil, err
	}
	return &ShelfStorage{
		path:        path,
		shelf:       sh,
		everSeenOID: map[OID]bool{},
	}, nil
}

func (ss *ShelfStorage) Load(oid OID) (record, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	offset, ok := ss.shelf.getPosition(oid)
	if !ok {
		return record{}, ErrKeyNotFound
	}
	return ss.shelf.getValue(oid, offset)
}

func (ss *ShelfStorage) Begin() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pending = nil
}

func (ss *ShelfStorage) Store(oid OID, rec record) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pending = append(ss.pending, struct {
		OID OID
		Rec record
	}{oid, rec})
	return nil
}

func (ss *ShelfStorage) End(handleInvalidations func([]OID) error) error {
	ss.mu.Lock()
	pending := ss.pending
	ss.pending = nil
	ss.mu.Unlock()

	oids := make([]OID, 0, len(pending))
	for _, it := range pending {
		oids = append(oids, it.OID)
	}
	if handleInvalidations != nil {
		if err := handleInvalidations(oids); err != nil {
			return err
		}
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.shelf.store(pending); err != nil {
		return err
	}
	for _, oid := range oids {
		ss.everSeenOID[oid] = true
	}
	if ss.packer != nil {
		ss.packExtra = append(ss.packExtra, oids...)
	}
	ss.invalidated = append(ss.invalidated, oids...)
	return nil
}

// Sync returns and clears the OIDs invalidated since the last Sync, the
// single-process stand-in for the storage-server's per-client invalid
// set (server.go maintains the real multi-client version).
func (ss *ShelfStorage) Sync() []OID {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	oids := ss.invalidated
	ss.invalidated = nil
	return oids
}

// NewOID hands out the shelf's next unused name, skipping RootOID, which
// only the root object's record may use.
func (ss *ShelfStorage) NewOID() OID {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for {
		if oid := ss.shelf.nextName(); oid != RootOID {
			return oid
		}
	}
}

func (ss *ShelfStorage) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.shelf.close()
}

// Pack runs a packer synchronously to completion, for callers that don't
// need the incremental, cooperative form server.go drives.
func (ss *ShelfStorage) Pack() error {
	p, err := newShelfPacker(ss)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	ss.packer = p
	ss.mu.Unlock()
	for {
		done, err := p.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// GetPacker starts (and returns) an incremental packer if none is
// running, matching file_storage2.py's get_packer: an empty return
// (ErrPackInProgress) if one already is, or if there is a staged-but-
// uncommitted transaction in flight.
func (ss *ShelfStorage) GetPacker() (Packer, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.packer != nil {
		return nil, ErrPackInProgress
	}
	if len(ss.pending) > 0 {
		return nil, ErrPackInProgress
	}
	ss.packExtra = nil
	p, err := newShelfPacker(ss)
	if err != nil {
		return nil, err
	}
	ss.packer = p
	return p, nil
}

func (ss *ShelfStorage) BulkLoad(oids []OID) (map[OID]record, error) {
	out := map[OID]record{}
	for _, oid := range oids {
		rec, err := ss.Load(oid)
		if err == nil {
			out[oid] = rec
		}
	}
	return out, nil
}

func (ss *ShelfStorage) GenOIDRecord(start OID, batchSize int, visit func(OID, record) bool) error {
	return genOIDRecord(start, batchSize, ss.BulkLoad, visit)
}
