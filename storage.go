package durus

import "container/heap"

// Storage is the capability-set interface every storage backend
// implements: a Shelf-backed file store, an in-memory store for tests,
// or a client that forwards to a remote StorageServer. Connection never
// type-switches on a Storage; it only calls through this interface,
// matching spec.md §4.3/§9's "no subclass polymorphism" guidance.
//
// Grounded on durus/storage.py's abstract Storage base class.
type Storage interface {
	// Load returns the record currently stored for oid.
	Load(oid OID) (record, error)
	// Begin starts a new transaction; subsequent Store calls are
	// buffered until End.
	Begin()
	// Store stages a record for oid within the current transaction.
	Store(oid OID, rec record) error
	// End commits the staged transaction. handleInvalidations, if
	// non-nil, is called with the set of OIDs the commit invalidated
	// for every other session, and may itself raise a ConflictError
	// (via its return) to abort the commit.
	End(handleInvalidations func(oids []OID) error) error
	// Sync returns OIDs invalidated by other connections since the last
	// Sync or Begin/End cycle.
	Sync() []OID
	// NewOID allocates a fresh, currently unused OID.
	NewOID() OID
	// Close releases any resources the storage holds.
	Close() error
	// Pack reclaims space used by unreachable objects synchronously.
	Pack() error
	// GetPacker returns an incremental packer if the backend supports
	// one and none is already running, or nil if either condition
	// fails (ErrPackInProgress for the latter).
	GetPacker() (Packer, error)
	// BulkLoad loads several OIDs in one round trip.
	BulkLoad(oids []OID) (map[OID]record, error)
	// GenOIDRecord performs a reachability-ordered BFS from start,
	// calling visit for each (oid, record) pair found; stops early if
	// visit returns false.
	GenOIDRecord(start OID, batchSize int, visit func(OID, record) bool) error
}

// Packer is an incremental, resumable pack operation. Step performs a
// bounded amount of work and returns done=true once the pack completed
// and was swapped into place.
type Packer interface {
	Step() (done bool, err error)
}

// oidHeap is a min-heap of OIDs, used by GenOIDRecord's BFS frontier so
// that objects are visited in OID order within a batch, matching
// storage.py's gen_oid_record use of heapq.
type oidHeap []OID

func (h oidHeap) Len() int            { return len(h) }
func (h oidHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h oidHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *oidHeap) Push(x interface{}) { *h = append(*h, x.(OID)) }
func (h *oidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// genOIDRecord is the shared BFS helper both MemoryStorage and
// ShelfStorage use to implement GenOIDRecord: walk the reference graph
// from start in batches of batchSize, never visiting an OID twice.
// Ported from durus/storage.py's gen_oid_record.
func genOIDRecord(start OID, batchSize int, bulkLoad func([]OID) (map[OID]record, error), visit func(OID, record) bool) error {
	seen := map[OID]bool{}
	todo := &oidHeap{start}
	heap.Init(todo)
	seen[start] = true
	for todo.Len() > 0 {
		batch := make([]OID, 0, batchSize)
		for todo.Len() > 0 && len(batch) < batchSize {
			batch = append(batch, heap.Pop(todo).(OID))
		}
		recs, err := bulkLoad(batch)
		if err != nil {
			return err
		}
		for _, oid := range batch {
			rec, ok := recs[oid]
			if !ok {
				continue
			}
			if !visit(oid, rec) {
				return nil
			}
			for _, ref := range rec.Refs {
				if !seen[ref] {
					seen[ref] = true
					heap.Push(todo, ref)
				}
			}
		}
	}
	return nil
}

// MemoryStorage is a non-durable Storage backed by a plain map, used for
// tests and as the simplest concrete Storage. Ported from
// durus/storage.py's MemoryStorage.
type MemoryStorage struct {
	records     map[OID]record
	pending     map[OID]record
	nextOID     OID
	invalidated map[OID][]OID // never read or written; Sync always returns nil
	generation  int
}

// NewMemoryStorage returns an empty MemoryStorage with the root OID
// unallocated; callers create the root via the normal commit path, and
// NewOID never hands out RootOID.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: map[OID]record{},
		nextOID: RootOID,
	}
}

func (m *MemoryStorage) Load(oid OID) (record, error) {
	rec, ok := m.records[oid]
	if !ok {
		return record{}, ErrKeyNotFound
	}
	return rec, nil
}

func (m *MemoryStorage) Begin() { m.pending = map[OID]record{} }

func (m *MemoryStorage) Store(oid OID, rec record) error {
	m.pending[oid] = rec
	return nil
}

func (m *MemoryStorage) End(handleInvalidations func([]OID) error) error {
	oids := make([]OID, 0, len(m.pending))
	for oid := range m.pending {
		oids = append(oids, oid)
	}
	if handleInvalidations != nil {
		if err := handleInvalidations(oids); err != nil {
			m.pending = nil
			return err
		}
	}
	for oid, rec := range m.pending {
		m.records[oid] = rec
	}
	m.pending = nil
	return nil
}

func (m *MemoryStorage) Sync() []OID { return nil }

func (m *MemoryStorage) NewOID() OID {
	for {
		oid := m.nextOID
		m.nextOID++
		if _, used := m.records[oid]; !used && oid != RootOID {
			return oid
		}
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Pack() error {
	reachable := map[OID]bool{}
	if _, ok := m.records[RootOID]; ok {
		_ = genOIDRecord(RootOID, 100, m.BulkLoad, func(oid OID, _ record) bool {
			reachable[oid] = true
			return true
		})
	}
	for oid := range m.records {
		if !reachable[oid] {
			delete(m.records, oid)
		}
	}
	return nil
}

func (m *MemoryStorage) GetPacker() (Packer, error) {
	return nil, nil
}

func (m *MemoryStorage) BulkLoad(oids []OID) (map[OID]record, error) {
	out := map[OID]record{}
	for _, oid := range oids {
		if rec, ok := m.records[oid]; ok {
			out[oid] = rec
		}
	}
	return out, nil
}

func (m *MemoryStorage) GenOIDRecord(start OID, batchSize int, visit func(OID, record) bool) error {
	return genOIDRecord(start, batchSize, m.BulkLoad, visit)
}
