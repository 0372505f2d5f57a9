package durus

import (
	"errors"
	"reflect"
)

// Connection is a single client's view of a Storage: it caches decoded
// objects, tracks which ones have been read or changed since the last
// sync, and turns Commit/Abort into the Storage-level Begin/Store/End/
// Sync calls spec.md §4.5 describes.
//
// Ported from durus/connection.py's Connection class.
type Connection struct {
	storage           Storage
	codec             Codec
	cache             *cache
	rootFactory       func() Persistent
	root              Persistent
	changed           map[*Base]Persistent
	invalidOIDs       map[OID]bool
	transactionSerial uint64
}

// NewConnection opens a Connection against storage. rootFactory
// allocates a fresh root instance; pass nil to use the default Root
// type. cacheSize is the target object count for cache.shrink, matching
// connection.py's cache_size=100000 default.
func NewConnection(storage Storage, codec Codec, rootFactory func() Persistent, cacheSize int) (*Connection, error) {
	if rootFactory == nil {
		rootFactory = func() Persistent { return NewRoot() }
	}
	if cacheSize <= 0 {
		cacheSize = 100000
	}
	c := &Connection{
		storage:           storage,
		codec:             codec,
		cache:             newCache(cacheSize),
		rootFactory:       rootFactory,
		changed:           map[*Base]Persistent{},
		invalidOIDs:       map[OID]bool{},
		transactionSerial: 1,
	}
	root, err := c.bootstrapRoot()
	if err != nil {
		return nil, err
	}
	c.root = root
	return c, nil
}

// bootstrapRoot loads the root object, creating and committing a fresh
// one if the database is empty -- matching Connection.__init__'s root
// bootstrap in connection.py.
func (c *Connection) bootstrapRoot() (Persistent, error) {
	obj, err := c.Get(RootOID)
	if err == nil {
		return obj, nil
	}
	root := c.rootFactory()
	root.Base().Init(root)
	root.Base().setOID(RootOID)
	root.Base().setConnection(c)
	c.cache.insert(RootOID, root)
	c.noteChange(root)
	if err := c.Commit(); err != nil {
		return nil, err
	}
	return root, nil
}

// Root returns the database's root object.
func (c *Connection) Root() Persistent { return c.root }

func (c *Connection) GetCacheCount() int          { return c.cache.Count() }
func (c *Connection) GetCacheSize() int           { return c.cache.GetSize() }
func (c *Connection) SetCacheSize(n int)          { c.cache.SetSize(n) }
func (c *Connection) TransactionSerial() uint64   { return c.transactionSerial }

// Get returns the object for oid, loading it as a ghost from storage if
// it is not already cached. Matches connection.py's get(oid).
func (c *Connection) Get(oid OID) (Persistent, error) {
	if p, ok := c.cache.lookup(oid); ok {
		return p, nil
	}
	rec, err := c.getStoredRecord(oid)
	if err != nil {
		return nil, err
	}
	class, _, err := c.codec.Decode(rec.Data)
	if err != nil {
		return nil, err
	}
	obj, err := c.newGhostOf(class, oid)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// getStoredRecord loads oid's record, retrying once after a sync if the
// first attempt raises a read conflict -- matching
// get_stored_pickle's ReadConflictError retry in connection.py.
func (c *Connection) getStoredRecord(oid OID) (record, error) {
	rec, err := c.storage.Load(oid)
	if err == nil {
		return rec, nil
	}
	var conflict *ReadConflictError
	if errors.As(err, &conflict) {
		c.Sync()
		rec, err = c.storage.Load(oid)
	}
	return rec, err
}

// classFactories lets the application register how to allocate a fresh,
// empty instance per class tag for ghost construction; codec.RegisterClass
// handles state decoding, this handles object allocation.
var classFactories = map[string]func() Persistent{}

// RegisterPersistentClass registers the constructor Get and Crawl use to
// allocate instances of class; decoding the class's state needs a
// separate codec.RegisterClass call.
func RegisterPersistentClass(class string, newInstance func() Persistent) {
	classFactories[class] = newInstance
}

func (c *Connection) newGhostOf(class string, oid OID) (Persistent, error) {
	factory, ok := classFactories[class]
	if !ok {
		return nil, &ProtocolError{Detail: "unregistered persistent class " + class}
	}
	obj := factory()
	base := obj.Base()
	base.Init(obj)
	base.setOID(oid)
	base.setConnection(c)
	base.status = StatusGhost
	c.cache.insert(oid, obj)
	return obj, nil
}

// loadState hydrates obj's state from storage, called by Base.loadState
// when a ghost is first touched. Returns a ReadConflictError if the
// object was removed out from under us (e.g. by packing).
func (c *Connection) loadState(obj Persistent) error {
	oid, _ := obj.Base().OID()
	rec, err := c.getStoredRecord(oid)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return NewReadConflictError([]OID{oid})
		}
		return err
	}
	_, state, err := c.codec.Decode(rec.Data)
	if err != nil {
		return err
	}
	return obj.SetState(state)
}

// noteAccess stamps obj with the current transaction serial and pins it
// against eviction, matching connection.py's note_access.
func (c *Connection) noteAccess(obj Persistent) {
	obj.Base().stampSerial(c.transactionSerial)
	if oid, ok := obj.Base().OID(); ok {
		c.cache.touch(oid, obj)
	}
}

// noteChange records obj as modified since the last commit, matching
// connection.py's note_change.
func (c *Connection) noteChange(obj Persistent) {
	c.changed[obj.Base()] = obj
}

// Sync absorbs invalidations the storage has accumulated from other
// connections, ghostifying any cached object they touched, matching
// connection.py's _sync. An invalidated OID that this connection has
// already changed this transaction is recorded in invalidOIDs instead of
// being ghostified out from under the pending edit, so the next Commit
// fails fast with a WriteConflictError rather than silently clobbering
// someone else's commit.
func (c *Connection) Sync() []OID {
	oids := c.storage.Sync()
	for _, oid := range oids {
		p, ok := c.cache.lookup(oid)
		if !ok {
			continue
		}
		if _, changed := c.changed[p.Base()]; changed {
			c.invalidOIDs[oid] = true
			continue
		}
		p.Base().setStatusGhost()
	}
	return oids
}

// Abort discards uncommitted changes, ghostifying every changed object,
// then syncs and shrinks -- matching connection.py's abort.
func (c *Connection) Abort() {
	for _, obj := range c.changed {
		obj.Base().setStatusGhost()
	}
	c.changed = map[*Base]Persistent{}
	c.invalidOIDs = map[OID]bool{}
	c.Sync()
	c.cache.shrink()
	c.transactionSerial++
}

// Crawl primes the cache by walking the reachable object graph from
// start via the storage's batched BFS, hydrating ghosts it has not yet
// seen. Ported from connection.py's get_crawler.
func (c *Connection) Crawl(start OID, batchSize int) error {
	return c.storage.GenOIDRecord(start, batchSize, func(oid OID, rec record) bool {
		if _, ok := c.cache.lookup(oid); ok {
			return true
		}
		class, _ := c.codec.ClassOf(rec)
		if class == "" {
			return true
		}
		obj, err := c.newGhostOf(class, oid)
		if err != nil {
			return true
		}
		if _, state, err := c.codec.Decode(rec.Data); err == nil && obj.SetState(state) == nil {
			obj.Base().setStatusSaved()
		}
		return true
	})
}

// Commit walks every changed object's reachable new objects, assigns
// OIDs, encodes and stores each, and commits the transaction. On a
// WriteConflictError the newly allocated objects are rolled back to
// UNSAVED/un-owned so the caller can retry. Ported from
// connection.py's commit.
func (c *Connection) Commit() error {
	if len(c.changed) == 0 {
		c.Sync()
		return nil
	}
	if len(c.invalidOIDs) > 0 {
		oids := make([]OID, 0, len(c.invalidOIDs))
		for oid := range c.invalidOIDs {
			oids = append(oids, oid)
		}
		return NewWriteConflictError(oids)
	}

	c.storage.Begin()

	toStore, newlyAssigned, err := c.gatherNewObjects()
	if err != nil {
		return err
	}

	for _, obj := range toStore {
		oid, _ := obj.Base().OID()
		refs, err := c.collectRefs(obj)
		if err != nil {
			c.rollbackNew(newlyAssigned)
			return err
		}
		data, err := c.codec.Encode(obj.Class(), obj.GetState())
		if err != nil {
			c.rollbackNew(newlyAssigned)
			return err
		}
		if err := c.storage.Store(oid, record{Data: data, Refs: refs}); err != nil {
			c.rollbackNew(newlyAssigned)
			return err
		}
	}

	err = c.storage.End(c.handleInvalidations)
	if err != nil {
		c.rollbackNew(newlyAssigned)
		return err
	}

	for _, obj := range toStore {
		obj.Base().setStatusSaved()
	}
	c.changed = map[*Base]Persistent{}
	c.cache.shrink()
	c.transactionSerial++
	return nil
}

// gatherNewObjects assigns OIDs to every UNSAVED object reachable from
// the changed set (including the changed objects themselves), matching
// ObjectWriter.gen_new_objects' behavior of discovering new objects
// while pickling.
func (c *Connection) gatherNewObjects() (toStore []Persistent, newlyAssigned []Persistent, err error) {
	seen := map[*Base]bool{}
	var walk func(obj Persistent) error
	walk = func(obj Persistent) error {
		base := obj.Base()
		if seen[base] {
			return nil
		}
		seen[base] = true
		if _, ok := base.OID(); !ok {
			oid := c.storage.NewOID()
			base.setOID(oid)
			base.setConnection(c)
			newlyAssigned = append(newlyAssigned, obj)
			c.cache.insert(oid, obj)
		}
		toStore = append(toStore, obj)
		refs, err := c.referencedObjects(obj)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref.Base().IsUnsaved() {
				if err := walk(ref); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, obj := range c.changed {
		if err := walk(obj); err != nil {
			return nil, newlyAssigned, err
		}
	}
	return toStore, newlyAssigned, nil
}

// rollbackNew un-persists objects that were assigned OIDs during a
// commit attempt that failed, matching the ConflictError branch of
// connection.py's commit: oid=None, status=UNSAVED, connection=None.
func (c *Connection) rollbackNew(objs []Persistent) {
	for _, obj := range objs {
		base := obj.Base()
		oid, ok := base.OID()
		if ok {
			delete(c.cache.objects, oid)
		}
		base.oid = 0
		base.hasOID = false
		base.conn = nil
		base.status = StatusUnsaved
	}
}

// collectRefs returns the OIDs of every Persistent object directly
// reachable from obj's state, validating that none belongs to a
// different Connection (InvalidObjectReferenceError).
func (c *Connection) collectRefs(obj Persistent) ([]OID, error) {
	refs, err := c.referencedObjects(obj)
	if err != nil {
		return nil, err
	}
	out := make([]OID, 0, len(refs))
	for _, ref := range refs {
		rb := ref.Base()
		oid, ok := rb.OID()
		if conn := rb.Connection(); conn != nil && conn != c {
			return nil, &InvalidObjectReferenceError{OID: oid, Connection: c}
		}
		if !ok {
			return nil, &InvalidObjectReferenceError{Connection: c}
		}
		out = append(out, oid)
	}
	return out, nil
}

// referencedObjects walks obj's state with reflection to find every
// directly embedded Persistent value, the Go stand-in for the automatic
// discovery pickle's persistent_id callback gets for free while
// traversing an object graph. Traversal does not descend into a found
// Persistent's own fields -- exactly as persistent_id stops the pickler
// from recursing past a persistent reference.
func (c *Connection) referencedObjects(obj Persistent) ([]Persistent, error) {
	var out []Persistent
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if !v.IsValid() {
			return
		}
		if v.CanInterface() {
			if p, ok := v.Interface().(Persistent); ok && p != nil {
				out = append(out, p)
				return
			}
		}
		switch v.Kind() {
		case reflect.Ptr, reflect.Interface:
			if !v.IsNil() {
				walk(v.Elem())
			}
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				f := v.Field(i)
				if f.CanInterface() {
					walk(f)
				}
			}
		case reflect.Map:
			for _, k := range v.MapKeys() {
				walk(v.MapIndex(k))
			}
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		}
	}
	walk(reflect.ValueOf(obj.GetState()))
	return out, nil
}

// handleInvalidations is the Storage.End callback: for each OID another
// connection's commit invalidated, flag a write conflict if this
// connection touched it this transaction, otherwise ghostify it if
// cached. Matches connection.py's _handle_invalidations.
func (c *Connection) handleInvalidations(oids []OID) error {
	var conflicts []OID
	for _, oid := range oids {
		p, ok := c.cache.lookup(oid)
		if !ok {
			continue
		}
		base := p.Base()
		if base.serial == c.transactionSerial {
			conflicts = append(conflicts, oid)
		} else if !base.IsGhost() {
			base.setStatusGhost()
		}
	}
	if len(conflicts) > 0 {
		return NewWriteConflictError(conflicts)
	}
	return nil
}

// Pack aborts any pending transaction, then asks storage to reclaim
// unreachable objects synchronously.
func (c *Connection) Pack() error {
	c.Abort()
	return c.storage.Pack()
}

// Close releases the underlying storage.
func (c *Connection) Close() error {
	return c.storage.Close()
}
