package durus

// Status tracks where an object's authoritative state currently lives.
// The three values and their numeric assignment are kept identical to
// durus/persistent.py's UNSAVED/SAVED/GHOST constants even though
// nothing in Go requires it, purely so the lifecycle diagram in spec.md
// §3 maps onto this type without translation.
type Status int

const (
	StatusSaved   Status = 0
	StatusUnsaved Status = 1
	StatusGhost   Status = -1
)

// Persistent is implemented by every application type stored in the
// database. Where durus/persistent.py intercepts attribute access with
// __getattribute__/__setattr__ to drive the ghost-load and
// change-tracking state machine transparently, Go has no such hook:
// GetState/SetState give the Codec a state snapshot explicitly, and
// application code calls Base().Touch()/MarkChanged() (typically from
// generated or hand-written accessor methods) at the points where the
// Python version's magic would have fired. This is the one place the
// host language forces a visible departure from the original's ergonomics
// (see DESIGN.md).
type Persistent interface {
	Base() *Base
	Class() string
	GetState() interface{}
	SetState(interface{}) error
}

// Base is embedded by every Persistent implementation and carries the
// bookkeeping durus/persistent.py keeps on PersistentBase: status,
// the serial number stamped at last access, the owning Connection, and
// the assigned OID.
type Base struct {
	status     Status
	serial     uint64
	conn       *Connection
	oid        OID
	hasOID     bool
	self       Persistent // set by Init so Touch/MarkChanged can reach the owning object
}

// Init must be called once, typically from the embedding type's
// constructor, so Base can call back into the owning Persistent for
// ghost loading.
func (b *Base) Init(self Persistent) {
	b.self = self
	b.status = StatusUnsaved
}

// Base returns b itself, letting embedding types satisfy the Persistent
// interface's Base() method through promotion without each defining it.
func (b *Base) Base() *Base { return b }

func (b *Base) Status() Status      { return b.status }
func (b *Base) IsGhost() bool       { return b.status == StatusGhost }
func (b *Base) IsUnsaved() bool     { return b.status == StatusUnsaved }
func (b *Base) IsSaved() bool       { return b.status == StatusSaved }
func (b *Base) OID() (OID, bool)    { return b.oid, b.hasOID }
func (b *Base) Connection() *Connection { return b.conn }

// Touch loads ghost state if necessary and stamps the access serial,
// matching the read-path half of __getattribute__ in persistent.py: load
// on ghost, then note_access if the object's serial is stale.
func (b *Base) Touch() error {
	if b.status == StatusGhost {
		if err := b.loadState(); err != nil {
			return err
		}
	}
	if b.conn != nil && b.serial != b.conn.transactionSerial {
		b.conn.noteAccess(b.self)
	}
	return nil
}

// MarkChanged records that the owning object's state differs from what
// is stored, matching persistent.py's _p_note_change.
func (b *Base) MarkChanged() {
	if b.status != StatusUnsaved {
		b.setStatusUnsaved()
		if b.conn != nil {
			b.conn.noteChange(b.self)
		}
	}
}

func (b *Base) loadState() error {
	if b.status != StatusGhost {
		return nil
	}
	if b.conn == nil {
		return nil
	}
	if err := b.conn.loadState(b.self); err != nil {
		return err
	}
	b.status = StatusSaved
	return nil
}

func (b *Base) setStatusGhost() {
	_ = b.self.SetState(nil)
	b.status = StatusGhost
}

func (b *Base) setStatusSaved() { b.status = StatusSaved }

func (b *Base) setStatusUnsaved() {
	if b.status == StatusGhost {
		_ = b.loadState()
	}
	b.status = StatusUnsaved
}

func (b *Base) setOID(oid OID) {
	b.oid = oid
	b.hasOID = true
}

func (b *Base) setConnection(c *Connection) { b.conn = c }

func (b *Base) stampSerial(serial uint64) { b.serial = serial }

// Root is the default root object type, the Go counterpart of
// durus/persistent_dict.py's PersistentDict used as connection.py's
// default bootstrap root: a plain string-keyed map of top-level object
// references. Application code normally replaces this with its own root
// type via NewConnection's rootFactory argument, but Root lets a fresh database
// come up with a usable, codec-round-trippable root out of the box.
type Root struct {
	Base
	Entries map[string]interface{}
}

func NewRoot() *Root {
	r := &Root{Entries: map[string]interface{}{}}
	r.Init(r)
	return r
}

// rootClassTag is Root's class tag on the wire and in classFactories.
const rootClassTag = "durus.Root"

func init() {
	RegisterPersistentClass(rootClassTag, func() Persistent { return NewRoot() })
}

func (r *Root) Class() string          { return rootClassTag }
func (r *Root) GetState() interface{}  { return r.Entries }
func (r *Root) SetState(s interface{}) error {
	if s == nil {
		r.Entries = map[string]interface{}{}
		return nil
	}
	m, ok := s.(map[string]interface{})
	if !ok {
		return fromJSONMap(s, &r.Entries)
	}
	r.Entries = m
	return nil
}

// fromJSONMap copies a decoded state into dst when Decode hands back a
// *map[string]interface{} (the decode target NewJSONCodec registers for
// Root) instead of the plain map asserted above. Any other type leaves
// dst as a fresh empty map; it is not re-marshalled.
func fromJSONMap(src interface{}, dst *map[string]interface{}) error {
	if m, ok := src.(*map[string]interface{}); ok {
		*dst = *m
		return nil
	}
	*dst = map[string]interface{}{}
	return nil
}
