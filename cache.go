package durus

import "weak"

// cache is a Connection's per-process object cache: a weak map from OID
// to object (so the garbage collector can reclaim objects nobody holds a
// strong reference to) plus a hard-reference set of recently touched
// objects that must not be collected before the next shrink, and a
// finger-based round-robin scan used to pick shrink victims without
// rebuilding a full LRU ordering on every commit.
//
// Ported from durus/connection.py's Cache/ObjectDictionary/
// ReferenceContainer trio. Python's weakref.KeyedRef (a weak reference
// with a deletion callback used to lazily prune dead entries from
// ObjectDictionary) has no exact Go equivalent; the stdlib weak package's
// weak.Pointer[T] is the closest analogue and is used here instead (see
// DESIGN.md's Open Question resolution).
type cache struct {
	objects       map[OID]weak.Pointer[Base]
	recentObjects map[OID]Persistent // hard references, cleared by shrink
	size          int
	finger        int
}

func newCache(size int) *cache {
	return &cache{
		objects:       map[OID]weak.Pointer[Base]{},
		recentObjects: map[OID]Persistent{},
		size:          size,
	}
}

// GetSize/SetSize mirror Cache.get_size/set_size in connection.py; size
// must stay positive so shrink always has a nonzero target.
func (c *cache) GetSize() int { return c.size }

func (c *cache) SetSize(size int) {
	if size <= 0 {
		panic("durus: cache size must be positive")
	}
	c.size = size
}

func (c *cache) Count() int {
	n := 0
	for _, wp := range c.objects {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}

// lookup returns the cached object for oid, if the GC has not yet
// reclaimed it.
func (c *cache) lookup(oid OID) (Persistent, bool) {
	wp, ok := c.objects[oid]
	if !ok {
		return nil, false
	}
	base := wp.Value()
	if base == nil {
		delete(c.objects, oid)
		return nil, false
	}
	return base.self, true
}

// getInstance returns the cached object for oid, constructing a fresh
// ghost via newGhost if none is cached, matching Cache.get_instance.
func (c *cache) getInstance(oid OID, newGhost func() Persistent) Persistent {
	if p, ok := c.lookup(oid); ok {
		return p
	}
	p := newGhost()
	c.insert(oid, p)
	return p
}

// insert registers obj under oid as a weak reference, replacing any
// previous entry. The weak pointer targets obj.Base(), an interior
// pointer into obj's own backing allocation, so the reference tracks
// obj's real liveness -- a weak pointer to a freshly taken &obj (a local
// copy of the interface value) would track nothing but that copy and
// could be collected the instant insert returns. Base.self (set by
// Init) is how lookup recovers the Persistent from the weak Base.
func (c *cache) insert(oid OID, obj Persistent) {
	c.objects[oid] = weak.Make(obj.Base())
}

// touch marks obj as recently accessed, pinning it against shrink until
// the next round, matching note_access's cache.recent_objects.add(self).
func (c *cache) touch(oid OID, obj Persistent) {
	c.recentObjects[oid] = obj
}

// shrink ghostifies up to (entries - c.size) SAVED objects outside the
// recently touched set, scanning a rolling window of the cache anchored
// at c.finger so repeated shrinks sweep the whole cache over time rather
// than always inspecting the same objects -- matching Cache.shrink's
// heap-free approximation. Ghostified objects stay in the cache, and a
// window of (entries - c.size) * 2 objects is inspected per call, so
// fewer than that many may be ghostified.
func (c *cache) shrink() {
	all := make([]OID, 0, len(c.objects))
	for oid := range c.objects {
		all = append(all, oid)
	}
	if len(all) <= c.size {
		c.recentObjects = map[OID]Persistent{}
		return
	}
	window := (len(all) - c.size) * 2
	if window > len(all) {
		window = len(all)
	}
	evicted := 0
	target := len(all) - c.size
	for i := 0; i < window && evicted < target; i++ {
		idx := (c.finger + i) % len(all)
		oid := all[idx]
		if _, recent := c.recentObjects[oid]; recent {
			continue
		}
		p, ok := c.lookup(oid)
		if !ok {
			continue
		}
		base := p.Base()
		if base.IsSaved() {
			base.setStatusGhost()
			evicted++
		}
	}
	c.finger = (c.finger + window) % len(all)
	c.recentObjects = map[OID]Persistent{}
	Logf(LevelDebug, "cache shrink: evicted %d objects, %d remaining", evicted, c.Count())
}
