package durus

import (
	"runtime"
	"testing"
)

func TestCacheInsertLookupRoundTrip(t *testing.T) {
	c := newCache(10)
	obj := NewRoot()
	c.insert(1, obj)

	got, ok := c.lookup(1)
	if !ok {
		t.Fatal("lookup should find just-inserted object")
	}
	if got != Persistent(obj) {
		t.Error("lookup returned a different object than was inserted")
	}
	runtime.KeepAlive(obj)
}

func TestCacheLookupMissing(t *testing.T) {
	c := newCache(10)
	if _, ok := c.lookup(99); ok {
		t.Error("lookup of an oid never inserted should report absent")
	}
}

func TestCacheGetInstanceConstructsGhostOnce(t *testing.T) {
	c := newCache(10)
	calls := 0
	newGhost := func() Persistent {
		calls++
		return NewRoot()
	}
	first := c.getInstance(5, newGhost)
	second := c.getInstance(5, newGhost)
	if calls != 1 {
		t.Errorf("newGhost called %d times, want 1", calls)
	}
	if first != second {
		t.Error("getInstance should return the same cached object on a second call")
	}
}

func TestCacheTouchPinsAgainstShrink(t *testing.T) {
	c := newCache(1)
	a := NewRoot()
	a.Base().setStatusSaved()
	b := NewRoot()
	b.Base().setStatusSaved()
	c.insert(1, a)
	c.insert(2, b)
	c.touch(2, b)

	c.shrink()

	if a.Base().IsGhost() != true && b.Base().IsGhost() != true {
		t.Fatal("shrink with cache size 1 and two saved objects should ghostify at least one")
	}
	if b.Base().IsGhost() {
		t.Error("recently touched object should survive shrink")
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestCacheShrinkLeavesUnsavedObjectsAlone(t *testing.T) {
	c := newCache(0)
	obj := NewRoot() // status is StatusUnsaved from NewRoot/Init
	c.insert(1, obj)

	c.shrink()

	if obj.Base().IsGhost() {
		t.Error("shrink should not ghostify an unsaved object")
	}
	runtime.KeepAlive(obj)
}

func TestCacheShrinkNoopBelowSize(t *testing.T) {
	c := newCache(10)
	obj := NewRoot()
	obj.Base().setStatusSaved()
	c.insert(1, obj)

	c.shrink()

	if obj.Base().IsGhost() {
		t.Error("shrink should not evict anything while under the size budget")
	}
	runtime.KeepAlive(obj)
}

func TestCacheSetSizePanicsOnNonPositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("SetSize(0) should panic")
		}
	}()
	c := newCache(10)
	c.SetSize(0)
}

func TestCacheCountReflectsLiveObjects(t *testing.T) {
	c := newCache(10)
	a := NewRoot()
	b := NewRoot()
	c.insert(1, a)
	c.insert(2, b)
	if got := c.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}
