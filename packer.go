package durus

import (
	"container/heap"
	"os"

	"github.com/natefinch/atomic"
)

// shelfPacker is an incremental, resumable pack operation for a
// ShelfStorage: a BFS from the root OID collects every reachable record,
// draining concurrently committed OIDs (packExtra) into the same pass so
// a pack never has to block writers, then writes the collected records
// through generateShelf in one linear pass (so the packed file's offset
// map actually indexes every reachable OID) and swaps the new file into
// place with a crash-safe rename, keeping the old file as path.prepack.
//
// Ported from durus/file_storage2.py's _packer generator/get_packer
// pair (§4.4), reshaped from a Python generator into an explicit state
// machine per spec.md §9's guidance for systems languages: each call to
// Step performs one bounded unit of work and returns whether the pack
// has finished.
type shelfPacker struct {
	ss        *ShelfStorage
	path      string
	tmpPath   string
	dstFile   *file
	todo      *oidHeap
	seen      map[OID]bool
	reachable map[OID]bool
	items     []struct {
		OID OID
		Rec record
	}
	done bool
}

func newShelfPacker(ss *ShelfStorage) (*shelfPacker, error) {
	tmpPath := ss.path + ".pack"
	os.Remove(tmpPath)
	dstFile, err := openFile(tmpPath, false)
	if err != nil {
		return nil, err
	}
	h := &oidHeap{RootOID}
	heap.Init(h)
	return &shelfPacker{
		ss:        ss,
		path:      ss.path,
		tmpPath:   tmpPath,
		dstFile:   dstFile,
		todo:      h,
		seen:      map[OID]bool{RootOID: true},
		reachable: map[OID]bool{},
	}, nil
}

// packStepBatch bounds how much work a single Step call performs, so a
// server event loop calling Step repeatedly stays responsive to other
// sessions between calls.
const packStepBatch = 64

// Step performs one bounded unit of reachability-copying work, or -- once
// the frontier and any drained concurrent commits are exhausted --
// performs the final index write and crash-safe rename, and reports
// done=true.
func (p *shelfPacker) Step() (bool, error) {
	if p.done {
		return true, nil
	}

	// Drain any OIDs committed by other sessions while the pack has been
	// running, matching file_storage2.py's pack_extra draining: these
	// must be visited too or a concurrent writer's new objects would be
	// silently dropped by the swap.
	p.ss.mu.Lock()
	extra := p.ss.packExtra
	p.ss.packExtra = nil
	p.ss.mu.Unlock()
	for _, oid := range extra {
		if !p.seen[oid] {
			p.seen[oid] = true
			heap.Push(p.todo, oid)
		}
	}

	if p.todo.Len() == 0 {
		return p.finish()
	}

	n := 0
	for p.todo.Len() > 0 && n < packStepBatch {
		oid := heap.Pop(p.todo).(OID)
		n++
		rec, err := p.ss.Load(oid)
		if err != nil {
			continue
		}
		p.reachable[oid] = true
		p.items = append(p.items, struct {
			OID OID
			Rec record
		}{oid, rec})
		for _, ref := range rec.Refs {
			if !p.seen[ref] {
				p.seen[ref] = true
				heap.Push(p.todo, ref)
			}
		}
	}
	return false, nil
}

// finish drives the collected reachable items through generateShelf in
// one linear pass -- giving the packed file a properly sized, fully
// populated offset map instead of leaving every record to be found only
// by replaying the transaction log -- then atomically replaces the live
// shelf file with it, and reports to ShelfStorage which OIDs became
// unreachable so it can drop them from its own in-memory index.
func (p *shelfPacker) finish() (bool, error) {
	invalid := make([]OID, 0)
	p.ss.mu.Lock()
	for oid := range p.ss.everSeenOID {
		if !p.reachable[oid] {
			invalid = append(invalid, oid)
		}
	}
	p.ss.mu.Unlock()

	if _, err := generateShelf(p.dstFile, p.items); err != nil {
		return false, err
	}
	if err := p.dstFile.Close(); err != nil {
		return false, err
	}
	tmp, err := os.Open(p.tmpPath)
	if err != nil {
		return false, err
	}
	if err := os.Rename(p.path, p.path+".prepack"); err != nil {
		tmp.Close()
		return false, err
	}
	writeErr := atomic.WriteFile(p.path, tmp)
	tmp.Close()
	os.Remove(p.tmpPath)
	if writeErr != nil {
		return false, writeErr
	}

	newShelf, err := openShelf(p.path, false)
	if err != nil {
		return false, err
	}
	p.ss.mu.Lock()
	p.ss.shelf.close()
	p.ss.shelf = newShelf
	for _, oid := range invalid {
		delete(p.ss.everSeenOID, oid)
	}
	p.ss.packer = nil
	p.ss.mu.Unlock()

	p.done = true
	Logf(LevelInfo, "pack complete: %d objects reachable, %d reclaimed", len(p.reachable), len(invalid))
	return true, nil
}
