package durus

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/natefinch/atomic"
)

// file wraps an *os.File with the locking and atomic-rename behavior
// spec.md §4.1 requires: an exclusive lock held for the file's lifetime
// (unless opened read-only), and a renameInto that reacquires the lock across
// the swap. Ported from durus/file.py's File class; the lock
// implementation itself is OS-specific (file_unix.go / file_windows.go),
// grounded on jpl-au-folio's lock_unix.go/lock_windows.go split.
type file struct {
	mu       sync.Mutex
	f        *os.File
	name     string
	readonly bool
	locked   bool
}

// openFile opens name for reading and writing, creating it if absent (or
// just reading, if readonly), obtaining an exclusive advisory lock unless
// readonly.
func openFile(name string, readonly bool) (*file, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(name, flag, 0644)
	if err != nil {
		return nil, err
	}
	fl := &file{f: f, name: name, readonly: readonly}
	if !readonly {
		if err := fl.obtainLock(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return fl, nil
}

func (fl *file) obtainLock() error {
	if err := lockFile(fl.f); err != nil {
		return fmt.Errorf("%w: %s", ErrLockHeld, fl.name)
	}
	fl.locked = true
	return nil
}

func (fl *file) releaseLock() error {
	if !fl.locked {
		return nil
	}
	fl.locked = false
	return unlockFile(fl.f)
}

func (fl *file) Seek(offset int64, whence int) (int64, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.f.Seek(offset, whence)
}

func (fl *file) SeekEnd() (int64, error) {
	return fl.Seek(0, io.SeekEnd)
}

func (fl *file) Tell() (int64, error) {
	return fl.Seek(0, io.SeekCurrent)
}

func (fl *file) Read(p []byte) (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return io.ReadFull(fl.f, p)
}

func (fl *file) ReadAt(p []byte, off int64) (int, error) {
	return fl.f.ReadAt(p, off)
}

func (fl *file) Write(p []byte) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.readonly {
		return fmt.Errorf("durus: write to read-only file %s", fl.name)
	}
	if _, err := fl.f.Write(p); err != nil {
		return err
	}
	return fl.f.Sync()
}

func (fl *file) Stat() (os.FileInfo, error) {
	return fl.f.Stat()
}

func (fl *file) Len() (int64, error) {
	st, err := fl.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (fl *file) Truncate(size int64) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.f.Truncate(size)
}

func (fl *file) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := fl.releaseLock(); err != nil {
		return err
	}
	return fl.f.Close()
}

// renameInto atomically replaces dst's contents with this file's contents,
// reacquiring the lock on the renamed path, mirroring File.rename's
// close/os.rename/reopen/relock sequence but using a crash-safe
// write-then-rename primitive rather than a bare os.Rename.
func (fl *file) renameInto(dst string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := fl.releaseLock(); err != nil {
		return err
	}
	src := fl.f
	if err := src.Sync(); err != nil {
		return err
	}
	name := fl.name
	if err := src.Close(); err != nil {
		return err
	}
	in, err := os.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := atomic.WriteFile(dst, in); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	reopened, err := os.OpenFile(dst, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	fl.f = reopened
	fl.name = dst
	if !fl.readonly {
		if err := fl.obtainLock(); err != nil {
			return err
		}
	}
	return nil
}
