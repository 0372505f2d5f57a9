//go:build unix || linux || darwin

package durus

import (
	"os"
	"syscall"
)

// lockFile obtains a non-blocking exclusive flock, matching
// durus/file.py's obtain_lock (fcntl.flock LOCK_EX|LOCK_NB) -- the lock
// fails immediately rather than waiting, since a second writer on the
// same shelf is a configuration error spec.md says to reject outright.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
