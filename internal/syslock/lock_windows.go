//go:build windows
// +build windows

package syslock

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// ExclusiveLock is an OS-level exclusive lock on a named file, implemented
// with LockFileEx on Windows (the POSIX build uses flock; see lock_unix.go).
type ExclusiveLock struct {
	f  *os.File
	ov windows.Overlapped
}

// Acquire opens (or creates) path and takes an exclusive, non-blocking lock
// on its first byte, retrying until timeout elapses.
func Acquire(path string, timeout time.Duration) (*ExclusiveLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	l := &ExclusiveLock{f: f}
	h := windows.Handle(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &l.ov)
		if err == nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Release unlocks and closes the underlying file descriptor.
func (l *ExclusiveLock) Release() error {
	h := windows.Handle(l.f.Fd())
	_ = windows.UnlockFileEx(h, 0, 1, 0, &l.ov)
	return l.f.Close()
}
