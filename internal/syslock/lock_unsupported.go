//go:build !unix && !windows
// +build !unix,!windows

package syslock

import (
	"time"

	"github.com/nexusreplica/replapplier/core"
)

// ExclusiveLock has no implementation on platforms lacking both flock and
// LockFileEx primitives.
type ExclusiveLock struct{}

func Acquire(path string, timeout time.Duration) (*ExclusiveLock, error) {
	return nil, core.ErrLockNotSupported
}

func (l *ExclusiveLock) Release() error { return nil }
