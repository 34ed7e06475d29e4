//go:build !windows
// +build !windows

package replication

import (
	"errors"
	"syscall"
)

// isSharingViolation reports whether err indicates the file is still held
// open for writing by another process (EACCES/EAGAIN on POSIX).
func isSharingViolation(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EAGAIN)
}
