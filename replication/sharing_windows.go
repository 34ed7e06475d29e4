//go:build windows
// +build windows

package replication

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isSharingViolation reports whether err indicates the file is still held
// open for writing by another process (ERROR_SHARING_VIOLATION on Windows).
func isSharingViolation(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
