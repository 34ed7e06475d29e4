package core

import "errors"

// Sentinel errors surfaced by the replication packages. Callers should use
// errors.Is rather than string matching.
var (
	// ErrCorruptControlFile is returned when a control file's signature or
	// version does not match what this binary expects.
	ErrCorruptControlFile = errors.New("replapplier: control file corrupt or unsupported version")

	// ErrCorruptSegmentHeader is returned when a segment header fails
	// signature/version/protocol, state or length validation.
	ErrCorruptSegmentHeader = errors.New("replapplier: segment header corrupt or unsupported version")

	// ErrSegmentRewritten is returned when a segment's header changes
	// between the scan pass and the replay pass.
	ErrSegmentRewritten = errors.New("replapplier: segment header changed since scan")

	// ErrMissingSegment is returned when the next expected sequence number
	// is absent from the queue.
	ErrMissingSegment = errors.New("replapplier: required segment is missing")

	// ErrReplicaRejected is returned when the replica client's Apply call
	// fails.
	ErrReplicaRejected = errors.New("replapplier: replica rejected block")

	// ErrSharingViolation is returned when a segment file cannot be opened
	// because the primary still holds it open for writing.
	ErrSharingViolation = errors.New("replapplier: segment file sharing violation")

	// ErrLockNotSupported indicates the platform has no exclusive-lock
	// primitive wired up.
	ErrLockNotSupported = errors.New("replapplier: exclusive file locking not supported on this platform")
)
