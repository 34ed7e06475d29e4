package replication

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GUID is the 16-byte source identity the primary stamps into every segment
// header. A zero GUID on a target means "accept any source".
type GUID [16]byte

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// String renders the GUID as 32 lowercase hex characters with no grouping
// (no braces, no dashes — those are reserved in segment file names for the
// primary's in-progress marker).
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// NewGUID generates a fresh random GUID, for tooling that needs to mint a
// new source identity (e.g. provisioning a target's source_guid) rather
// than parse one handed down from a primary.
func NewGUID() GUID {
	var g GUID
	u := uuid.New()
	copy(g[:], u[:])
	return g
}

// ParseGUID decodes a 32-character hex string into a GUID.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	b, err := hex.DecodeString(s)
	if err != nil {
		return g, fmt.Errorf("replapplier: invalid guid %q: %w", s, err)
	}
	if len(b) != len(g) {
		return g, fmt.Errorf("replapplier: invalid guid length %q: want %d bytes got %d", s, len(g), len(b))
	}
	copy(g[:], b)
	return g, nil
}
