package replication

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nexusreplica/replapplier/core"
)

// SegmentState is the primary's lifecycle marker for a segment file.
type SegmentState uint8

const (
	SegmentFree SegmentState = 1
	SegmentUsed SegmentState = 2
	SegmentFull SegmentState = 3
	SegmentArch SegmentState = 4
)

func (s SegmentState) String() string {
	switch s {
	case SegmentFree:
		return "FREE"
	case SegmentUsed:
		return "USED"
	case SegmentFull:
		return "FULL"
	case SegmentArch:
		return "ARCH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

const (
	segmentSignature    = uint32(0x46425247) // "FBRG" — protocol-fixed magic.
	segmentHeaderVersion = uint8(1)
	segmentProtocol      = uint8(1)

	// SegmentHeaderSize is the fixed on-disk size of a segment header:
	// [u32 signature][u8 version][u8 protocol][u8 state][u8 reserved]
	// [16 byte guid][u64 sequence][u32 length]
	SegmentHeaderSize = 4 + 1 + 1 + 1 + 1 + 16 + 8 + 4
)

// SegmentHeader is the fixed-size prefix of a segment file. The driver
// never interprets anything past this header other than block framing.
type SegmentHeader struct {
	Signature uint32
	Version   uint8
	Protocol  uint8
	State     SegmentState
	GUID      GUID
	Sequence  uint64
	Length    uint32
}

// Valid reports whether h carries the magic, version and protocol this
// binary understands, a recognized state, and a length that cannot
// underflow the block region computation. It does not check GUID — that
// is a target-specific filter applied by the scanner.
func (h SegmentHeader) Valid() bool {
	switch h.State {
	case SegmentFree, SegmentUsed, SegmentFull, SegmentArch:
	default:
		return false
	}
	return h.Signature == segmentSignature && h.Version == segmentHeaderVersion && h.Protocol == segmentProtocol &&
		h.Length >= SegmentHeaderSize
}

// Equal reports byte-for-byte equality, used by the replay driver (§4.4
// step 9) to detect that a segment was rewritten between scan and replay.
func (h SegmentHeader) Equal(o SegmentHeader) bool {
	return h == o
}

// DecodeSegmentHeader reads and validates a segment header from r. It
// returns core.ErrCorruptSegmentHeader if Valid rejects the header (bad
// signature/version/protocol, unknown state, or length below the header
// size), without inspecting GUID.
func DecodeSegmentHeader(r io.Reader) (SegmentHeader, error) {
	buf := make([]byte, SegmentHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return SegmentHeader{}, err
	}
	var h SegmentHeader
	h.Signature = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Protocol = buf[5]
	h.State = SegmentState(buf[6])
	// buf[7] is reserved padding.
	copy(h.GUID[:], buf[8:24])
	h.Sequence = binary.LittleEndian.Uint64(buf[24:32])
	h.Length = binary.LittleEndian.Uint32(buf[32:36])

	if !h.Valid() {
		return h, core.ErrCorruptSegmentHeader
	}
	return h, nil
}

// EncodeSegmentHeader writes h in on-disk format. Used by tests to fabricate
// segment fixtures without depending on a real primary.
func EncodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, SegmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentSignature)
	buf[4] = segmentHeaderVersion
	buf[5] = segmentProtocol
	buf[6] = byte(h.State)
	copy(buf[8:24], h.GUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], h.Sequence)
	binary.LittleEndian.PutUint32(buf[32:36], h.Length)
	return buf
}

// IsInProgressName reports whether name matches the primary's in-progress
// naming convention: it contains '{', '}' and '-' all three (§4.3 step 1).
// Such files are never stable enough to read and are skipped every pass.
func IsInProgressName(name string) bool {
	return strings.Contains(name, "{") && strings.Contains(name, "}") && strings.Contains(name, "-")
}

// PreservedName reports whether name carries the '~' prefix used by the
// preserve-log debug mode to mark an already-consumed segment instead of
// deleting it (grounded on LogSegment::remove()'s PRESERVE_LOG branch).
func PreservedName(name string) bool {
	return strings.HasPrefix(name, "~")
}

// openSegmentForRead opens path read-only, reporting a sharing violation
// distinctly from other I/O errors so callers can apply the "not fatal,
// retry next pass" policy of §4.3 step 3.
func openSegmentForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) || isSharingViolation(err) {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrSharingViolation, path, err)
		}
		return nil, err
	}
	return f, nil
}
