package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrChecksumMismatch is returned by readFrame when a frame's trailing
// CRC32 does not match its header+payload bytes.
var ErrChecksumMismatch = errors.New("replapplier: frame checksum mismatch")

// command is the one-byte opcode identifying a replica-client wire request
// or response. Grounded on the teacher's api/nbql length-prefixed,
// CRC32-checksummed frame format — chosen over the teacher's gRPC+protobuf
// replication transport because that transport's generated packages are
// not available to build against (see DESIGN.md).
type command byte

const (
	cmdConnect      command = 1
	cmdReadSequence command = 2
	cmdApply        command = 3
	cmdClose        command = 4

	respOK    byte = 0
	respError byte = 1
)

const frameHeaderSize = 1 + 4 // command + u32 length
const frameCRCSize = 4

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// writeFrame writes [command][u32 len(payload)+4][payload][u32 crc32c] to w,
// where the checksum covers the header and payload bytes.
func writeFrame(w io.Writer, cmd command, payload []byte) error {
	hasher := crc32.New(crc32cTable)
	multi := io.MultiWriter(w, hasher)

	if _, err := multi.Write([]byte{byte(cmd)}); err != nil {
		return fmt.Errorf("replapplier: write frame command: %w", err)
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)+frameCRCSize))
	if _, err := multi.Write(lenBuf); err != nil {
		return fmt.Errorf("replapplier: write frame length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := multi.Write(payload); err != nil {
			return fmt.Errorf("replapplier: write frame payload: %w", err)
		}
	}

	checksum := hasher.Sum32()
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, checksum)
	if _, err := w.Write(crcBuf); err != nil {
		return fmt.Errorf("replapplier: write frame checksum: %w", err)
	}
	return nil
}

// readFrame reads one frame from r, verifies its checksum, and returns the
// command and payload (with the trailing CRC stripped).
func readFrame(r io.Reader) (command, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	cmd := command(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length < frameCRCSize {
		return 0, nil, fmt.Errorf("replapplier: frame length %d shorter than checksum field", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	payload := body[:length-frameCRCSize]
	receivedChecksum := binary.BigEndian.Uint32(body[length-frameCRCSize:])

	hasher := crc32.New(crc32cTable)
	hasher.Write(header)
	hasher.Write(payload)
	if hasher.Sum32() != receivedChecksum {
		return 0, nil, ErrChecksumMismatch
	}

	return cmd, payload, nil
}
