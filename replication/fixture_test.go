package replication

import (
	"os"
	"path/filepath"
	"testing"
)

// writeSegmentFixture builds a well-formed segment file at dir/name with the
// given state/sequence and blocks, returning the header value it encoded
// (Signature, Version and Protocol left zero; the encoder writes the
// constants).
func writeSegmentFixture(t *testing.T, dir, name string, guid GUID, state SegmentState, sequence uint64, blocks []Block) SegmentHeader {
	t.Helper()

	var body []byte
	for _, b := range blocks {
		b.Header.DataLength = uint32(len(b.Payload))
		b.Header.MetaLength = 0
		body = append(body, EncodeBlockHeader(b.Header)...)
		body = append(body, b.Payload...)
	}

	header := SegmentHeader{
		State:    state,
		GUID:     guid,
		Sequence: sequence,
		Length:   uint32(SegmentHeaderSize + len(body)),
	}

	buf := append(EncodeSegmentHeader(header), body...)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
	return header
}
