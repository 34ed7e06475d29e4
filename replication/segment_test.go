package replication

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusreplica/replapplier/core"
)

func TestSegmentHeader_RoundTrip(t *testing.T) {
	guid, err := ParseGUID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	h := SegmentHeader{
		State:    SegmentFull,
		GUID:     guid,
		Sequence: 42,
		Length:   1234,
	}

	encoded := EncodeSegmentHeader(h)
	got, err := DecodeSegmentHeader(bytes.NewReader(encoded))
	require.NoError(t, err)

	assert.Equal(t, h.State, got.State)
	assert.Equal(t, h.GUID, got.GUID)
	assert.Equal(t, h.Sequence, got.Sequence)
	assert.Equal(t, h.Length, got.Length)
}

func TestDecodeSegmentHeader_BadSignature(t *testing.T) {
	buf := make([]byte, SegmentHeaderSize)
	_, err := DecodeSegmentHeader(bytes.NewReader(buf))
	assert.Error(t, err)
}

func TestDecodeSegmentHeader_UnknownStateRejected(t *testing.T) {
	h := SegmentHeader{State: SegmentState(5), Sequence: 1, Length: SegmentHeaderSize}
	encoded := EncodeSegmentHeader(h)

	_, err := DecodeSegmentHeader(bytes.NewReader(encoded))
	assert.ErrorIs(t, err, core.ErrCorruptSegmentHeader)
}

func TestIsInProgressName(t *testing.T) {
	cases := map[string]bool{
		"primary-{abc}-tmp.log": true,
		"0000000007.arc":        false,
		"{incomplete}":          false, // missing dash
		"foo-bar.log":           false, // missing braces
	}
	for name, want := range cases {
		assert.Equal(t, want, IsInProgressName(name), "IsInProgressName(%q)", name)
	}
}

func TestPreservedName(t *testing.T) {
	assert.True(t, PreservedName("~0000000005.arc"))
	assert.False(t, PreservedName("0000000005.arc"))
}
