package replication

import (
	"encoding/binary"
	"io"
)

// BlockFlag is a bitmap on a block header marking transaction boundaries.
type BlockFlag uint32

const (
	FlagBeginTrans BlockFlag = 1 << 0
	FlagEndTrans   BlockFlag = 1 << 1
)

// Has reports whether f is set in the flag bitmap.
func (b BlockFlag) Has(f BlockFlag) bool { return b&f != 0 }

// BlockHeaderSize is the fixed on-disk size of a block header:
// [u64 transaction_id][u32 flags][u32 data_length][u32 meta_length]
const BlockHeaderSize = 8 + 4 + 4 + 4

// BlockHeader is the fixed-size prefix of one block record inside a
// segment. The payload bytes that follow are opaque to the driver.
type BlockHeader struct {
	TransactionID uint64
	Flags         BlockFlag
	DataLength    uint32
	MetaLength    uint32
}

// PayloadLength is the number of opaque bytes following the header.
func (h BlockHeader) PayloadLength() uint32 {
	return h.DataLength + h.MetaLength
}

// TotalLength is the header plus payload length, the unit by which the
// replay driver advances total_offset (§4.4 step 9).
func (h BlockHeader) TotalLength() uint32 {
	return BlockHeaderSize + h.PayloadLength()
}

// DecodeBlockHeader reads one block header from r.
func DecodeBlockHeader(r io.Reader) (BlockHeader, error) {
	buf := make([]byte, BlockHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return BlockHeader{}, err
	}
	return BlockHeader{
		TransactionID: binary.LittleEndian.Uint64(buf[0:8]),
		Flags:         BlockFlag(binary.LittleEndian.Uint32(buf[8:12])),
		DataLength:    binary.LittleEndian.Uint32(buf[12:16]),
		MetaLength:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodeBlockHeader writes h in on-disk format. Used by segment fixtures in
// tests and by anything constructing synthetic blocks.
func EncodeBlockHeader(h BlockHeader) []byte {
	buf := make([]byte, BlockHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.TransactionID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.MetaLength)
	return buf
}

// Block is a fully read block: header plus its opaque payload bytes, handed
// to the block dispatcher.
type Block struct {
	Header  BlockHeader
	Payload []byte
}
