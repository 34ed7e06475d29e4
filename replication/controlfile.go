package replication

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nexusreplica/replapplier/core"
	"github.com/nexusreplica/replapplier/internal/syslock"
)

const (
	controlFileSignature = "FBREPLCTL\x00"
	controlFileVersion   = uint16(1)

	// controlFileFixedSize is the signature+version+txn_count+sequence+
	// offset+db_sequence prefix, before the variable-length txn records.
	controlFileFixedSize = 10 + 2 + 4 + 8 + 4 + 8
	txnEntrySize          = 8 + 8
)

// writeBufPool bounds allocation of the scratch buffer writeLocked
// serializes the control file record into: every save on a hot target
// (one per block replayed) would otherwise allocate and discard one buffer.
// Safe to pool because the buffer is fully written to disk and discarded
// before writeLocked returns — it never escapes the call.
var writeBufPool = core.NewGenericPool(func() []byte { return make([]byte, 0, controlFileFixedSize+16*txnEntrySize) })

// ControlFile is the per-(target, source GUID) durable cursor described in
// §4.1. It is opened under an OS-level exclusive lock for the duration of
// one scan+replay cycle and every mutation is flushed to stable storage
// before the call returns, so a crash never loses an acknowledged
// checkpoint.
type ControlFile struct {
	path string
	lock *syslock.ExclusiveLock
	f    *os.File

	sequence   uint64
	offset     uint32
	dbSequence uint64
}

// controlFilePath returns the per-GUID control file path inside a target's
// source directory, matching "stored in the target's source directory,
// named by GUID" (§3).
func controlFilePath(dir string, guid GUID) string {
	return filepath.Join(dir, guid.String()+".ctl")
}

// OpenControlFile implements §4.1's open operation: it atomically
// create-or-opens the control file, takes the exclusive lock, and either
// initializes a fresh file or reads and validates an existing one,
// populating active into the caller's active-transaction set.
func OpenControlFile(dir string, guid GUID, hintSequence uint64, active *ActiveTransactionSet, lockTimeout time.Duration) (*ControlFile, error) {
	path := controlFilePath(dir, guid)

	lock, err := syslock.Acquire(path+".lock", lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("replapplier: acquire control file lock %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("replapplier: open control file %s: %w", path, err)
	}

	cf := &ControlFile{path: path, lock: lock, f: f}

	info, err := f.Stat()
	if err != nil {
		cf.closeQuiet()
		return nil, err
	}

	if info.Size() == 0 {
		seq := uint64(0)
		if hintSequence > 0 {
			seq = hintSequence - 1
		}
		cf.sequence = seq
		cf.offset = 0
		cf.dbSequence = 0
		active.Clear()
		if err := cf.writeLocked(active); err != nil {
			cf.closeQuiet()
			return nil, err
		}
		return cf, nil
	}

	if err := cf.readLocked(active); err != nil {
		cf.closeQuiet()
		return nil, err
	}
	return cf, nil
}

func (cf *ControlFile) closeQuiet() {
	_ = cf.f.Close()
	_ = cf.lock.Release()
}

// Sequence returns the highest segment whose replay has begun or completed.
func (cf *ControlFile) Sequence() uint64 { return cf.sequence }

// Offset returns the durable intra-segment offset; zero means the segment
// at Sequence() is fully applied (invariant 2).
func (cf *ControlFile) Offset() uint32 { return cf.offset }

// DBSequence returns the last observed replica REPLICATION_SEQUENCE.
func (cf *ControlFile) DBSequence() uint64 { return cf.dbSequence }

// SaveDBSequence persists a new replica sequence observation (§4.1).
func (cf *ControlFile) SaveDBSequence(n uint64, active *ActiveTransactionSet) error {
	cf.dbSequence = n
	return cf.writeLocked(active)
}

// SavePartial persists progress inside a segment. It is a no-op unless
// seq > current sequence, or seq == current sequence and offset > current
// offset (§4.1). When seq advances past the current sequence, the previous
// offset must have been 0 (the prior segment completed cleanly) — callers
// violating this invariant get an error rather than silent corruption.
func (cf *ControlFile) SavePartial(seq uint64, offset uint32, active *ActiveTransactionSet) error {
	if seq < cf.sequence {
		return nil
	}
	if seq == cf.sequence && offset <= cf.offset {
		return nil
	}
	if seq > cf.sequence && cf.offset != 0 {
		return fmt.Errorf("replapplier: control file %s: sequence advanced from %d to %d with nonzero offset %d", cf.path, cf.sequence, seq, cf.offset)
	}
	cf.sequence = seq
	cf.offset = offset
	return cf.writeLocked(active)
}

// SaveComplete marks seq as fully applied: it clears offset to zero and
// sets sequence = seq, iff seq >= current sequence (§4.1).
func (cf *ControlFile) SaveComplete(seq uint64, active *ActiveTransactionSet) error {
	if seq < cf.sequence {
		return nil
	}
	cf.sequence = seq
	cf.offset = 0
	return cf.writeLocked(active)
}

// Close releases the exclusive lock and closes the underlying file (§4.1).
func (cf *ControlFile) Close() error {
	ferr := cf.f.Close()
	lerr := cf.lock.Release()
	if ferr != nil {
		return ferr
	}
	return lerr
}

func (cf *ControlFile) readLocked(active *ActiveTransactionSet) error {
	if _, err := cf.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	header := make([]byte, controlFileFixedSize)
	if _, err := io.ReadFull(cf.f, header); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCorruptControlFile, cf.path, err)
	}

	sig := string(header[0:10])
	version := binary.LittleEndian.Uint16(header[10:12])
	if sig != controlFileSignature || version != controlFileVersion {
		return fmt.Errorf("%w: %s", core.ErrCorruptControlFile, cf.path)
	}

	txnCount := binary.LittleEndian.Uint32(header[12:16])
	cf.sequence = binary.LittleEndian.Uint64(header[16:24])
	cf.offset = binary.LittleEndian.Uint32(header[24:28])
	cf.dbSequence = binary.LittleEndian.Uint64(header[28:36])

	entries := make([]TxnEntry, 0, txnCount)
	buf := make([]byte, txnEntrySize)
	for i := uint32(0); i < txnCount; i++ {
		if _, err := io.ReadFull(cf.f, buf); err != nil {
			return fmt.Errorf("%w: %s: truncated active set: %v", core.ErrCorruptControlFile, cf.path, err)
		}
		entries = append(entries, TxnEntry{
			TransactionID: binary.LittleEndian.Uint64(buf[0:8]),
			Sequence:      binary.LittleEndian.Uint64(buf[8:16]),
		})
	}
	active.Restore(entries)
	return nil
}

// writeLocked serializes the current header plus active's full snapshot and
// flushes it to stable storage before returning, satisfying both the
// write-through contract (§6) and invariant 4 (no partial serialization):
// the whole record is built in memory and written in one call.
func (cf *ControlFile) writeLocked(active *ActiveTransactionSet) error {
	entries := active.Snapshot()

	size := controlFileFixedSize + len(entries)*txnEntrySize
	pooled := writeBufPool.Get()
	if cap(pooled) < size {
		pooled = make([]byte, 0, size)
	}
	buf := pooled[:size]
	defer writeBufPool.Put(pooled[:0])

	copy(buf[0:10], controlFileSignature)
	binary.LittleEndian.PutUint16(buf[10:12], controlFileVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[16:24], cf.sequence)
	binary.LittleEndian.PutUint32(buf[24:28], cf.offset)
	binary.LittleEndian.PutUint64(buf[28:36], cf.dbSequence)

	off := controlFileFixedSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.TransactionID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Sequence)
		off += txnEntrySize
	}

	if _, err := cf.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := cf.f.Truncate(int64(len(buf))); err != nil {
		return err
	}
	if _, err := cf.f.Write(buf); err != nil {
		return err
	}
	return cf.f.Sync()
}
