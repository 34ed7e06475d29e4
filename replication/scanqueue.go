package replication

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/nexusreplica/replapplier/core"
	"github.com/nexusreplica/replapplier/internal/fsutil"
	"github.com/shirou/gopsutil/v3/disk"
)

// QueuedSegment is one validated, queued segment awaiting replay.
type QueuedSegment struct {
	Path   string
	Header SegmentHeader
}

// SegmentQueue is the ascending-by-sequence output of a scan pass (§4.3).
type SegmentQueue []QueuedSegment

// IndexOf returns the position of the first entry with the given sequence,
// or -1, used by the GC sweep (§4.4 step 11) to resume from a known point.
func (q SegmentQueue) IndexOf(seq uint64) int {
	for i, s := range q {
		if s.Header.Sequence == seq {
			return i
		}
	}
	return -1
}

// Scan implements §4.3's Scan & Queue algorithm: it enumerates dir, filters
// and validates entries, deletes FREE segments on sight (or renames them
// under preserveLog), and returns the remaining candidates ordered by
// ascending sequence.
func Scan(dir string, expectGUID GUID, preserveLog bool, lowWatermark uint64, logger *slog.Logger) (SegmentQueue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	reportDiskSpace(dir, lowWatermark, logger)

	queue := make(SegmentQueue, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if IsInProgressName(name) || PreservedName(name) {
			continue
		}

		path := filepath.Join(dir, name)
		header, ok, err := scanOne(path, logger)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if header.State == SegmentFree {
			removeOrPreserve(path, preserveLog, logger)
			continue
		}

		if !expectGUID.IsZero() && header.GUID != expectGUID {
			if logger != nil {
				logger.Debug("skipping segment with mismatched guid", "path", path, "guid", header.GUID.String())
			}
			continue
		}

		queue = append(queue, QueuedSegment{Path: path, Header: header})
	}

	sort.Slice(queue, func(i, j int) bool { return queue[i].Header.Sequence < queue[j].Header.Sequence })
	return queue, nil
}

// scanOne opens, stats, and validates a single candidate file. ok is false
// (with a nil error) for every case the spec treats as "skip this pass,
// maybe it'll be ready next time": sharing violations, files smaller than a
// segment header or than their advertised length, and invalid headers.
func scanOne(path string, logger *slog.Logger) (SegmentHeader, bool, error) {
	f, err := openSegmentForRead(path)
	if err != nil {
		if errors.Is(err, core.ErrSharingViolation) {
			if logger != nil {
				logger.Debug("segment sharing violation, will retry next pass", "path", path, "err", err)
			}
			return SegmentHeader{}, false, nil
		}
		return SegmentHeader{}, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return SegmentHeader{}, false, err
	}
	if info.Size() < int64(SegmentHeaderSize) {
		return SegmentHeader{}, false, nil
	}

	header, err := DecodeSegmentHeader(f)
	if err != nil {
		if errors.Is(err, core.ErrCorruptSegmentHeader) {
			if logger != nil {
				logger.Warn("skipping segment with invalid header", "path", path, "err", err)
			}
			return SegmentHeader{}, false, nil
		}
		return SegmentHeader{}, false, err
	}

	if info.Size() < int64(header.Length) {
		if logger != nil {
			logger.Debug("segment shorter than advertised length, still being written", "path", path, "size", info.Size(), "length", header.Length)
		}
		return SegmentHeader{}, false, nil
	}

	return header, true, nil
}

func removeOrPreserve(path string, preserveLog bool, logger *slog.Logger) {
	if preserveLog {
		dst := filepath.Join(filepath.Dir(path), "~"+filepath.Base(path))
		if err := fsutil.Rename(path, dst); err != nil && logger != nil {
			logger.Warn("failed to preserve free segment", "path", path, "err", err)
		}
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && logger != nil {
		logger.Warn("failed to remove free segment", "path", path, "err", err)
	}
}

// reportDiskSpace logs a warning when the directory's free space falls
// below the configured low-watermark. This is purely observational; it
// never changes scan/replay control flow (§4.3 supplemented behavior).
func reportDiskSpace(dir string, lowWatermark uint64, logger *slog.Logger) {
	if logger == nil {
		return
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return
	}
	if lowWatermark > 0 && usage.Free < lowWatermark {
		logger.Warn("log source directory low on free space", "dir", dir, "free_bytes", usage.Free, "watermark_bytes", lowWatermark)
		return
	}
	logger.Debug("log source directory disk usage", "dir", dir, "free_bytes", usage.Free, "total_bytes", usage.Total)
}
