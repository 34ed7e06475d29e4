package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexusreplica/replapplier/core"
	"github.com/nexusreplica/replapplier/metrics"
)

var tracer = otel.Tracer("github.com/nexusreplica/replapplier/replication")

// PassResult is re-exported from metrics so driver callers don't need to
// import both packages for one enum.
type PassResult = metrics.PassResult

const (
	PassContinue = metrics.PassContinue
	PassSuspend  = metrics.PassSuspend
	PassError    = metrics.PassError
)

// Driver runs one replay pass for a single target (§4.4). It is not safe
// for concurrent use by more than one goroutine against the same target —
// the worker supervisor guarantees exclusive per-target ownership.
type Driver struct {
	Client      ReplicaClient
	LockTimeout time.Duration
}

// NewDriver constructs a Driver bound to client.
func NewDriver(client ReplicaClient, lockTimeout time.Duration) *Driver {
	return &Driver{Client: client, LockTimeout: lockTimeout}
}

// RunPass performs one scan+replay cycle for tgt and returns how the pass
// ended (§4.4's closing paragraph: CONTINUE, SUSPEND, or ERROR).
func (d *Driver) RunPass(ctx context.Context, tgt *Target, mtr *metrics.TargetMetrics) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "replapplier.pass", trace.WithAttributes(
		attribute.String("target", tgt.Config.Name),
	))
	defer span.End()

	queue, err := Scan(tgt.Config.LogSourceDirectory, tgt.GUID, tgt.Config.PreserveLog, tgt.Config.LowDiskWatermarkBytes, slog.Default().With("target", tgt.Config.Name))
	if err != nil {
		return PassError, fmt.Errorf("replapplier: scan %s: %w", tgt.Config.LogSourceDirectory, err)
	}
	if len(queue) == 0 {
		return PassSuspend, nil
	}

	pass := &passState{
		driver:   d,
		tgt:      tgt,
		mtr:      mtr,
		queue:    queue,
		cfiles:   make(map[GUID]*ControlFile),
		actives:  make(map[GUID]*ActiveTransactionSet),
		consumed: roaring64.New(),
	}
	defer pass.closeAll()

	replayedAny, err := pass.run(ctx)
	if err != nil {
		span.RecordError(err)
		return PassError, err
	}
	if pass.consumed.GetCardinality() > 0 {
		slog.Default().With("target", tgt.Config.Name).Debug("segments consumed this pass", "count", pass.consumed.GetCardinality())
	}
	if replayedAny {
		return PassContinue, nil
	}
	return PassSuspend, nil
}

// passState is the mutable, single-pass working set threaded through the
// per-segment algorithm. It exists so RunPass can guarantee every opened
// control file is closed via one defer regardless of where the pass exits.
type passState struct {
	driver *Driver
	tgt    *Target
	mtr    *metrics.TargetMetrics
	queue   SegmentQueue
	cfiles  map[GUID]*ControlFile
	actives map[GUID]*ActiveTransactionSet

	session       ReplicaSession
	connectedNow  bool
	dbSeq         uint64
	nextSequence  uint64
	firstSegment  bool
	consumed      *roaring64.Bitmap // sequences removed (or preserved) this pass, counted in RunPass's debug log
}

func (p *passState) closeAll() {
	for _, cf := range p.cfiles {
		_ = cf.Close()
	}
	if p.session != nil {
		_ = p.driver.Client.Close(context.Background(), p.session)
	}
}

func (p *passState) controlFileFor(guid GUID, hintSequence uint64) (*ControlFile, *ActiveTransactionSet, error) {
	if cf, ok := p.cfiles[guid]; ok {
		return cf, p.actives[guid], nil
	}
	active := NewActiveTransactionSet()
	cf, err := OpenControlFile(p.tgt.Config.LogSourceDirectory, guid, hintSequence, active, p.driver.LockTimeout)
	if err != nil {
		return nil, nil, err
	}
	p.cfiles[guid] = cf
	p.actives[guid] = active
	return cf, active, nil
}

func (p *passState) run(ctx context.Context) (bool, error) {
	p.firstSegment = true
	replayedAny := false

	for i := 0; i < len(p.queue); i++ {
		qs := p.queue[i]

		cf, active, err := p.controlFileFor(qs.Header.GUID, qs.Header.Sequence)
		if err != nil {
			return replayedAny, fmt.Errorf("replapplier: open control file: %w", err)
		}

		if !p.connectedNow {
			session, err := p.driver.Client.Connect(ctx, p.tgt.Config.DBName, "")
			if err != nil {
				return replayedAny, fmt.Errorf("replapplier: connect to replica: %w", err)
			}
			p.session = session
			dbSeq, err := p.driver.Client.ReadReplicationSequence(ctx, session)
			if err != nil {
				return replayedAny, fmt.Errorf("replapplier: read replication sequence: %w", err)
			}
			p.dbSeq = dbSeq
			p.connectedNow = true
		}

		// Step 3: fast-forward.
		if qs.Header.Sequence <= p.dbSeq {
			p.removeSegment(qs)
			continue
		}

		lastSequence := cf.Sequence()
		lastOffset := cf.Offset()

		// Step 4: replica-reset detection.
		if p.dbSeq != cf.DBSequence() {
			if err := cf.SaveDBSequence(p.dbSeq, active); err != nil {
				return replayedAny, err
			}
			active.Clear()
			if err := cf.SaveComplete(p.dbSeq, active); err != nil {
				return replayedAny, err
			}
			lastSequence = p.dbSeq
			lastOffset = 0
		}

		// Step 5: retention threshold.
		oldest := active.OldestSequence()
		var threshold uint64
		switch {
		case active.Len() > 0:
			threshold = oldest
		case lastOffset > 0:
			threshold = lastSequence
		default:
			threshold = lastSequence + 1
		}
		if qs.Header.Sequence < threshold {
			p.removeSegment(qs)
			continue
		}

		// Step 6: first-segment handshake.
		if p.firstSegment {
			if !p.tgt.connected {
				p.nextSequence = threshold
			} else {
				p.nextSequence = lastSequence + 1
			}
			p.firstSegment = false
		}

		// Step 7: gap check.
		if qs.Header.Sequence > p.nextSequence {
			return replayedAny, fmt.Errorf("%w: required segment %d is missing", core.ErrMissingSegment, p.nextSequence)
		}

		// Step 8: skip-ahead.
		if qs.Header.Sequence < p.nextSequence {
			continue
		}

		// Step 9+10: replay and complete.
		preOldest := oldest
		if err := p.replaySegment(ctx, qs, cf, active, lastSequence, lastOffset); err != nil {
			return replayedAny, fmt.Errorf("replapplier: replay segment %d: %w", qs.Header.Sequence, err)
		}
		replayedAny = true
		p.tgt.connected = true

		// Step 11: GC across the queue.
		p.garbageCollect(i, preOldest, active, qs.Header.Sequence)

		// Step 12: consume.
		if active.Len() == 0 {
			p.removeSegment(qs)
		}
		p.nextSequence = qs.Header.Sequence + 1
	}

	return replayedAny, nil
}

// replaySegment implements §4.4 step 9: it re-opens S, verifies its header
// is unchanged since the scan, and streams its blocks through the
// dispatcher, persisting partial progress after every block and a final
// completion checkpoint once the stream is exhausted.
func (p *passState) replaySegment(ctx context.Context, qs QueuedSegment, cf *ControlFile, active *ActiveTransactionSet, lastSequence uint64, lastOffset uint32) error {
	ctx, span := tracer.Start(ctx, "replapplier.segment", trace.WithAttributes(
		attribute.Int64("sequence", int64(qs.Header.Sequence)),
	))
	defer span.End()

	f, err := os.Open(qs.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := DecodeSegmentHeader(f)
	if err != nil {
		return err
	}
	if !header.Equal(qs.Header) {
		return fmt.Errorf("%w: %s", core.ErrSegmentRewritten, qs.Path)
	}

	blockRegionEnd := header.Length - SegmentHeaderSize
	var totalOffset uint32

	for totalOffset < blockRegionEnd {
		blkHeader, err := DecodeBlockHeader(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		var payload []byte
		if n := blkHeader.PayloadLength(); n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(f, payload); err != nil {
				return err
			}
		}

		rewind := qs.Header.Sequence < lastSequence ||
			(qs.Header.Sequence == lastSequence && (lastOffset == 0 || totalOffset < lastOffset))

		// A zero-length block never reaches the replica and never touches
		// the active-transaction bookkeeping: a zero-length END_TRANS must
		// not release its transaction's retention hold, matching the
		// original's blockLength-gated replicate() call.
		if blkHeader.PayloadLength() > 0 {
			start := time.Now()
			if err := dispatchBlock(ctx, p.driver.Client, p.session, Block{Header: blkHeader, Payload: payload}, rewind, qs.Header.Sequence, active); err != nil {
				p.tgt.logger.Error("replica rejected block", "sequence", qs.Header.Sequence, "offset", totalOffset, "oldest_active", active.OldestSequence(), "err", err)
				return fmt.Errorf("%w: %v", core.ErrReplicaRejected, err)
			}
			if p.mtr != nil {
				p.mtr.RecordApplyLatency(time.Since(start))
			}
		}

		totalOffset += blkHeader.TotalLength()
		if err := cf.SavePartial(qs.Header.Sequence, totalOffset, active); err != nil {
			return err
		}
	}

	p.tgt.logger.ResetErrorDedup()
	return cf.SaveComplete(qs.Header.Sequence, active)
}

// garbageCollect implements §4.4 step 11: when the oldest active sequence
// advances (or the active set empties), every queued segment older than
// the new retention boundary is deleted, starting the walk at the previous
// oldest's queue position rather than rescanning from the top.
func (p *passState) garbageCollect(fromIdx int, preOldest uint64, active *ActiveTransactionSet, currentSeq uint64) {
	newOldest := active.OldestSequence()
	advanced := (active.Len() == 0 && preOldest != 0) || (active.Len() > 0 && newOldest > preOldest)
	if !advanced {
		return
	}

	boundary := currentSeq
	if active.Len() > 0 && newOldest < boundary {
		boundary = newOldest
	}

	start := p.queue.IndexOf(preOldest)
	if start < 0 {
		start = 0
	}
	for i := start; i <= fromIdx && i < len(p.queue); i++ {
		if p.queue[i].Header.Sequence < boundary {
			p.removeSegment(p.queue[i])
		}
	}
}

func (p *passState) removeSegment(qs QueuedSegment) {
	if p.consumed != nil {
		p.consumed.Add(qs.Header.Sequence)
	}
	removeOrPreserve(qs.Path, p.tgt.Config.PreserveLog, p.tgt.logger.base)
}
