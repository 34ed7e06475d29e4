package replication

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusreplica/replapplier/config"
	"github.com/nexusreplica/replapplier/core"
	"github.com/nexusreplica/replapplier/metrics"
)

type fakeDriverClient struct {
	dbSequence uint64
	applied    [][]byte
	connects   int

	// failOnCall, if nonzero, makes the failOnCall'th Apply invocation
	// (1-indexed, across the client's lifetime) return errApply instead of
	// recording the payload, to simulate a mid-segment replica failure.
	failOnCall int
	applyCalls int
}

func (f *fakeDriverClient) Connect(ctx context.Context, dbName, user string) (ReplicaSession, error) {
	f.connects++
	return "session", nil
}
func (f *fakeDriverClient) ReadReplicationSequence(ctx context.Context, session ReplicaSession) (uint64, error) {
	return f.dbSequence, nil
}
func (f *fakeDriverClient) Apply(ctx context.Context, session ReplicaSession, payload []byte) error {
	f.applyCalls++
	if f.failOnCall != 0 && f.applyCalls == f.failOnCall {
		return errApply
	}
	f.applied = append(f.applied, payload)
	return nil
}

var errApply = fmt.Errorf("replica: simulated apply failure")

func (f *fakeDriverClient) Close(ctx context.Context, session ReplicaSession) error { return nil }

func newTestTarget(t *testing.T, dir string, guid GUID) *Target {
	t.Helper()
	cfg := config.TargetConfig{Name: "t1", DBName: "db1", LogSourceDirectory: dir}
	if !guid.IsZero() {
		cfg.SourceGUID = guid.String()
	}
	tgt, err := NewTarget(cfg, newSilentLogger())
	require.NoError(t, err)
	return tgt
}

func TestDriver_CleanSteadyStateReplaysAndConsumes(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")
	writeSegmentFixture(t, dir, "0000000001.arc", guid, SegmentFull, 1, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: FlagBeginTrans}, Payload: []byte("a")},
		{Header: BlockHeader{TransactionID: 1, Flags: FlagEndTrans}, Payload: []byte("b")},
	})

	client := &fakeDriverClient{dbSequence: 0}
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassContinue, result)
	assert.Len(t, client.applied, 2)

	_, err = os.Stat(filepath.Join(dir, "0000000001.arc"))
	assert.True(t, os.IsNotExist(err), "expected fully-consumed segment to be removed")
}

func TestDriver_EmptyQueueSuspends(t *testing.T) {
	dir := t.TempDir()
	client := &fakeDriverClient{}
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, GUID{})

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassSuspend, result)
	assert.Equal(t, 0, client.connects, "expected no replica connection when there is nothing to replay")
}

func TestDriver_FastForwardSkipsAlreadyAppliedSegment(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")
	writeSegmentFixture(t, dir, "0000000001.arc", guid, SegmentFull, 1, []Block{
		{Header: BlockHeader{TransactionID: 0, Flags: FlagBeginTrans | FlagEndTrans}, Payload: []byte("x")},
	})

	client := &fakeDriverClient{dbSequence: 5} // replica already past sequence 1
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassSuspend, result, "expected nothing to have been replayed")
	assert.Empty(t, client.applied, "expected fast-forwarded segment to never reach Apply")

	_, err = os.Stat(filepath.Join(dir, "0000000001.arc"))
	assert.True(t, os.IsNotExist(err), "expected fast-forwarded segment removed from the queue directory")
}

func TestDriver_GapDetectionReturnsMissingSegmentError(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")

	// Record that sequence 1 already completed cleanly, then present the
	// queue with sequence 3 directly: sequence 2 is missing from the queue.
	active := NewActiveTransactionSet()
	cf, err := OpenControlFile(dir, guid, 0, active, time.Second)
	require.NoError(t, err)
	require.NoError(t, cf.SaveComplete(1, active))
	require.NoError(t, cf.Close())

	writeSegmentFixture(t, dir, "0000000003.arc", guid, SegmentFull, 3, []Block{
		{Header: BlockHeader{TransactionID: 0, Flags: FlagBeginTrans | FlagEndTrans}, Payload: []byte("x")},
	})

	client := &fakeDriverClient{dbSequence: 0}
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingSegment)
	assert.Equal(t, PassError, result)
}

func TestDriver_RewindSuppressesAlreadyCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")
	writeSegmentFixture(t, dir, "0000000001.arc", guid, SegmentFull, 1, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: FlagBeginTrans}, Payload: []byte("a1")},
		{Header: BlockHeader{TransactionID: 1, Flags: FlagEndTrans}, Payload: []byte("a2")},
		{Header: BlockHeader{TransactionID: 2, Flags: FlagBeginTrans}, Payload: []byte("b1")},
		{Header: BlockHeader{TransactionID: 2, Flags: FlagEndTrans}, Payload: []byte("b2")},
	})

	// Pre-seed a control file recording that transaction 1 fully committed
	// (its offset acknowledged, no longer active) before a crash that
	// interrupted transaction 2 — simulating a restart between the two.
	firstTxnLen := 2 * (BlockHeaderSize + len("a1"))
	active := NewActiveTransactionSet()
	cf, err := OpenControlFile(dir, guid, 0, active, time.Second)
	require.NoError(t, err)
	require.NoError(t, cf.SavePartial(1, uint32(firstTxnLen), active))
	require.NoError(t, cf.Close())

	client := &fakeDriverClient{dbSequence: 0}
	driver := NewDriver(client, time.Second)
	// tgt.connected stays false: this models a fresh worker process after a
	// crash, which must derive its starting point from the control file
	// alone rather than in-memory state from a previous pass.
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassContinue, result)
	// Transaction 1's blocks were already durably committed before the crash
	// and must be suppressed; transaction 2 was still open and must replay.
	require.Len(t, client.applied, 2)
	assert.Equal(t, []string{"b1", "b2"}, appliedStrings(client.applied))
}

func TestDriver_LongLivedTransactionRetainsThenGarbageCollectsSpannedSegments(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")

	writeSegmentFixture(t, dir, "0000000005.arc", guid, SegmentFull, 5, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: FlagBeginTrans}, Payload: []byte("s5")},
	})
	writeSegmentFixture(t, dir, "0000000006.arc", guid, SegmentFull, 6, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: 0}, Payload: []byte("s6")},
	})
	writeSegmentFixture(t, dir, "0000000007.arc", guid, SegmentFull, 7, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: 0}, Payload: []byte("s7")},
	})
	writeSegmentFixture(t, dir, "0000000008.arc", guid, SegmentFull, 8, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: 0}, Payload: []byte("s8")},
	})
	writeSegmentFixture(t, dir, "0000000009.arc", guid, SegmentFull, 9, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: FlagEndTrans}, Payload: []byte("s9")},
	})

	client := &fakeDriverClient{dbSequence: 0}
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassContinue, result)
	assert.Len(t, client.applied, 5)

	for _, seq := range []int{5, 6, 7, 8, 9} {
		name := filepath.Join(dir, fmt.Sprintf("%010d.arc", seq))
		_, err := os.Stat(name)
		assert.True(t, os.IsNotExist(err), "expected segment %d removed once the spanning transaction committed", seq)
	}
}

// TestDriver_RetryAfterMidSegmentFailureResumesUndeliveredTail guards against
// a regression where a Target's "connected" flag, once set true by an
// earlier successful pass, was never reset on a later failed pass. With the
// flag left true, a retry pass's first-segment handshake takes the
// steady-state branch (next_sequence = lastSequence+1) instead of
// re-deriving from the control file, and the skip-ahead check silently
// drops the segment still holding the unacknowledged tail of an open
// transaction. The worker supervisor resets tgt.connected on every
// non-CONTINUE pass; this test simulates that reset directly against the
// Driver/Target pair to verify the retry actually resumes delivery.
func TestDriver_RetryAfterMidSegmentFailureResumesUndeliveredTail(t *testing.T) {
	dir := t.TempDir()
	guid, _ := ParseGUID("0123456789abcdef0123456789abcdef")

	writeSegmentFixture(t, dir, "0000000005.arc", guid, SegmentFull, 5, []Block{
		{Header: BlockHeader{TransactionID: 77, Flags: FlagBeginTrans}, Payload: []byte("s5a")},
		{Header: BlockHeader{TransactionID: 77, Flags: FlagEndTrans}, Payload: []byte("s5b")},
	})
	writeSegmentFixture(t, dir, "0000000006.arc", guid, SegmentFull, 6, []Block{
		{Header: BlockHeader{TransactionID: 1, Flags: FlagBeginTrans}, Payload: []byte("s6a")},
		{Header: BlockHeader{TransactionID: 1, Flags: 0}, Payload: []byte("s6b")},
		{Header: BlockHeader{TransactionID: 1, Flags: FlagEndTrans}, Payload: []byte("s6c")},
	})

	// Apply calls 1-2 are segment 5's transaction (succeeds in full, sets
	// tgt.connected=true and consumes segment 5). Call 3 is segment 6's
	// first block ("s6a", succeeds). Call 4 ("s6b") fails, interrupting
	// segment 6 mid-transaction.
	client := &fakeDriverClient{dbSequence: 0, failOnCall: 4}
	driver := NewDriver(client, time.Second)
	tgt := newTestTarget(t, dir, guid)

	result, err := driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.Error(t, err)
	assert.Equal(t, PassError, result)
	assert.True(t, tgt.connected, "segment 5 replayed successfully before the failure, so connected is still true here")
	require.Equal(t, []string{"s5a", "s5b", "s6a"}, appliedStrings(client.applied))

	// The supervisor's runWorker resets this on every non-CONTINUE pass;
	// simulate that reset directly since this test drives the Driver
	// without going through the supervisor.
	tgt.connected = false

	result, err = driver.RunPass(context.Background(), tgt, metrics.NewTargetMetrics())
	require.NoError(t, err)
	assert.Equal(t, PassContinue, result)

	// "s6a" is re-delivered under rewind (its offset precedes the control
	// file's saved cursor) but "s6b" and "s6c" must reach the replica too:
	// without the connected reset, segment 6 would have been skipped
	// entirely by the skip-ahead check and its tail lost.
	assert.Equal(t, []string{"s5a", "s5b", "s6a", "s6a", "s6b", "s6c"}, appliedStrings(client.applied))
}

// appliedStrings strips each recorded Apply call's leading block header
// (the driver now sends header+payload per the wire framing) and returns
// the bare payload strings the fixtures were built from.
func appliedStrings(applied [][]byte) []string {
	out := make([]string, len(applied))
	for i, b := range applied {
		out[i] = string(b[BlockHeaderSize:])
	}
	return out
}
