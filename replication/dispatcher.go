package replication

import "context"

// dispatchBlock implements §4.5's Block Dispatcher. It decides whether to
// forward the block (header and payload, matching §6's wire framing) to the
// replica client and then mutates active per the BEGIN_TRANS/END_TRANS
// bookkeeping rules.
//
// rewind selects the block's rewind-mode status as computed by the driver
// (§4.4 step 9); currentSequence is the segment sequence the block belongs
// to, used as the payload when a fresh BEGIN_TRANS is recorded.
func dispatchBlock(ctx context.Context, client ReplicaClient, session ReplicaSession, blk Block, rewind bool, currentSequence uint64, active *ActiveTransactionSet) error {
	forward := !rewind || blk.Header.TransactionID == 0 || active.Contains(blk.Header.TransactionID)

	if forward && len(blk.Payload) > 0 {
		wire := append(EncodeBlockHeader(blk.Header), blk.Payload...)
		if err := client.Apply(ctx, session, wire); err != nil {
			return err
		}
	}

	// END_TRANS and BEGIN_TRANS are mutually exclusive for one block's
	// bookkeeping: a block carrying both flags ends its transaction and
	// must not immediately reopen it.
	if blk.Header.Flags.Has(FlagEndTrans) {
		if blk.Header.TransactionID == 0 {
			if !rewind {
				active.Clear()
			}
		} else {
			active.Remove(blk.Header.TransactionID)
		}
	} else if !rewind && blk.Header.Flags.Has(FlagBeginTrans) {
		active.Add(blk.Header.TransactionID, currentSequence)
	}

	return nil
}
