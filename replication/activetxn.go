package replication

import "sort"

// TxnEntry is one (transaction_id, originating_sequence) pair as persisted
// in the control file and held in the in-memory active set.
type TxnEntry struct {
	TransactionID uint64
	Sequence      uint64
}

// ActiveTransactionSet is the in-memory set of transactions begun but not
// yet ended, keyed by transaction id with payload "the segment sequence in
// which the transaction first appeared" (§4.2).
//
// Kept as a plain map with a linear scan for oldest_sequence: the set is
// always small (bounded by concurrently open transactions on one source),
// so no ordered structure is maintained.
type ActiveTransactionSet struct {
	byID map[uint64]uint64
}

// NewActiveTransactionSet returns an empty set.
func NewActiveTransactionSet() *ActiveTransactionSet {
	return &ActiveTransactionSet{byID: make(map[uint64]uint64)}
}

// Contains reports whether id is currently open.
func (s *ActiveTransactionSet) Contains(id uint64) bool {
	_, ok := s.byID[id]
	return ok
}

// Add records that id began in segment seq, if it is not already tracked.
func (s *ActiveTransactionSet) Add(id, seq uint64) {
	if _, ok := s.byID[id]; ok {
		return
	}
	s.byID[id] = seq
}

// Remove drops id from the set. It is a no-op if id is not present.
func (s *ActiveTransactionSet) Remove(id uint64) {
	delete(s.byID, id)
}

// Clear empties the set (engine-wide barrier, §4.5).
func (s *ActiveTransactionSet) Clear() {
	s.byID = make(map[uint64]uint64)
}

// Len returns the number of open transactions.
func (s *ActiveTransactionSet) Len() int {
	return len(s.byID)
}

// OldestSequence returns the minimum originating sequence among all open
// transactions, or 0 if the set is empty (§4.2).
func (s *ActiveTransactionSet) OldestSequence() uint64 {
	if len(s.byID) == 0 {
		return 0
	}
	var oldest uint64
	first := true
	for _, seq := range s.byID {
		if first || seq < oldest {
			oldest = seq
			first = false
		}
	}
	return oldest
}

// Snapshot returns a deterministically ordered copy of the set's entries,
// suitable for serialization by the control file (invariant 4: the
// persisted set equals the in-memory set at the moment of the write).
func (s *ActiveTransactionSet) Snapshot() []TxnEntry {
	out := make([]TxnEntry, 0, len(s.byID))
	for id, seq := range s.byID {
		out = append(out, TxnEntry{TransactionID: id, Sequence: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}

// Restore replaces the set's contents with entries, used when the control
// file populates the active set on open (§4.1 open).
func (s *ActiveTransactionSet) Restore(entries []TxnEntry) {
	s.byID = make(map[uint64]uint64, len(entries))
	for _, e := range entries {
		s.byID[e.TransactionID] = e.Sequence
	}
}
