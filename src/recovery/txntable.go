package recovery

import (
	"sync"

	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/logfmt"
)

// State re-exports logfmt.State under the name the recovery package's
// own code was written against.
type State = logfmt.State

const (
	StateActive       = logfmt.StateActive
	StateFreeingSpace = logfmt.StateFreeingSpace
	StateAborting     = logfmt.StateAborting
	StateEnded        = logfmt.StateEnded
)

// Transaction is the descriptor Analysis reconstructs per in-flight
// transaction: enough to drive Undo and to release locks on abort. It
// is referenced by pointer from both the TransactionTable and the
// UndoHeap, so identity is always the pointer, never a copy.
type Transaction struct {
	TID   common.TxnID
	State State

	LastLSN     common.LSN
	FirstLSN    common.LSN
	UndoNextLSN common.LSN

	IsSystem          bool
	IsSingleLogSystem bool
	IsDoomed          bool
}

// TransactionTable reconstructs the set of in-flight transactions
// during Analysis and is walked by concurrent Undo. New transactions
// are inserted at the head, so a forward walk only ever advances
// through entries that existed when it started.
type TransactionTable struct {
	mu      sync.Mutex
	entries map[common.TxnID]*Transaction
	order   []*Transaction // insertion order, newest first

	youngest common.TxnID
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		entries: make(map[common.TxnID]*Transaction),
	}
}

// LookUp returns the transaction entry for tid, or nil if none exists.
func (t *TransactionTable) LookUp(tid common.TxnID) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entries[tid]
}

// NewXct inserts a freshly reconstructed transaction. Analysis calls
// this for the first log record it sees for a previously-unknown tid;
// checkpoint entries go through InsertFromCheckpoint instead.
func (t *TransactionTable) NewXct(tid common.TxnID, state State, lastLSN, undoNext common.LSN, isSystem, isSingleLogSystem bool) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	xct := &Transaction{
		TID:               tid,
		State:             state,
		LastLSN:           lastLSN,
		FirstLSN:          common.LSN(^uint64(0)), // max sentinel until the first update-style record lowers it
		UndoNextLSN:       undoNext,
		IsSystem:          isSystem,
		IsSingleLogSystem: isSingleLogSystem,
	}

	t.entries[tid] = xct
	t.order = append([]*Transaction{xct}, t.order...)

	return xct
}

// InsertFromCheckpoint inserts a transaction exactly as a
// chkpt-transaction-table entry describes it - unlike NewXct, firstLSN
// is taken verbatim rather than defaulted to the max sentinel, since a
// checkpointed transaction already has a real first_lsn.
func (t *TransactionTable) InsertFromCheckpoint(tid common.TxnID, lastLSN, firstLSN, undoNext common.LSN) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	xct := &Transaction{
		TID:         tid,
		State:       StateActive,
		LastLSN:     lastLSN,
		FirstLSN:    firstLSN,
		UndoNextLSN: undoNext,
	}

	t.entries[tid] = xct
	t.order = append([]*Transaction{xct}, t.order...)

	return xct
}

// UpdateYoungestTID tracks the highest tid observed, so the tid
// allocator can resume above every recovered transaction.
func (t *TransactionTable) UpdateYoungestTID(tid common.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tid > t.youngest {
		t.youngest = tid
	}
}

func (t *TransactionTable) YoungestTID() common.TxnID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.youngest
}

// DestroyXct removes tid once it has reached State Ended and been
// fully processed.
func (t *TransactionTable) DestroyXct(tid common.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, tid)

	for i, xct := range t.order {
		if xct.TID == tid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Each calls fn for every live transaction, in insertion order (newest
// first). Concurrent Undo relies on this ordering remaining stable
// under concurrent NewXct insertions at the head.
func (t *TransactionTable) Each(fn func(*Transaction)) {
	t.mu.Lock()
	snapshot := make([]*Transaction, len(t.order))
	copy(snapshot, t.order)
	t.mu.Unlock()

	for _, xct := range snapshot {
		fn(xct)
	}
}

func (t *TransactionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

func (xct *Transaction) ChangeState(s State) {
	xct.State = s
}

func (xct *Transaction) SetFirstLSN(lsn common.LSN) {
	xct.FirstLSN = lsn
}

func (xct *Transaction) SetLastLSN(lsn common.LSN) {
	xct.LastLSN = lsn
}

func (xct *Transaction) SetUndoNext(lsn common.LSN) {
	xct.UndoNextLSN = lsn
}
