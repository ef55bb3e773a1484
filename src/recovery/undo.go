package recovery

import (
	"fmt"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// ApplyUndo invokes a record's own undo function and returns the CLR
// payload to append (undo_next pre-filled by the caller). Each record
// kind's undo logic belongs to the page/record format layer; Undo only
// sequences the call and writes the resulting compensation record.
type ApplyUndo func(rec *Record) (compensationPayload []byte, err error)

// AbortTransaction runs a transaction's standard abort path: release
// locks and emit the end record; the Undo pass destroys the table
// entry itself once it returns. Full scope is
// outside recovery (txns.Locker / the transaction manager own it);
// recovery only triggers it for doomed transactions.
type AbortTransaction func(xct *Transaction) error

// UndoHeapDriven runs the reverse-chronological, heap-driven Undo
// strategy used in serial mode: always roll back the transaction whose
// undo_next_lsn is globally greatest, so records across all losers are
// undone in strict reverse LSN order.
func UndoHeapDriven(
	src LogSource,
	txnTable *TransactionTable,
	undoHeap *UndoHeap,
	apply ApplyUndo,
	writeCLR func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error),
	abort AbortTransaction,
	forceLog func() error,
) error {
	for undoHeap.Len() >= 2 && undoHeap.Top().UndoNextLSN != common.NIL_LSN {
		top := undoHeap.Top()

		if top.IsSystem {
			undoHeap.Pop()
			continue
		}

		floor := undoHeap.Second().UndoNextLSN

		if err := rollBackTo(src, top, floor, apply, writeCLR); err != nil {
			return err
		}

		undoHeap.Fix(0)
	}

	for _, xct := range undoHeap.Drain() {
		if xct.IsSystem {
			continue
		}

		if err := abort(xct); err != nil {
			return fmt.Errorf("undo: full abort of xct %v: %w", xct.TID, err)
		}

		txnTable.DestroyXct(xct.TID)
	}

	if err := forceLog(); err != nil {
		return fmt.Errorf("undo: force log: %w", err)
	}

	return nil
}

// rollBackTo follows T's undo_next_lsn chain backward, invoking each
// record's undo function and writing a CLR, until it reaches floor or
// NIL_LSN. It never touches entries below floor:
// that ordering is what prevents an earlier record from being undone
// before a later one still owned by another transaction.
func rollBackTo(
	src LogSource,
	xct *Transaction,
	floor common.LSN,
	apply ApplyUndo,
	writeCLR func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error),
) error {
	for xct.UndoNextLSN != common.NIL_LSN && xct.UndoNextLSN > floor {
		lsn := xct.UndoNextLSN

		raw, err := src.Fetch(lsn)
		if err != nil {
			return fmt.Errorf("%w: undo fetch %v: %v", ErrFatal, lsn, err)
		}

		rec := new(Record)
		if err := rec.UnmarshalBinary(raw.Data); err != nil {
			return fmt.Errorf("%w: undo unmarshal %v: %v", ErrFatal, lsn, err)
		}

		if rec.Flags.IsCompensation {
			return fatalf("undo: record at %v is a compensation record; compensations are never undone", lsn)
		}

		if !rec.Flags.IsUndo {
			return fatalf("undo: record at %v is not undoable but sits on xct %v's undo chain", lsn, xct.TID)
		}

		payload, err := apply(rec)
		if err != nil {
			return fmt.Errorf("undo: apply record at %v: %w", lsn, err)
		}

		nextUndo := rec.PrevLSNInXct

		if _, err := writeCLR(xct.TID, xct.LastLSN, nextUndo, payload); err != nil {
			return fmt.Errorf("undo: write CLR for %v: %w", lsn, err)
		}

		xct.SetUndoNext(nextUndo)
	}

	return nil
}

// UndoTransactionDriven runs the concurrent-mode strategy: no heap,
// a single forward walk of the transaction table, each doomed loser
// aborted through the standard rollback path.
func UndoTransactionDriven(
	txnTable *TransactionTable,
	abort AbortTransaction,
	forceLog func() error,
	clearCommitLSN func(),
) error {
	var walkErr error

	txnTable.Each(func(xct *Transaction) {
		if walkErr != nil || !xct.IsDoomed || xct.State != StateActive {
			return
		}

		if xct.UndoNextLSN == common.NIL_LSN {
			txnTable.DestroyXct(xct.TID)
			return
		}

		if err := abort(xct); err != nil {
			walkErr = fmt.Errorf("undo (transaction-driven): abort xct %v: %w", xct.TID, err)
			return
		}

		txnTable.DestroyXct(xct.TID)
	})

	if walkErr != nil {
		return walkErr
	}

	if err := forceLog(); err != nil {
		return fmt.Errorf("undo (transaction-driven): force log: %w", err)
	}

	clearCommitLSN()

	return nil
}
