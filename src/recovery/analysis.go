package recovery

import (
	"fmt"

	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/optional"
	"github.com/ariesdb/enginecore/src/storage/devtable"
)

// LockReleaser is the lock-manager surface Analysis needs: releasing
// every lock a transaction found in FreeingSpace/Aborting state held
// at crash time. *txns.Locker satisfies this.
type LockReleaser interface {
	ReleaseAll(tid common.TxnID)
}

// AnalysisResult is everything Analysis reconstructs: the redo/undo
// starting points the rest of recovery needs, and optionally a
// populated Undo Heap (serial mode only; concurrent mode builds its
// heap-free transaction-driven undo straight off the TransactionTable).
type AnalysisResult struct {
	RedoLSN      optional.Optional[common.LSN]
	UndoLSN      optional.Optional[common.LSN]
	LastLSN      common.LSN
	CommitLSN    optional.Optional[common.LSN]
	InDoubtCount int
	Heap         *UndoHeap

	// ChkptEndsHandled counts chkpt_end records observed during the
	// scan, including stray ones from a later checkpoint whose end
	// record hardened before its master pointer did. Always >= 1 on a
	// successful Analysis that started from a checkpoint; 0 on a fresh
	// system (NIL master LSN).
	ChkptEndsHandled int
}

// analysisState is the mutable scratch space threaded through the
// forward scan; kept off AnalysisResult so partially-built state never
// leaks to a caller before the pass either completes or goes fatal.
type analysisState struct {
	redoLSN          optional.Optional[common.LSN]
	undoLSN          optional.Optional[common.LSN]
	lastLSN          common.LSN
	chkptEndsHandled int

	bufferTableHandled      bool
	transactionTableHandled bool
	deviceTableHandled      bool
	chkptEndHandled         bool

	lastMountLSNBeforeChkpt common.LSN
}

// RunAnalysis reconstructs the buffer pool's in-doubt set and the
// transaction table by scanning forward from masterLSN. A NIL
// masterLSN means a fresh system: Analysis returns immediately with
// every output NULL/zero.
func RunAnalysis(
	src LogSource,
	bp bufferpool.BufferPool,
	txnTable *TransactionTable,
	devTable *devtable.Table,
	locker LockReleaser,
	masterLSN common.LSN,
	buildHeap bool,
) (*AnalysisResult, error) {
	if masterLSN == common.NIL_LSN {
		result := &AnalysisResult{}
		if buildHeap {
			result.Heap = NewUndoHeap()
		}

		return result, nil
	}

	cur, err := Open(src, masterLSN, true)
	if err != nil {
		return nil, fmt.Errorf("%w: open analysis cursor: %v", ErrFatal, err)
	}
	defer cur.Close()

	st := &analysisState{}

	lsnOpt, rec, err := cur.Next()
	if err != nil {
		return nil, err
	}

	if lsnOpt.IsNone() || rec.Kind != KindBeginChkpt {
		return nil, fatalf("analysis: first record at master_lsn %v is not begin_chkpt", masterLSN)
	}

	var beginPayload BeginChkptPayload
	if err := beginPayload.UnmarshalBinary(rec.Payload); err != nil {
		return nil, fatalf("analysis: malformed begin_chkpt payload: %v", err)
	}

	st.lastMountLSNBeforeChkpt = beginPayload.LastMountLSNBeforeChkpt
	st.lastLSN = masterLSN

	for {
		lsnOpt, rec, err := cur.Next()
		if err != nil {
			return nil, err
		}

		if lsnOpt.IsNone() {
			break
		}

		lsn := lsnOpt.Unwrap()
		st.lastLSN = lsn

		if err := processRecord(st, rec, lsn, masterLSN, bp, txnTable, devTable, locker); err != nil {
			return nil, err
		}

		if rec.HasTID {
			if xct := txnTable.LookUp(rec.TID); xct != nil && xct.FirstLSN > lsn {
				xct.SetFirstLSN(lsn)
			}
		}
	}

	if st.redoLSN.IsNone() || st.undoLSN.IsNone() {
		return nil, fatalf("analysis: redo_lsn/undo_lsn never established by end of scan")
	}

	redoLSN := min(st.redoLSN.Unwrap(), masterLSN)
	undoLSN := min(st.undoLSN.Unwrap(), masterLSN)

	if err := replayMountWindow(src, devTable, st.lastMountLSNBeforeChkpt, redoLSN); err != nil {
		return nil, err
	}

	heap := NewUndoHeap()
	commitLSN := optional.None[common.LSN]()

	for _, xct := range collectActive(txnTable) {
		if xct.State == StateEnded {
			txnTable.DestroyXct(xct.TID)
			continue
		}

		xct.IsDoomed = true

		if commitLSN.IsNone() || xct.FirstLSN < commitLSN.Unwrap() {
			commitLSN = optional.Some(xct.FirstLSN)
		}

		xct.SetFirstLSN(common.NIL_LSN)

		if buildHeap {
			heap.PushRaw(xct)
		}
	}

	if buildHeap {
		heap.Heapify()
	}

	return &AnalysisResult{
		RedoLSN:          optional.Some(redoLSN),
		UndoLSN:          optional.Some(undoLSN),
		LastLSN:          st.lastLSN,
		CommitLSN:        commitLSN,
		InDoubtCount:     bp.InDoubtCount(),
		Heap:             heap,
		ChkptEndsHandled: st.chkptEndsHandled,
	}, nil
}

func collectActive(txnTable *TransactionTable) []*Transaction {
	var out []*Transaction

	txnTable.Each(func(xct *Transaction) {
		out = append(out, xct)
	})

	return out
}

func processRecord(
	st *analysisState,
	rec *Record,
	lsn common.LSN,
	masterLSN common.LSN,
	bp bufferpool.BufferPool,
	txnTable *TransactionTable,
	devTable *devtable.Table,
	locker LockReleaser,
) error {
	switch rec.Kind {
	case KindBeginChkpt:
		// a later, incomplete or complete checkpoint's begin record;
		// only the master checkpoint's own records are consumed.
		return nil

	case KindChkptBufferTable:
		if st.bufferTableHandled {
			return nil
		}

		st.bufferTableHandled = true

		var payload ChkptBufferTablePayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed chkpt_buffer_table at %v: %v", lsn, err)
		}

		for _, e := range payload.Entries {
			bp.RegisterAndMarkInDoubt(e.PageID, e.RecLSN)
		}

		return nil

	case KindChkptTransactionTable:
		if st.transactionTableHandled {
			return nil
		}

		st.transactionTableHandled = true

		var payload ChkptTransactionTablePayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed chkpt_transaction_table at %v: %v", lsn, err)
		}

		for _, e := range payload.Entries {
			if e.State == StateEnded {
				continue
			}

			txnTable.InsertFromCheckpoint(e.TID, e.LastLSN, e.FirstLSN, e.UndoNext)
		}

		txnTable.UpdateYoungestTID(payload.YoungestTID)

		return nil

	case KindChkptDeviceTable:
		if st.deviceTableHandled {
			return nil
		}

		st.deviceTableHandled = true

		var payload ChkptDeviceTablePayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed chkpt_device_table at %v: %v", lsn, err)
		}

		for _, e := range payload.Entries {
			// mount failures are not fatal - the volume may
			// have been legitimately dropped since the checkpoint.
			_ = devTable.Mount(e.DevName, e.VolumeID)
		}

		return nil

	case KindChkptEnd:
		if st.chkptEndHandled {
			st.chkptEndsHandled++
			return nil
		}

		var payload ChkptEndPayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed chkpt_end at %v: %v", lsn, err)
		}

		if payload.BeginChkpt != masterLSN {
			// stray checkpoint whose end record hardened before its
			// master pointer was updated; keep
			// scanning, never treat it as ours.
			st.chkptEndsHandled++
			return nil
		}

		st.chkptEndHandled = true
		st.chkptEndsHandled++
		st.redoLSN = optional.Some(payload.MinRecLSN)
		st.undoLSN = optional.Some(payload.MinXctLSN)

		return nil

	case KindMount, KindDismount:
		var payload MountPayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed mount/dismount at %v: %v", lsn, err)
		}

		if st.redoLSN.IsSome() && lsn < st.redoLSN.Unwrap() {
			if rec.Kind == KindMount {
				_ = devTable.Mount(payload.DevName, payload.VolumeID)
			} else {
				devTable.Dismount(payload.DevName)
			}
		}

		return nil

	case KindSingleLogSysXct:
		// synthesizes a fresh, immediately-Ended system transaction
		// on the spot; since it's Ended on arrival it's never actually
		// inserted into the table, only its page side effects matter.
		switch {
		case rec.Flags.IsPageAlloc || rec.Flags.IsPageDealloc:
			clearInDoubtForAllocDealloc(bp, rec)
			return nil
		case rec.Flags.IsSkip:
			return nil
		default:
			if !rec.HasPageID {
				return fatalf("analysis: single_log_sys_xct at %v has no page id", lsn)
			}

			bp.RegisterAndMarkInDoubt(rec.PageID, lsn)

			if rec.Flags.IsMultiPage && rec.HasPageID2 {
				bp.RegisterAndMarkInDoubt(rec.PageID2, lsn)
			}

			return nil
		}

	case KindXctEnd, KindXctAbort, KindXctEndGroup:
		if !rec.HasTID {
			return nil
		}

		xct := txnTable.LookUp(rec.TID)
		if xct == nil {
			return nil // the transaction already ended and was swept
		}

		if xct.State == StateFreeingSpace || xct.State == StateAborting {
			locker.ReleaseAll(xct.TID)
		}

		xct.ChangeState(StateEnded)

		return nil

	case KindXctFreeingSpace:
		if !rec.HasTID {
			return nil
		}

		if xct := txnTable.LookUp(rec.TID); xct != nil {
			xct.ChangeState(StateEnded)
		}

		return nil

	case KindCompensation:
		if rec.Flags.IsUndo {
			return fatalf("analysis: compensation record at %v is marked undoable", lsn)
		}

		ensureXctExists(txnTable, rec, lsn)

		if xct := lookupOrNil(txnTable, rec); xct != nil {
			xct.SetUndoNext(common.NIL_LSN)
			xct.SetLastLSN(lsn)
		}

		if rec.Flags.IsRedo && rec.HasPageID {
			bp.RegisterAndMarkInDoubt(rec.PageID, lsn)
		}

		return nil

	case KindStoreOp:
		return nil

	case KindUpdate:
		xct := ensureXctExists(txnTable, rec, lsn)
		if xct == nil {
			return nil
		}

		xct.SetLastLSN(lsn)

		if rec.Flags.IsUndo {
			xct.SetUndoNext(lsn)
		}

		switch {
		case rec.Flags.IsPageAlloc || rec.Flags.IsPageDealloc:
			clearInDoubtForAllocDealloc(bp, rec)
		case rec.Flags.IsRedo:
			if !rec.HasPageID {
				return fatalf("analysis: update record at %v has no page id", lsn)
			}

			bp.RegisterAndMarkInDoubt(rec.PageID, lsn)

			if rec.Flags.IsMultiPage && rec.HasPageID2 {
				bp.RegisterAndMarkInDoubt(rec.PageID2, lsn)
			}
		}

		return nil

	case KindComment, KindSkip, KindMaxLogRec:
		return nil

	default:
		return fatalf("analysis: unrecognized record kind %v at %v", rec.Kind, lsn)
	}
}

func ensureXctExists(txnTable *TransactionTable, rec *Record, lsn common.LSN) *Transaction {
	if !rec.HasTID {
		return nil
	}

	if xct := txnTable.LookUp(rec.TID); xct != nil {
		return xct
	}

	return txnTable.NewXct(rec.TID, StateActive, lsn, common.NIL_LSN, false, false)
}

func lookupOrNil(txnTable *TransactionTable, rec *Record) *Transaction {
	if !rec.HasTID {
		return nil
	}

	return txnTable.LookUp(rec.TID)
}

func clearInDoubtForAllocDealloc(bp bufferpool.BufferPool, rec *Record) {
	if !rec.HasPageID {
		return
	}

	if _, ok := bp.LookupInDoubt(rec.PageID); ok {
		bp.ClearInDoubt(rec.PageID, rec.Flags.IsPageAlloc)
	}
}

// replayMountWindow closes the window between redoLSN and the
// checkpoint's begin LSN: starting from
// lastMountLSNBeforeChkpt, chase prev_lsn_in_xct backward, applying
// each mount/dismount record's inverse action, stopping once the
// chased LSN falls to or below redoLSN.
func replayMountWindow(src LogSource, devTable *devtable.Table, lastMountLSN, redoLSN common.LSN) error {
	lsn := lastMountLSN

	for lsn != common.NIL_LSN && lsn > redoLSN {
		raw, err := src.Fetch(lsn)
		if err != nil {
			return fatalf("analysis: mount-window fetch at %v: %v", lsn, err)
		}

		rec := new(Record)
		if err := rec.UnmarshalBinary(raw.Data); err != nil {
			return fatalf("analysis: malformed mount-window record at %v: %v", lsn, err)
		}

		var payload MountPayload
		if err := payload.UnmarshalBinary(rec.Payload); err != nil {
			return fatalf("analysis: malformed mount-window payload at %v: %v", lsn, err)
		}

		// inverse: dismount undoes a mount, mount undoes a dismount.
		if rec.Kind == KindMount {
			devTable.Dismount(payload.DevName)
		} else if rec.Kind == KindDismount {
			_ = devTable.Mount(payload.DevName, payload.VolumeID)
		}

		lsn = rec.PrevLSNInXct
	}

	return nil
}
