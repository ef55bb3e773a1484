package recovery

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/storage/devtable"
	"github.com/ariesdb/enginecore/src/txns"
)

func newAnalysisBufferPool(t *testing.T) bufferpool.BufferPool {
	t.Helper()

	bp, err := bufferpool.New(8, new(bufferpool.MockReplacer), new(bufferpool.MockDiskManager))
	require.NoError(t, err)

	return bp
}

func insertWithPayload(t *testing.T, s *logstore.Store, build func(lsn common.LSN) Record) common.LSN {
	t.Helper()

	lsn, err := s.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
		rec := build(lsn)
		return rec.MarshalBinary()
	})
	require.NoError(t, err)

	return lsn
}

func mustMarshal(t *testing.T, m interface{ MarshalBinary() ([]byte, error) }) []byte {
	t.Helper()

	b, err := m.MarshalBinary()
	require.NoError(t, err)

	return b
}

func TestAnalysis_FreshSystem(t *testing.T) {
	s := newTestLogStore(t)
	bp := newAnalysisBufferPool(t)
	txnTable := NewTransactionTable()

	result, err := RunAnalysis(s, bp, txnTable, devtable.New(afero.NewMemMapFs()), txns.NewLocker(), common.NIL_LSN, false)
	require.NoError(t, err)

	assert.True(t, result.RedoLSN.IsNone())
	assert.True(t, result.UndoLSN.IsNone())
	assert.True(t, result.CommitLSN.IsNone())
	assert.Equal(t, 0, result.InDoubtCount)
	assert.Nil(t, result.Heap)
	assert.Equal(t, 0, result.ChkptEndsHandled)

	result, err = RunAnalysis(s, bp, txnTable, devtable.New(afero.NewMemMapFs()), txns.NewLocker(), common.NIL_LSN, true)
	require.NoError(t, err)
	require.NotNil(t, result.Heap)
	assert.Equal(t, 0, result.Heap.Len())
}

func TestAnalysis_RebuildsFromCheckpoint(t *testing.T) {
	s := newTestLogStore(t)
	bp := newAnalysisBufferPool(t)
	txnTable := NewTransactionTable()
	devTable := devtable.New(afero.NewMemMapFs())

	checkpointedPage := common.PageIdentity{FileID: 1, PageID: 5}
	loserPage := common.PageIdentity{FileID: 1, PageID: 8}

	// pre-checkpoint update by the transaction the checkpoint will
	// carry; the scan never visits it, it only anchors real LSNs for
	// the checkpoint payloads.
	preLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindUpdate,
			LSN:       lsn,
			Flags:     Flags{IsRedo: true, IsUndo: true},
			TID:       7,
			HasTID:    true,
			PageID:    checkpointedPage,
			HasPageID: true,
		}
	})

	masterLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: common.NIL_LSN}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptBufferTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptBufferTablePayload{
				Entries: []BufferTableEntry{{PageID: checkpointedPage, RecLSN: preLSN}},
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptTransactionTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptTransactionTablePayload{
				Entries: []TransactionTableEntry{
					{TID: 7, State: StateActive, LastLSN: preLSN, FirstLSN: preLSN, UndoNext: preLSN},
					{TID: 3, State: StateEnded, LastLSN: preLSN, FirstLSN: preLSN, UndoNext: common.NIL_LSN},
				},
				YoungestTID: 7,
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: masterLSN,
				MinRecLSN:  preLSN,
				MinXctLSN:  preLSN,
			}),
		}
	})

	// post-checkpoint activity: a brand-new transaction updates a page
	// and never ends, while the checkpointed one commits.
	loserLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindUpdate,
			LSN:       lsn,
			Flags:     Flags{IsRedo: true, IsUndo: true},
			TID:       9,
			HasTID:    true,
			PageID:    loserPage,
			HasPageID: true,
		}
	})

	endLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{Kind: KindXctEnd, LSN: lsn, TID: 7, HasTID: true}
	})

	result, err := RunAnalysis(s, bp, txnTable, devTable, txns.NewLocker(), masterLSN, true)
	require.NoError(t, err)

	require.True(t, result.RedoLSN.IsSome())
	assert.Equal(t, preLSN, result.RedoLSN.Unwrap())
	require.True(t, result.UndoLSN.IsSome())
	assert.Equal(t, preLSN, result.UndoLSN.Unwrap())
	assert.Equal(t, endLSN, result.LastLSN)
	assert.Equal(t, 1, result.ChkptEndsHandled)

	assert.Equal(t, 2, result.InDoubtCount)

	cb, ok := bp.LookupInDoubt(checkpointedPage)
	require.True(t, ok)
	assert.Equal(t, preLSN, cb.RecLSN)

	cb, ok = bp.LookupInDoubt(loserPage)
	require.True(t, ok)
	assert.Equal(t, loserLSN, cb.RecLSN)

	// the committed transaction is swept, the ended checkpoint entry
	// was never inserted, only the loser survives.
	assert.Nil(t, txnTable.LookUp(7))
	assert.Nil(t, txnTable.LookUp(3))
	assert.Equal(t, 1, txnTable.Len())
	assert.Equal(t, common.TxnID(7), txnTable.YoungestTID())

	loser := txnTable.LookUp(9)
	require.NotNil(t, loser)
	assert.True(t, loser.IsDoomed)
	assert.Equal(t, loserLSN, loser.LastLSN)
	assert.Equal(t, loserLSN, loser.UndoNextLSN)
	assert.Equal(t, common.NIL_LSN, loser.FirstLSN)

	require.True(t, result.CommitLSN.IsSome())
	assert.Equal(t, loserLSN, result.CommitLSN.Unwrap())

	require.NotNil(t, result.Heap)
	require.Equal(t, 1, result.Heap.Len())
	assert.Same(t, loser, result.Heap.Top())
}

func TestAnalysis_FirstRecordNotBeginChkpt(t *testing.T) {
	s := newTestLogStore(t)

	lsn := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{Kind: KindComment, LSN: lsn}
	})

	_, err := RunAnalysis(s, newAnalysisBufferPool(t), NewTransactionTable(), devtable.New(afero.NewMemMapFs()), txns.NewLocker(), lsn, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
}

func TestAnalysis_StrayChkptEndIsNotOurs(t *testing.T) {
	s := newTestLogStore(t)

	masterLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: common.NIL_LSN}),
		}
	})

	// a chkpt_end pointing at some other checkpoint's begin record must
	// be skipped, leaving redo_lsn/undo_lsn unestablished.
	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: masterLSN + 1,
				MinRecLSN:  masterLSN,
				MinXctLSN:  masterLSN,
			}),
		}
	})

	_, err := RunAnalysis(s, newAnalysisBufferPool(t), NewTransactionTable(), devtable.New(afero.NewMemMapFs()), txns.NewLocker(), masterLSN, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
}

func TestAnalysis_IgnoresLaterCheckpoint(t *testing.T) {
	s := newTestLogStore(t)
	txnTable := NewTransactionTable()

	preLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindUpdate,
			LSN:       lsn,
			Flags:     Flags{IsRedo: true, IsUndo: true},
			TID:       7,
			HasTID:    true,
			PageID:    common.PageIdentity{FileID: 1, PageID: 2},
			HasPageID: true,
		}
	})

	masterLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: common.NIL_LSN}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptTransactionTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptTransactionTablePayload{
				Entries: []TransactionTableEntry{
					{TID: 7, State: StateActive, LastLSN: preLSN, FirstLSN: preLSN, UndoNext: preLSN},
				},
				YoungestTID: 7,
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: masterLSN,
				MinRecLSN:  preLSN,
				MinXctLSN:  preLSN,
			}),
		}
	})

	// a later, complete checkpoint whose master pointer never hardened;
	// every one of its records must be skipped.
	laterBegin := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: common.NIL_LSN}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptTransactionTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptTransactionTablePayload{
				Entries: []TransactionTableEntry{
					{TID: 21, State: StateActive, LastLSN: laterBegin, FirstLSN: laterBegin, UndoNext: laterBegin},
				},
				YoungestTID: 21,
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: laterBegin,
				MinRecLSN:  laterBegin,
				MinXctLSN:  laterBegin,
			}),
		}
	})

	result, err := RunAnalysis(s, newAnalysisBufferPool(t), txnTable, devtable.New(afero.NewMemMapFs()), txns.NewLocker(), masterLSN, false)
	require.NoError(t, err)

	assert.Equal(t, 2, result.ChkptEndsHandled)
	assert.Equal(t, preLSN, result.RedoLSN.Unwrap())
	assert.Equal(t, preLSN, result.UndoLSN.Unwrap())

	assert.Nil(t, txnTable.LookUp(21))
	assert.Equal(t, common.TxnID(7), txnTable.YoungestTID())

	survivor := txnTable.LookUp(7)
	require.NotNil(t, survivor)
	assert.True(t, survivor.IsDoomed)
	assert.Equal(t, preLSN, result.CommitLSN.Unwrap())
}

func TestAnalysis_PageDeallocResolvesInDoubt(t *testing.T) {
	s := newTestLogStore(t)
	bp := newAnalysisBufferPool(t)

	pageID := common.PageIdentity{FileID: 2, PageID: 1}

	preLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindUpdate,
			LSN:       lsn,
			Flags:     Flags{IsRedo: true},
			TID:       4,
			HasTID:    true,
			PageID:    pageID,
			HasPageID: true,
		}
	})

	masterLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: common.NIL_LSN}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptBufferTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptBufferTablePayload{
				Entries: []BufferTableEntry{{PageID: pageID, RecLSN: preLSN}},
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: masterLSN,
				MinRecLSN:  preLSN,
				MinXctLSN:  preLSN,
			}),
		}
	})

	// a dealloc by a system transaction resolves the registration
	// without the page ever needing redo.
	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindSingleLogSysXct,
			LSN:       lsn,
			Flags:     Flags{IsPageDealloc: true},
			PageID:    pageID,
			HasPageID: true,
		}
	})

	result, err := RunAnalysis(s, bp, NewTransactionTable(), devtable.New(afero.NewMemMapFs()), txns.NewLocker(), masterLSN, false)
	require.NoError(t, err)

	assert.Equal(t, 0, result.InDoubtCount)

	_, ok := bp.LookupInDoubt(pageID)
	assert.False(t, ok)
}

func TestAnalysis_MountWindowReplay(t *testing.T) {
	s := newTestLogStore(t)
	devTable := devtable.New(afero.NewMemMapFs())

	preLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:      KindUpdate,
			LSN:       lsn,
			Flags:     Flags{IsRedo: true},
			TID:       2,
			HasTID:    true,
			PageID:    common.PageIdentity{FileID: 1, PageID: 0},
			HasPageID: true,
		}
	})

	// a mount that happened after min_rec_lsn but before the
	// checkpoint; its effect must be rolled back so redo replays it.
	mountLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:         KindMount,
			LSN:          lsn,
			PrevLSNInXct: common.NIL_LSN,
			Payload:      mustMarshal(t, MountPayload{DevName: "vol0", VolumeID: 3}),
		}
	})

	masterLSN := insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind:    KindBeginChkpt,
			LSN:     lsn,
			Payload: mustMarshal(t, BeginChkptPayload{LastMountLSNBeforeChkpt: mountLSN}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptDeviceTable,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptDeviceTablePayload{
				Entries: []DeviceTableEntry{
					{DevName: "vol0", VolumeID: 3},
					{DevName: "vol1", VolumeID: 4},
				},
			}),
		}
	})

	insertWithPayload(t, s, func(lsn common.LSN) Record {
		return Record{
			Kind: KindChkptEnd,
			LSN:  lsn,
			Payload: mustMarshal(t, ChkptEndPayload{
				BeginChkpt: masterLSN,
				MinRecLSN:  preLSN,
				MinXctLSN:  preLSN,
			}),
		}
	})

	result, err := RunAnalysis(s, newAnalysisBufferPool(t), NewTransactionTable(), devTable, txns.NewLocker(), masterLSN, false)
	require.NoError(t, err)

	require.True(t, result.RedoLSN.IsSome())
	assert.Equal(t, preLSN, result.RedoLSN.Unwrap())

	// vol0's mount at mount_lsn > redo_lsn was inverted, vol1's
	// checkpointed mount stands.
	assert.False(t, devTable.IsMounted("vol0"))
	assert.True(t, devTable.IsMounted("vol1"))
}
