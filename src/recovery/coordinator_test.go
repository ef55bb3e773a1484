package recovery

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/checkpoint"
	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/storage/devtable"
	"github.com/ariesdb/enginecore/src/storage/page"
	"github.com/ariesdb/enginecore/src/txns"
)

func TestPolicy_Validate(t *testing.T) {
	cases := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"serial with log-driven redo and reverse undo", Policy{Serial, RedoLogDrivenStrategy, UndoReverse}, false},
		{"serial with page-driven redo is rejected", Policy{Serial, RedoPageDrivenStrategy, UndoReverse}, true},
		{"serial with transaction-driven undo is rejected", Policy{Serial, RedoLogDrivenStrategy, UndoTxnDriven}, true},
		{"concurrent by commit lsn with page-driven redo and txn-driven undo", Policy{ConcurrentByCommitLSN, RedoPageDrivenStrategy, UndoTxnDriven}, false},
		{"concurrent by locks with mixed redo and txn-driven undo", Policy{ConcurrentByLocks, RedoMixed, UndoTxnDriven}, false},
		{"concurrent with log-driven redo is rejected", Policy{ConcurrentByCommitLSN, RedoLogDrivenStrategy, UndoTxnDriven}, true},
		{"concurrent with reverse undo is rejected", Policy{ConcurrentByCommitLSN, RedoPageDrivenStrategy, UndoReverse}, true},
		{"unknown concurrency policy is rejected", Policy{ConcurrencyPolicy(99), RedoLogDrivenStrategy, UndoReverse}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	_, err := New(Policy{Serial, RedoPageDrivenStrategy, UndoReverse}, Dependencies{})
	assert.Error(t, err)
}

// testHarness wires every Dependencies collaborator against in-memory
// fakes, enough to drive a fresh-system (masterLSN == NIL_LSN) recovery
// run end to end without ever touching a real disk page.
type testHarness struct {
	log    *logstore.Store
	chkpt  *checkpoint.Checkpointer
	bp     bufferpool.BufferPool
	txns   *TransactionTable
	dev    *devtable.Table
	locker *txns.Locker
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	fs := afero.NewMemMapFs()

	s, err := logstore.Open(fs, "/log", logstore.DefaultPartitionSize)
	require.NoError(t, err)

	bp, err := bufferpool.New(4, new(bufferpool.MockReplacer), new(bufferpool.MockDiskManager))
	require.NoError(t, err)

	return &testHarness{
		log:    s,
		chkpt:  checkpoint.New(s, fs, "/master.lsn"),
		bp:     bp,
		txns:   NewTransactionTable(),
		dev:    devtable.New(fs),
		locker: txns.NewLocker(),
	}
}

func (h *testHarness) deps() Dependencies {
	return Dependencies{
		Log:          h.log,
		Checkpointer: h.chkpt,
		Snapshot:     func() checkpoint.Snapshot { return checkpoint.Snapshot{} },
		BufferPool:   h.bp,
		TxnTable:     h.txns,
		DevTable:     h.dev,
		Locker:       h.locker,

		ApplyRedo:     func(p *page.SlottedPage, rec *Record) error { return nil },
		RepairPage:    nil,
		ChecksumValid: func(p *page.SlottedPage) bool { return true },

		ApplyUndo: func(rec *Record) ([]byte, error) { return nil, nil },
		WriteCLR: func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error) {
			return common.NIL_LSN, nil
		},
		Abort:    func(xct *Transaction) error { return nil },
		ForceLog: func() error { return nil },
	}
}

func TestCoordinator_Recover_SerialFreshSystemReachesOpen(t *testing.T) {
	h := newTestHarness(t)

	coord, err := New(Policy{Serial, RedoLogDrivenStrategy, UndoReverse}, h.deps())
	require.NoError(t, err)

	state, err := coord.Recover(context.Background(), common.NIL_LSN)
	require.NoError(t, err)

	mode, commitLSN, _, _, inDoubtCount := state.Snapshot()
	assert.Equal(t, Open, mode)
	assert.True(t, commitLSN.IsNone())
	assert.Equal(t, 0, inDoubtCount)
}

func TestCoordinator_Recover_RejectsDoubleInvocation(t *testing.T) {
	h := newTestHarness(t)

	coord, err := New(Policy{Serial, RedoLogDrivenStrategy, UndoReverse}, h.deps())
	require.NoError(t, err)

	_, err = coord.Recover(context.Background(), common.NIL_LSN)
	require.NoError(t, err)

	_, err = coord.Recover(context.Background(), common.NIL_LSN)
	assert.Error(t, err)
}

func TestCoordinator_Recover_ConcurrentFreshSystemDispatchesAndCompletes(t *testing.T) {
	h := newTestHarness(t)

	coord, err := New(Policy{ConcurrentByCommitLSN, RedoPageDrivenStrategy, UndoTxnDriven}, h.deps())
	require.NoError(t, err)

	state, err := coord.Recover(context.Background(), common.NIL_LSN)
	require.NoError(t, err)

	mode, _, _, _, _ := state.Snapshot()
	assert.Equal(t, Open, mode)

	require.NoError(t, coord.Wait())
}

func TestCoordinator_Wait_WithoutConcurrentDispatchIsNoop(t *testing.T) {
	h := newTestHarness(t)

	coord, err := New(Policy{Serial, RedoLogDrivenStrategy, UndoReverse}, h.deps())
	require.NoError(t, err)

	assert.NoError(t, coord.Wait())
}
