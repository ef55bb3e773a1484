package checkpoint

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/logfmt"
)

func newTestCheckpointer(t *testing.T) (*Checkpointer, *logstore.Store) {
	t.Helper()

	fs := afero.NewMemMapFs()

	s, err := logstore.Open(fs, "/log", logstore.DefaultPartitionSize)
	require.NoError(t, err)

	return New(s, fs, "/master.lsn"), s
}

func TestCheckpointer_MasterLSN_FreshSystemReturnsNil(t *testing.T) {
	c, _ := newTestCheckpointer(t)

	lsn, err := c.MasterLSN()
	require.NoError(t, err)
	assert.Equal(t, common.NIL_LSN, lsn)
}

func TestCheckpointer_SynchTake_PublishesMasterLSNRoundTrip(t *testing.T) {
	c, _ := newTestCheckpointer(t)

	snap := Snapshot{
		LastMountLSNBeforeChkpt: 5,
		BufferTable: []logfmt.BufferTableEntry{
			{PageID: common.PageIdentity{FileID: 1, PageID: 1}, RecLSN: 20},
			{PageID: common.PageIdentity{FileID: 1, PageID: 2}, RecLSN: 10},
		},
		TransactionTable: []logfmt.TransactionTableEntry{
			{TID: 1, State: logfmt.StateActive, LastLSN: 30, FirstLSN: 15, UndoNext: 30},
		},
		YoungestTID: 1,
		DeviceTable: []logfmt.DeviceTableEntry{},
	}

	beginLSN, err := c.SynchTake(snap)
	require.NoError(t, err)
	assert.NotEqual(t, common.NIL_LSN, beginLSN)

	gotLSN, err := c.MasterLSN()
	require.NoError(t, err)
	assert.Equal(t, beginLSN, gotLSN)
}

func TestCheckpointer_SynchTake_AdvancesMasterLSNOnSubsequentCalls(t *testing.T) {
	c, _ := newTestCheckpointer(t)

	first, err := c.SynchTake(Snapshot{})
	require.NoError(t, err)

	second, err := c.SynchTake(Snapshot{})
	require.NoError(t, err)

	assert.Greater(t, uint64(second), uint64(first))

	gotLSN, err := c.MasterLSN()
	require.NoError(t, err)
	assert.Equal(t, second, gotLSN)
}

func TestMinBufferRecLSN(t *testing.T) {
	assert.Equal(t, common.NIL_LSN, minBufferRecLSN(nil))

	entries := []logfmt.BufferTableEntry{
		{PageID: common.PageIdentity{FileID: 1, PageID: 1}, RecLSN: 30},
		{PageID: common.PageIdentity{FileID: 1, PageID: 2}, RecLSN: 10},
		{PageID: common.PageIdentity{FileID: 1, PageID: 3}, RecLSN: 20},
	}
	assert.Equal(t, common.LSN(10), minBufferRecLSN(entries))
}

func TestMinTransactionFirstLSN_SkipsEndedTransactions(t *testing.T) {
	entries := []logfmt.TransactionTableEntry{
		{TID: 1, State: logfmt.StateEnded, FirstLSN: 5},
		{TID: 2, State: logfmt.StateActive, FirstLSN: 15},
		{TID: 3, State: logfmt.StateActive, FirstLSN: 25},
	}
	assert.Equal(t, common.LSN(15), minTransactionFirstLSN(entries))
}
