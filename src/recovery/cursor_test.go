package recovery

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
)

func newTestLogStore(t *testing.T) *logstore.Store {
	t.Helper()

	s, err := logstore.Open(afero.NewMemMapFs(), "/log", logstore.DefaultPartitionSize)
	require.NoError(t, err)

	return s
}

func insertRecord(t *testing.T, s *logstore.Store, kind Kind, tid common.TxnID, hasTID bool) common.LSN {
	t.Helper()

	lsn, err := s.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
		rec := Record{Kind: kind, LSN: lsn, TID: tid, HasTID: hasTID}
		return rec.MarshalBinary()
	})
	require.NoError(t, err)

	return lsn
}

func TestCursor_ForwardYieldsValidatedRecords(t *testing.T) {
	s := newTestLogStore(t)

	lsn1 := insertRecord(t, s, KindXctEnd, 1, true)
	lsn2 := insertRecord(t, s, KindXctAbort, 2, true)

	cur, err := Open(s, lsn1, true)
	require.NoError(t, err)
	defer cur.Close()

	gotLSN, rec, err := cur.Next()
	require.NoError(t, err)
	require.True(t, gotLSN.IsSome())
	assert.Equal(t, lsn1, gotLSN.Unwrap())
	assert.Equal(t, KindXctEnd, rec.Kind)

	gotLSN, rec, err = cur.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn2, gotLSN.Unwrap())
	assert.Equal(t, KindXctAbort, rec.Kind)

	gotLSN, rec, err = cur.Next()
	require.NoError(t, err)
	assert.True(t, gotLSN.IsNone())
	assert.Nil(t, rec)
}

func TestCursor_UnrecognizedKindIsFatal(t *testing.T) {
	s := newTestLogStore(t)

	lsn, err := s.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
		rec := Record{Kind: KindMaxLogRec + 1, LSN: lsn}
		return rec.MarshalBinary()
	})
	require.NoError(t, err)

	cur, err := Open(s, lsn, true)
	require.NoError(t, err)
	defer cur.Close()

	_, _, err = cur.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatal))
}

func TestCursor_Backward(t *testing.T) {
	s := newTestLogStore(t)

	insertRecord(t, s, KindXctEnd, 1, true)
	lsn2 := insertRecord(t, s, KindXctEnd, 2, true)

	cur, err := Open(s, s.CurrLSN(), false)
	require.NoError(t, err)
	defer cur.Close()

	gotLSN, _, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, lsn2, gotLSN.Unwrap())
}
