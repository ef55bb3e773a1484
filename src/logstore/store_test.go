package logstore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, partitionSize int64) *Store {
	t.Helper()

	fs := afero.NewMemMapFs()
	s, err := Open(fs, "/log", partitionSize)
	require.NoError(t, err)

	return s
}

func TestInsertFetchRoundTrip(t *testing.T) {
	s := newTestStore(t, DefaultPartitionSize)

	lsn, err := s.Insert([]byte("hello"))
	require.NoError(t, err)

	rec, err := s.Fetch(lsn)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.Data)
	assert.Equal(t, lsn, rec.LSN)
}

func TestInsertMonotonicLSNs(t *testing.T) {
	s := newTestStore(t, DefaultPartitionSize)

	var lsns []uint64
	for i := 0; i < 10; i++ {
		lsn, err := s.Insert([]byte{byte(i)})
		require.NoError(t, err)
		lsns = append(lsns, uint64(lsn))
	}

	for i := 1; i < len(lsns); i++ {
		assert.Greater(t, lsns[i], lsns[i-1])
	}
}

func TestForwardScanCrossesPartitions(t *testing.T) {
	// tiny partitions to force a roll after a couple records
	s := newTestStore(t, int64(lengthPrefixSize+4)*2)

	var inserted []string
	for i := 0; i < 6; i++ {
		data := []byte{byte('a' + i)}
		_, err := s.Insert(data)
		require.NoError(t, err)
		inserted = append(inserted, string(data))
	}

	sc, err := s.OpenScan(MakeLSN(0, 0), true)
	require.NoError(t, err)
	defer sc.Close()

	var got []string
	for {
		rec, ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(rec.Data))
	}

	assert.Equal(t, inserted, got)
}

func TestBackwardScan(t *testing.T) {
	s := newTestStore(t, DefaultPartitionSize)

	var lsns []uint64
	for i := 0; i < 5; i++ {
		lsn, err := s.Insert([]byte{byte('a' + i)})
		require.NoError(t, err)
		lsns = append(lsns, uint64(lsn))
	}

	sc, err := s.OpenScan(s.CurrLSN(), false)
	require.NoError(t, err)
	defer sc.Close()

	var got []string
	for {
		rec, ok, err := sc.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(rec.Data))
	}

	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, got)
}
