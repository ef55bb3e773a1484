package logstore

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// Scanner walks the log forward or backward, transparently crossing
// partition boundaries. It's the storage-layer half of the recovery
// package's Log Cursor: the cursor owns record validation and
// decoding, the scanner only owns byte-level positioning.
type Scanner struct {
	store     *Store
	forward   bool
	partition uint32
	offset    int64
	file      afero.File

	done bool
}

// OpenScan opens a scanner positioned at lsn. Scanning forward starts
// at lsn inclusive; scanning backward starts at the record ending at
// or before lsn.
func (s *Store) OpenScan(lsn common.LSN, forward bool) (*Scanner, error) {
	partition, offset := SplitLSN(lsn)

	f, err := s.fs.Open(s.path(partition))
	if err != nil {
		return nil, fmt.Errorf("open partition %d for scan: %w", partition, err)
	}

	// offsets below the partition header (notably MakeLSN(0, 0), the
	// conventional "start of log") snap to the first record.
	start := int64(offset)
	if start < partitionHeaderSize {
		start = partitionHeaderSize
	}

	return &Scanner{
		store:     s,
		forward:   forward,
		partition: partition,
		offset:    start,
		file:      f,
	}, nil
}

func (sc *Scanner) Close() error {
	if sc.file == nil {
		return nil
	}

	return sc.file.Close()
}

// Next returns the next record in scan direction, or ok=false once the
// scan has run off either end of the log.
func (sc *Scanner) Next() (rec RawRecord, ok bool, err error) {
	if sc.done {
		return RawRecord{}, false, nil
	}

	if sc.forward {
		return sc.nextForward()
	}

	return sc.nextBackward()
}

func (sc *Scanner) nextForward() (RawRecord, bool, error) {
	lsn := MakeLSN(sc.partition, uint32(sc.offset)) //nolint:gosec

	rec, err := readRecordAt(sc.file, lsn, sc.offset)
	if err == nil {
		sc.offset += lengthPrefixSize + int64(len(rec.Data))
		return rec, true, nil
	}

	if err != common.ErrPastEndOfFile { //nolint:errorlint
		return RawRecord{}, false, err
	}

	// Reached the end of this partition; try rolling into the next
	// one if it exists.
	nextFile, openErr := sc.store.fs.Open(sc.store.path(sc.partition + 1))
	if openErr != nil {
		sc.done = true
		return RawRecord{}, false, nil
	}

	_ = sc.file.Close()
	sc.file = nextFile
	sc.partition++
	sc.offset = partitionHeaderSize

	return sc.nextForward()
}

func (sc *Scanner) nextBackward() (RawRecord, bool, error) {
	if sc.offset <= partitionHeaderSize {
		if sc.partition == 0 {
			sc.done = true
			return RawRecord{}, false, nil
		}

		prevFile, err := sc.store.fs.Open(sc.store.path(sc.partition - 1))
		if err != nil {
			sc.done = true
			return RawRecord{}, false, nil
		}

		_ = sc.file.Close()
		sc.file = prevFile
		sc.partition--

		end, err := sc.store.validOffset(sc.partition)
		if err != nil {
			return RawRecord{}, false, err
		}

		sc.offset = end
		if sc.offset <= partitionHeaderSize {
			sc.done = true
			return RawRecord{}, false, nil
		}
	}

	prevOffset, err := sc.findPrecedingRecordOffset()
	if err != nil {
		return RawRecord{}, false, err
	}

	lsn := MakeLSN(sc.partition, uint32(prevOffset)) //nolint:gosec

	rec, err := readRecordAt(sc.file, lsn, prevOffset)
	if err != nil {
		return RawRecord{}, false, err
	}

	sc.offset = prevOffset

	return rec, true, nil
}

// findPrecedingRecordOffset walks forward from the start of the
// partition to find the record immediately preceding sc.offset. The
// on-disk format has no back-links, so backward scanning replays the
// partition from its head; partitions are bounded in size (see
// DefaultPartitionSize) so this stays cheap.
func (sc *Scanner) findPrecedingRecordOffset() (int64, error) {
	var (
		offset int64 = partitionHeaderSize
		prev   int64 = -1
	)

	for offset < sc.offset {
		lsn := MakeLSN(sc.partition, uint32(offset)) //nolint:gosec

		rec, err := readRecordAt(sc.file, lsn, offset)
		if err != nil {
			return 0, err
		}

		prev = offset
		offset += lengthPrefixSize + int64(len(rec.Data))
	}

	if prev < 0 {
		return 0, fmt.Errorf("no record precedes offset %d in partition %d", sc.offset, sc.partition)
	}

	return prev, nil
}
