package recovery

import (
	"fmt"

	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/optional"
)

// MaxRecordLength bounds a single record's payload; a length field
// larger than this is proof of a torn or corrupted log rather than a
// legitimately huge record.
const MaxRecordLength = 64 << 20

// RawRecord is the log storage layer's own record shape.
type RawRecord = logstore.RawRecord

// LogSource is the log storage layer's surface the recovery package
// needs: scanning for the Log Cursor, and direct fetch-by-LSN for
// Analysis's mount-log replay chase, which follows prev_lsn_in_xct
// pointers rather than scanning. logstore.Store satisfies this
// directly.
type LogSource interface {
	OpenScan(lsn common.LSN, forward bool) (*logstore.Scanner, error)
	Fetch(lsn common.LSN) (logstore.RawRecord, error)
}

// Scanner is the byte-level half of a scan; *logstore.Scanner
// satisfies this directly.
type Scanner interface {
	Next() (RawRecord, bool, error)
	Close() error
}

// Cursor is a restartable forward/backward iterator over the log,
// yielding (LSN, *Record) pairs and validating record integrity.
// A corrupted record is fatal: the log is the ground truth,
// and a caller that can't trust record.lsn_ck can't trust anything
// downstream of it either.
type Cursor struct {
	scan Scanner
}

// Open starts a cursor at startLSN, scanning forward if forward is
// true, backward otherwise.
func Open(src LogSource, startLSN common.LSN, forward bool) (*Cursor, error) {
	sc, err := src.OpenScan(startLSN, forward)
	if err != nil {
		return nil, fmt.Errorf("open log cursor at %v: %w", startLSN, err)
	}

	return &Cursor{scan: sc}, nil
}

func (c *Cursor) Close() error {
	return c.scan.Close()
}

// Next returns the next validated record, or None once the scan has
// run off either end of the log.
func (c *Cursor) Next() (optional.Optional[common.LSN], *Record, error) {
	raw, ok, err := c.scan.Next()
	if err != nil {
		return optional.None[common.LSN](), nil, fmt.Errorf("log cursor scan: %w", err)
	}

	if !ok {
		return optional.None[common.LSN](), nil, nil
	}

	if len(raw.Data) > MaxRecordLength {
		return optional.None[common.LSN](), nil, fmt.Errorf(
			"%w: record at %v has length %d, exceeds %d", ErrFatal, raw.LSN, len(raw.Data), MaxRecordLength)
	}

	rec := new(Record)
	if err := rec.UnmarshalBinary(raw.Data); err != nil {
		return optional.None[common.LSN](), nil, fmt.Errorf("%w: malformed record at %v: %v", ErrFatal, raw.LSN, err)
	}

	if rec.LSN != raw.LSN {
		return optional.None[common.LSN](), nil, fmt.Errorf(
			"%w: record lsn_ck %v does not match requested lsn %v", ErrFatal, rec.LSN, raw.LSN)
	}

	if !rec.Kind.Recognized() {
		return optional.None[common.LSN](), nil, fmt.Errorf("%w: unrecognized record kind %d at %v", ErrFatal, rec.Kind, raw.LSN)
	}

	return optional.Some(raw.LSN), rec, nil
}
