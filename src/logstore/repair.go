package logstore

import (
	"fmt"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// ApplyFunc decodes a raw log record and, if it is a redo-relevant
// update for the page single-page-repair is reconstructing, applies
// it. It returns the record's own LSN so the repair loop can track
// progress, and whether the record matched the page being repaired.
type ApplyFunc func(rec RawRecord) (matched bool, recordLSN common.LSN, err error)

// RecoverSinglePage reconstructs one page by replaying every
// per-page log record up to and including expectedLSN, starting from
// the beginning of the log. It is the minimal, always-available
// implementation of the out-of-scope single-page-repair collaborator:
// real single-page repair only walks the page's own per-page log
// chain, but that chain isn't materialized by this log storage layer,
// so this scans forward and filters by apply's own matching.
func (s *Store) RecoverSinglePage(expectedLSN common.LSN, apply ApplyFunc) error {
	sc, err := s.OpenScan(MakeLSN(0, 0), true)
	if err != nil {
		return fmt.Errorf("open forward scan for single-page repair: %w", err)
	}
	defer sc.Close()

	for {
		rec, ok, err := sc.Next()
		if err != nil {
			return fmt.Errorf("single-page repair scan: %w", err)
		}

		if !ok {
			return nil
		}

		matched, recordLSN, err := apply(rec)
		if err != nil {
			return fmt.Errorf("single-page repair apply: %w", err)
		}

		if matched && recordLSN >= expectedLSN {
			return nil
		}
	}
}
