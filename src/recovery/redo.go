package recovery

import (
	"errors"
	"fmt"

	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/storage/page"
)

// ApplyRedo invokes a record's own redo function against an
// already-latched page. Each record kind's redo logic belongs to the
// page/record format layer above the log record boundary; the
// recovery core only knows how to sequence the call and update
// bookkeeping around it.
type ApplyRedo func(p *page.SlottedPage, rec *Record) error

// RepairSinglePage is the single-page-repair collaborator signature
// Redo falls back to on a bad checksum or (in page-driven mode) a
// virgin/corrupted page whose on-page LSN is unreliable.
// *logstore.Store.RecoverSinglePage satisfies this.
type RepairSinglePage func(expectedLSN common.LSN, apply func(rec RawLogRecord) (matched bool, recordLSN common.LSN, err error)) error

// RawLogRecord is what RepairSinglePage's apply callback receives -
// the log storage layer's own record shape, re-exported here so redo.go
// doesn't need to import logstore just for this one type.
type RawLogRecord = RawRecord

// ChecksumValid reports whether a page's on-disk checksum matches its
// contents. The checksum algorithm belongs to the physical page
// format layer; tests substitute a fake that always returns true
// except where a scenario deliberately injects corruption.
type ChecksumValid func(p *page.SlottedPage) bool

// RedoLogDriven runs the forward, log-driven Redo strategy: scan
// forward from redoLSN, reapplying every is_redo record to its
// page(s). Used in serial mode.
func RedoLogDriven(
	src LogSource,
	bp bufferpool.BufferPool,
	txnTable *TransactionTable,
	redoLSN common.LSN,
	apply ApplyRedo,
	repair RepairSinglePage,
	checksumValid ChecksumValid,
) error {
	if redoLSN == common.NIL_LSN {
		return nil
	}

	cur, err := Open(src, redoLSN, true)
	if err != nil {
		return fmt.Errorf("%w: open redo cursor: %v", ErrFatal, err)
	}
	defer cur.Close()

	for {
		lsnOpt, rec, err := cur.Next()
		if err != nil {
			return err
		}

		if lsnOpt.IsNone() {
			break
		}

		if !rec.Flags.IsRedo {
			continue
		}

		if !rec.HasPageID {
			if xct := lookupOrNil(txnTable, rec); xct != nil && xct.State == StateEnded {
				continue
			}

			continue
		}

		if err := redoWithPage(bp, rec.PageID, rec, apply, repair, checksumValid); err != nil {
			return err
		}

		if rec.Flags.IsMultiPage && rec.HasPageID2 {
			if err := redoWithPage(bp, rec.PageID2, rec, apply, repair, checksumValid); err != nil {
				return err
			}
		}
	}

	if bp.InDoubtCount() != 0 {
		return fatalf("redo: in_doubt_count %d != 0 at end of log-driven redo", bp.InDoubtCount())
	}

	return nil
}

// redoWithPage reapplies one record to one page, loading the page on
// first touch and handling the virgin and corrupted cases.
func redoWithPage(
	bp bufferpool.BufferPool,
	pageID common.PageIdentity,
	rec *Record,
	apply ApplyRedo,
	repair RepairSinglePage,
	checksumValid ChecksumValid,
) error {
	cb, found := bp.GetControlBlock(pageID)

	switch {
	case found && (cb.InDoubt || cb.Dirty):
		return redoFoundInDoubtOrDirty(bp, pageID, cb, rec, apply, repair, checksumValid)

	case found:
		if rec.Flags.IsPageAlloc || cb.Used {
			return nil
		}

		return fatalf("redo: page %v found but neither in_doubt nor dirty, and record is not page-alloc", pageID)

	default:
		if rec.Flags.IsPageDealloc {
			return nil // idempotent: the page is already gone
		}

		return fatalf("redo: page %v not found in control-block table", pageID)
	}
}

func redoFoundInDoubtOrDirty(
	bp bufferpool.BufferPool,
	pageID common.PageIdentity,
	cb *bufferpool.PageControlBlock,
	rec *Record,
	apply ApplyRedo,
	repair RepairSinglePage,
	checksumValid ChecksumValid,
) error {
	wasInDoubt := cb.InDoubt

	p, err := bp.GetPageNoCreate(pageID)

	firstTouch := errors.Is(err, bufferpool.ErrNoSuchPage)
	if err != nil && !firstTouch {
		return fmt.Errorf("redo: load page %v: %w", pageID, err)
	}

	if firstTouch {
		if isVirginProducingRecord(rec, pageID) {
			fresh, _, virginErr := bp.LoadForRedo(pageID)
			if virginErr != nil {
				return virginErr
			}

			p = fresh
		} else {
			loaded, virgin, loadErr := bp.LoadForRedo(pageID)
			if loadErr != nil {
				return loadErr
			}

			if virgin {
				return fatalf("redo: page %v never flushed and no format record precedes %v", pageID, rec.LSN)
			}

			p = loaded

			if !checksumValid(p) {
				if err := repair(rec.LSN, func(raw RawLogRecord) (bool, common.LSN, error) {
					return applyIfMatches(p, pageID, raw, apply)
				}); err != nil {
					return fmt.Errorf("redo: single-page repair for %v: %w", pageID, err)
				}
			}
		}
	}

	defer bp.Unpin(pageID)

	if !p.TryLock() {
		return fatalf("redo: could not acquire exclusive latch on %v (serial mode, should never conflict)", pageID)
	}
	defer p.Unlock()

	pageLSN := p.Lsn()

	switch {
	case common.LSN(pageLSN) < rec.LSN:
		if err := apply(p, rec); err != nil {
			return fmt.Errorf("redo: apply record at %v to page %v: %w", rec.LSN, pageID, err)
		}

		p.SetLsn(uint64(rec.LSN))

		if wasInDoubt || isVirginProducingRecord(rec, pageID) {
			if cb.RecLSN == common.NIL_LSN || rec.LSN < cb.RecLSN {
				cb.RecLSN = rec.LSN
			}
		}

		p.SetDirtiness(true)
		bp.MarkDirty(pageID, common.LogRecordLocInfo{Lsn: rec.LSN})

		if wasInDoubt {
			bp.InDoubtToDirty(pageID)
		}

	default:
		// page.lsn >= rec.LSN: the record was already applied by an
		// earlier redo (e.g. it also touched page_id_2 of a prior
		// multi-page op). No WAL violation check here since the end-of-
		// log comparison only matters relative to the log's own tail,
		// which the cursor already enforces via lsn_ck validation.
	}

	return nil
}

// isVirginProducingRecord reports whether rec's own application
// formats pageID from scratch (a page-image format, or the freshly
// allocated second page of a multi-page structure op), so Redo must
// not attempt a disk load first.
func isVirginProducingRecord(rec *Record, pageID common.PageIdentity) bool {
	if rec.Kind == KindUpdate && rec.Flags.IsPageAlloc {
		return true
	}

	return rec.Flags.IsMultiPage && rec.HasPageID2 && rec.PageID2 == pageID
}

func applyIfMatches(p *page.SlottedPage, pageID common.PageIdentity, raw RawLogRecord, apply ApplyRedo) (bool, common.LSN, error) {
	rec := new(Record)
	if err := rec.UnmarshalBinary(raw.Data); err != nil {
		return false, common.NIL_LSN, err
	}

	if !rec.Flags.IsRedo {
		return false, rec.LSN, nil
	}

	matches := (rec.HasPageID && rec.PageID == pageID) || (rec.HasPageID2 && rec.PageID2 == pageID)
	if !matches {
		return false, rec.LSN, nil
	}

	if err := apply(p, rec); err != nil {
		return false, rec.LSN, err
	}

	p.SetLsn(uint64(rec.LSN))

	return true, rec.LSN, nil
}

// RedoPageDriven runs the page-driven Redo strategy for concurrent
// mode: iterate every in-doubt control block directly, rather than
// rescanning the log.
func RedoPageDriven(
	bp bufferpool.BufferPool,
	inDoubtPages []common.PageIdentity,
	repair RepairSinglePage,
	checksumValid ChecksumValid,
) error {
	for _, pageID := range inDoubtPages {
		if err := redoPageDrivenOne(bp, pageID, repair, checksumValid); err != nil {
			return err
		}
	}

	return nil
}

func redoPageDrivenOne(
	bp bufferpool.BufferPool,
	pageID common.PageIdentity,
	repair RepairSinglePage,
	checksumValid ChecksumValid,
) error {
	cb, ok := bp.GetControlBlock(pageID)
	if !ok || !cb.InDoubt {
		return nil
	}

	p, virgin, err := bp.LoadForRedo(pageID)
	if err != nil {
		return fmt.Errorf("redo (page-driven): load page %v: %w", pageID, err)
	}
	defer bp.Unpin(pageID)

	if !p.TryLock() {
		return fatalf("redo (page-driven): exclusive latch conflict on in-doubt page %v", pageID)
	}
	defer p.Unlock()

	needsRepair := virgin || !checksumValid(p)
	if needsRepair {
		p.SetLsn(uint64(common.NIL_LSN))

		if err := repair(cb.ExpectedLastWriteLSN, func(raw RawLogRecord) (bool, common.LSN, error) {
			return applyIfMatches(p, pageID, raw, func(p *page.SlottedPage, rec *Record) error {
				return nil // no per-record redo function runs here; applyIfMatches only advances the page LSN over matching records
			})
		}); err != nil {
			return fmt.Errorf("redo (page-driven): single-page repair for %v: %w", pageID, err)
		}
	}

	bp.InDoubtToDirty(pageID)

	if cb.RecLSN == common.NIL_LSN || common.LSN(p.Lsn()) < cb.RecLSN {
		cb.RecLSN = common.LSN(p.Lsn())
	}

	return nil
}
