package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src"
	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/cfg"
	"github.com/ariesdb/enginecore/src/checkpoint"
	"github.com/ariesdb/enginecore/src/logstore"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/logfmt"
	"github.com/ariesdb/enginecore/src/pkg/logging"
	"github.com/ariesdb/enginecore/src/recovery"
	"github.com/ariesdb/enginecore/src/storage/devtable"
	"github.com/ariesdb/enginecore/src/storage/disk"
	"github.com/ariesdb/enginecore/src/storage/page"
	"github.com/ariesdb/enginecore/src/txns"
)

const CloseTimeout = 15 * time.Second

// defaultVolumeFile is the single well-known page file recoveryctl
// drives recovery against; a fixed FileID->path mapping stands in for
// the page-directory catalog a full engine would maintain.
const defaultVolumeFile = 0

// RecoveryEntrypoint bootstraps every collaborator recover() needs
// (log store, buffer pool, transaction table, device table, checkpoint
// subsystem) from a RecoveryConfig, then drives the Recovery
// Coordinator to completion.
type RecoveryEntrypoint struct {
	ConfigPath string

	log src.Logger
	cfg cfg.RecoveryConfig

	chkpt *checkpoint.Checkpointer
	coord *recovery.Coordinator
}

func (e *RecoveryEntrypoint) Init(_ context.Context) error {
	if e.ConfigPath == "" {
		if _, err := loadEnv(); err != nil {
			return fmt.Errorf("load environment: %w", err)
		}
	}

	config, err := cfg.LoadConfig(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e.cfg = config

	log, err := logging.New(string(e.cfg.Environment))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	e.log = log

	fs := afero.NewOsFs()

	logStore, err := logstore.Open(fs, e.cfg.LogDir, logstore.DefaultPartitionSize)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}

	devTable := devtable.New(fs)

	diskMgr := disk.New[*page.SlottedPage](
		fs,
		map[common.FileID]string{defaultVolumeFile: e.cfg.VolumeDir + "/data.db"},
		page.NewSlottedPage,
	)

	bp, err := bufferpool.New(e.cfg.BufferPoolPages, bufferpool.NewLRUReplacer(), diskMgr)
	if err != nil {
		return fmt.Errorf("create buffer pool: %w", err)
	}

	txnTable := recovery.NewTransactionTable()
	locker := txns.NewLocker()

	chkptPath := e.cfg.LogDir + "/master.lsn"
	chkpt := checkpoint.New(logStore, fs, chkptPath)
	e.chkpt = chkpt

	policy, err := parseConcurrencyPolicy(e.cfg.Concurrency)
	if err != nil {
		return err
	}

	deps := recovery.Dependencies{
		Log:          logStore,
		Checkpointer: chkpt,
		Snapshot:     func() checkpoint.Snapshot { return gatherSnapshot(bp, txnTable, devTable) },
		BufferPool:   bp,
		TxnTable:     txnTable,
		DevTable:     devTable,
		Locker:       locker,

		ApplyRedo:     noopApplyRedo,
		RepairPage:    logStore.RecoverSinglePage,
		ChecksumValid: func(*page.SlottedPage) bool { return true },

		ApplyUndo: noopApplyUndo,
		WriteCLR:  makeWriteCLR(logStore),
		Abort:     makeAbort(locker, logStore),
		ForceLog:  logStore.FlushAll,

		Logger: log,
	}

	coord, err := recovery.New(policy, deps)
	if err != nil {
		return fmt.Errorf("configure recovery coordinator: %w", err)
	}

	e.coord = coord

	return nil
}

func (e *RecoveryEntrypoint) Run(ctx context.Context) error {
	masterLSN, err := e.chkpt.MasterLSN()
	if err != nil {
		return fmt.Errorf("read master lsn: %w", err)
	}

	state, err := e.coord.Recover(ctx, masterLSN)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	mode, commitLSN, redoLSN, lastLSN, inDoubtCount := state.Snapshot()

	e.log.Infow("recovery finished",
		"mode", mode.String(),
		"commit_lsn", commitLSN,
		"redo_lsn", redoLSN,
		"last_lsn", lastLSN,
		"in_doubt_count", inDoubtCount,
	)

	return nil
}

func (e *RecoveryEntrypoint) Close() (err error) {
	if e.coord != nil {
		err = e.coord.Wait()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("recovery worker failed", "error", err)
		}

		logErr := e.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}

func parseConcurrencyPolicy(s string) (recovery.Policy, error) {
	switch s {
	case "", "serial":
		return recovery.Policy{
			Concurrency: recovery.Serial,
			Redo:        recovery.RedoLogDrivenStrategy,
			Undo:        recovery.UndoReverse,
		}, nil
	case "concurrent_by_commit_lsn":
		return recovery.Policy{
			Concurrency: recovery.ConcurrentByCommitLSN,
			Redo:        recovery.RedoPageDrivenStrategy,
			Undo:        recovery.UndoTxnDriven,
		}, nil
	case "concurrent_by_locks":
		return recovery.Policy{
			Concurrency: recovery.ConcurrentByLocks,
			Redo:        recovery.RedoPageDrivenStrategy,
			Undo:        recovery.UndoTxnDriven,
		}, nil
	default:
		return recovery.Policy{}, fmt.Errorf("unknown concurrency policy %q", s)
	}
}

func gatherSnapshot(bp bufferpool.BufferPool, txnTable *recovery.TransactionTable, devTable *devtable.Table) checkpoint.Snapshot {
	snap := checkpoint.Snapshot{}

	for pageID, loc := range bp.GetDirtyPageTable() {
		snap.BufferTable = append(snap.BufferTable, logfmt.BufferTableEntry{PageID: pageID, RecLSN: loc.Lsn})
	}

	txnTable.Each(func(xct *recovery.Transaction) {
		snap.TransactionTable = append(snap.TransactionTable, logfmt.TransactionTableEntry{
			TID:      xct.TID,
			State:    xct.State,
			LastLSN:  xct.LastLSN,
			FirstLSN: xct.FirstLSN,
			UndoNext: xct.UndoNextLSN,
		})
	})

	snap.YoungestTID = txnTable.YoungestTID()

	_ = devTable // device-table entries are supplied by the caller's mount bookkeeping, out of scope here

	return snap
}

// noopApplyRedo/noopApplyUndo stand in for the page-format layer's
// record-kind dispatch: a full engine would switch on rec.Kind here
// and invoke the matching page mutation. recoveryctl has no page
// format to drive, so these only advance bookkeeping.
func noopApplyRedo(p *page.SlottedPage, rec *recovery.Record) error {
	return nil
}

func noopApplyUndo(rec *recovery.Record) ([]byte, error) {
	return nil, nil
}

func makeWriteCLR(logStore *logstore.Store) func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error) {
	return func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error) {
		return logStore.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
			rec := recovery.Record{
				Kind:         recovery.KindCompensation,
				LSN:          lsn,
				Flags:        recovery.Flags{IsRedo: true, IsCompensation: true},
				TID:          tid,
				HasTID:       true,
				PrevLSNInXct: prevLSNInXct,
				Payload:      payload,
			}

			return rec.MarshalBinary()
		})
	}
}

func makeAbort(locker *txns.Locker, logStore *logstore.Store) recovery.AbortTransaction {
	return func(xct *recovery.Transaction) error {
		locker.ReleaseAll(xct.TID)

		_, err := logStore.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
			rec := recovery.Record{
				Kind:   recovery.KindXctEnd,
				LSN:    lsn,
				TID:    xct.TID,
				HasTID: true,
			}

			return rec.MarshalBinary()
		})

		return err
	}
}
