// Package recovery implements the ARIES-style Analysis/Redo/Undo
// crash-recovery core: the Log Cursor, the Undo Heap, the three
// recovery passes, and the coordinator that sequences them.
package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ariesdb/enginecore/src"
	"github.com/ariesdb/enginecore/src/bufferpool"
	"github.com/ariesdb/enginecore/src/checkpoint"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/optional"
	"github.com/ariesdb/enginecore/src/storage/devtable"
)

var (
	tracer = otel.Tracer("github.com/ariesdb/enginecore/src/recovery")
	meter  = otel.Meter("github.com/ariesdb/enginecore/src/recovery")
)

// OperatingMode is the coordinator's own phase marker. Recover checks
// it only on entry, rejecting any call made after the mode has left
// BeforeRecovery; the check and the later mode changes are not one
// atomic step.
type OperatingMode int

const (
	BeforeRecovery OperatingMode = iota
	InAnalysis
	InRedo
	InUndo
	Open
)

func (m OperatingMode) String() string {
	switch m {
	case BeforeRecovery:
		return "before_recovery"
	case InAnalysis:
		return "in_analysis"
	case InRedo:
		return "in_redo"
	case InUndo:
		return "in_undo"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ConcurrencyPolicy selects whether the system opens for new work
// before or after Redo and Undo complete, and how in-flight admission
// is gated while they run.
type ConcurrencyPolicy int

const (
	Serial ConcurrencyPolicy = iota
	ConcurrentByCommitLSN
	ConcurrentByLocks
)

// RedoStrategy is the second axis.
type RedoStrategy int

const (
	RedoLogDrivenStrategy RedoStrategy = iota
	RedoPageDrivenStrategy
	RedoSPROnDemand
	RedoMixed
)

// UndoStrategy is the third axis.
type UndoStrategy int

const (
	UndoReverse UndoStrategy = iota
	UndoTxnDriven
)

// Policy is the coordinator's configuration; not every combination of
// the three axes is meaningful, so New validates it.
type Policy struct {
	Concurrency ConcurrencyPolicy
	Redo        RedoStrategy
	Undo        UndoStrategy
}

// Validate rejects illegal axis combinations: serial recovery runs
// log-driven redo and reverse undo together (the only pairing that
// needs no transaction-table locking); every concurrent
// policy runs page-driven (or SPR-on-demand/mixed) redo with
// transaction-driven undo, since reverse undo requires the heap built
// at end of (never-returning) serial Analysis.
func (p Policy) Validate() error {
	switch p.Concurrency {
	case Serial:
		if p.Redo != RedoLogDrivenStrategy || p.Undo != UndoReverse {
			return fmt.Errorf("recovery: serial policy requires log-driven redo + reverse undo, got %v/%v", p.Redo, p.Undo)
		}
	case ConcurrentByCommitLSN, ConcurrentByLocks:
		if p.Redo == RedoLogDrivenStrategy {
			return fmt.Errorf("recovery: concurrent policy cannot pair with log-driven redo")
		}

		if p.Undo != UndoTxnDriven {
			return fmt.Errorf("recovery: concurrent policy requires transaction-driven undo, got %v", p.Undo)
		}
	default:
		return fmt.Errorf("recovery: unknown concurrency policy %v", p.Concurrency)
	}

	return nil
}

// RecoveryState is the process-wide bundle the coordinator publishes
// as it progresses: the current phase plus the commit_lsn, redo_lsn,
// last_lsn, and in_doubt_count Analysis computed.
type RecoveryState struct {
	mu sync.RWMutex

	mode         OperatingMode
	commitLSN    optional.Optional[common.LSN]
	redoLSN      optional.Optional[common.LSN]
	lastLSN      common.LSN
	inDoubtCount int
	runID        uuid.UUID
}

func (s *RecoveryState) Mode() OperatingMode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mode
}

func (s *RecoveryState) setMode(m OperatingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = m
}

// Snapshot returns a point-in-time copy, safe to read concurrently
// with an in-progress recovery (RecoveryEntrypoint.Run reads it to
// report the outcome).
func (s *RecoveryState) Snapshot() (mode OperatingMode, commitLSN optional.Optional[common.LSN], redoLSN optional.Optional[common.LSN], lastLSN common.LSN, inDoubtCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mode, s.commitLSN, s.redoLSN, s.lastLSN, s.inDoubtCount
}

// Dependencies bundles every collaborator Recover drives. Concrete
// callers wire *logstore.Store, *bufferpool.Manager, *txns.Locker, and
// the small closures (ApplyRedo/ApplyUndo/etc.) that the page format
// and transaction manager layers supply.
type Dependencies struct {
	Log          LogSource
	Checkpointer *checkpoint.Checkpointer
	Snapshot     func() checkpoint.Snapshot // gathers buffer/txn/device tables for a synchronous checkpoint
	BufferPool   bufferpool.BufferPool
	TxnTable     *TransactionTable
	DevTable     *devtable.Table
	Locker       LockReleaser

	ApplyRedo     ApplyRedo
	RepairPage    RepairSinglePage
	ChecksumValid ChecksumValid

	ApplyUndo func(rec *Record) (clrPayload []byte, err error)
	WriteCLR  func(tid common.TxnID, prevLSNInXct, undoNext common.LSN, payload []byte) (common.LSN, error)
	Abort     AbortTransaction
	ForceLog  func() error

	Logger src.Logger
}

// Coordinator sequences Analysis, Redo, and Undo against a fixed
// Policy and Dependencies set.
type Coordinator struct {
	policy Policy
	deps   Dependencies
	state  *RecoveryState

	background *errgroup.Group
}

func New(policy Policy, deps Dependencies) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Coordinator{
		policy: policy,
		deps:   deps,
		state:  &RecoveryState{mode: BeforeRecovery},
	}, nil
}

func (c *Coordinator) State() *RecoveryState {
	return c.state
}

// Recover drives the full restart sequence from the master checkpoint
// pointer. In serial mode it
// blocks until Redo, Undo, and the trailing checkpoint complete. In
// concurrent mode it returns once Analysis and the first checkpoint
// are done, having already dispatched the background worker; the
// caller is then free to open the system for new transactions.
func (c *Coordinator) Recover(ctx context.Context, masterLSN common.LSN) (*RecoveryState, error) {
	if c.state.Mode() != BeforeRecovery {
		return nil, fatalf("recover: called with mode %v, expected %v", c.state.Mode(), BeforeRecovery)
	}

	runID := uuid.New()
	c.state.mu.Lock()
	c.state.runID = runID
	c.state.mu.Unlock()

	log := c.deps.Logger
	if log != nil {
		log.Infow("recovery starting", "run_id", runID, "master_lsn", masterLSN)
	}

	ctx, span := tracer.Start(ctx, "recovery.recover", trace.WithAttributes(
		attribute.String("run_id", runID.String()),
		attribute.Int64("master_lsn", int64(masterLSN)),
	))
	defer span.End()

	c.deps.BufferPool.SetSwizzlingEnabled(false)

	result, err := c.runAnalysis(ctx, masterLSN)
	if err != nil {
		return nil, err
	}

	if _, err := c.deps.Checkpointer.SynchTake(c.deps.Snapshot()); err != nil {
		return nil, fmt.Errorf("recover: post-analysis checkpoint: %w", err)
	}

	if c.policy.Concurrency == Serial {
		if err := c.runSerialRedoUndo(ctx, result); err != nil {
			return nil, err
		}

		if _, err := c.deps.Checkpointer.SynchTake(c.deps.Snapshot()); err != nil {
			return nil, fmt.Errorf("recover: trailing checkpoint: %w", err)
		}

		c.deps.BufferPool.SetSwizzlingEnabled(true)
		c.state.setMode(Open)

		if log != nil {
			log.Infow("recovery complete (serial)", "run_id", runID)
		}

		return c.state, nil
	}

	c.state.setMode(Open)

	if err := c.dispatchConcurrentWorker(ctx, result); err != nil {
		return nil, err
	}

	if log != nil {
		log.Infow("recovery analysis complete, system open; redo/undo running in background", "run_id", runID)
	}

	return c.state, nil
}

func (c *Coordinator) runAnalysis(ctx context.Context, masterLSN common.LSN) (*AnalysisResult, error) {
	c.state.setMode(InAnalysis)

	_, span := tracer.Start(ctx, "recovery.analysis")
	defer span.End()

	buildHeap := c.policy.Concurrency == Serial

	result, err := RunAnalysis(c.deps.Log, c.deps.BufferPool, c.deps.TxnTable, c.deps.DevTable, c.deps.Locker, masterLSN, buildHeap)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.state.mu.Lock()
	c.state.commitLSN = result.CommitLSN
	c.state.redoLSN = result.RedoLSN
	c.state.lastLSN = result.LastLSN
	c.state.inDoubtCount = result.InDoubtCount
	c.state.mu.Unlock()

	span.SetAttributes(
		attribute.Int64("last_lsn", int64(result.LastLSN)),
		attribute.Int("in_doubt_count", result.InDoubtCount),
		attribute.Int("chkpt_ends_handled", result.ChkptEndsHandled),
	)

	return result, nil
}

func (c *Coordinator) runSerialRedoUndo(ctx context.Context, result *AnalysisResult) error {
	c.state.setMode(InRedo)

	if err := c.withInDoubtGauge(func() error {
		_, span := tracer.Start(ctx, "recovery.redo")
		defer span.End()

		redoLSN := common.NIL_LSN
		if result.RedoLSN.IsSome() {
			redoLSN = result.RedoLSN.Unwrap()
		}

		span.SetAttributes(attribute.Int64("redo_lsn", int64(redoLSN)))

		err := RedoLogDriven(c.deps.Log, c.deps.BufferPool, c.deps.TxnTable, redoLSN, c.deps.ApplyRedo, c.deps.RepairPage, c.deps.ChecksumValid)
		if err != nil {
			span.RecordError(err)
		}

		return err
	}); err != nil {
		return err
	}

	c.state.setMode(InUndo)

	_, span := tracer.Start(ctx, "recovery.undo")
	defer span.End()

	err := UndoHeapDriven(c.deps.Log, c.deps.TxnTable, result.Heap, c.deps.ApplyUndo, c.deps.WriteCLR, c.deps.Abort, c.deps.ForceLog)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.state.mu.Lock()
	c.state.commitLSN = optional.None[common.LSN]()
	c.state.mu.Unlock()

	return nil
}

// dispatchConcurrentWorker submits the background redo+undo+checkpoint
// run on a dedicated single-goroutine ants pool, tracked by an
// errgroup so callers that want to await shutdown (e.g. tests, or a
// graceful-stop path) can call Wait.
func (c *Coordinator) dispatchConcurrentWorker(ctx context.Context, result *AnalysisResult) error {
	pool, err := ants.NewPool(1)
	if err != nil {
		return fmt.Errorf("recover: create concurrent-recovery worker pool: %w", err)
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		defer pool.Release()

		done := make(chan error, 1)

		submitErr := pool.Submit(func() {
			done <- c.runConcurrentRedoUndo(ctx, result)
		})
		if submitErr != nil {
			return fmt.Errorf("recover: submit concurrent-recovery worker: %w", submitErr)
		}

		return <-done
	})

	c.background = grp

	return nil
}

// Wait blocks until a dispatched concurrent-recovery worker finishes.
// Only meaningful after a concurrent-mode Recover call.
func (c *Coordinator) Wait() error {
	if c.background == nil {
		return nil
	}

	return c.background.Wait()
}

func (c *Coordinator) runConcurrentRedoUndo(ctx context.Context, result *AnalysisResult) error {
	log := c.deps.Logger

	c.state.setMode(InRedo)

	inDoubtPages := c.deps.BufferPool.InDoubtPageIDs()

	if err := c.withInDoubtGauge(func() error {
		_, span := tracer.Start(ctx, "recovery.redo")
		defer span.End()

		err := RedoPageDriven(c.deps.BufferPool, inDoubtPages, c.deps.RepairPage, c.deps.ChecksumValid)
		if err != nil {
			span.RecordError(err)
		}

		return err
	}); err != nil {
		if log != nil {
			log.Errorw("concurrent redo failed", "error", err)
		}

		return err
	}

	if _, err := c.deps.Checkpointer.SynchTake(c.deps.Snapshot()); err != nil {
		return fmt.Errorf("recover: post-redo checkpoint: %w", err)
	}

	c.state.setMode(InUndo)

	_, span := tracer.Start(ctx, "recovery.undo")
	defer span.End()

	err := UndoTransactionDriven(c.deps.TxnTable, c.deps.Abort, c.deps.ForceLog, func() {
		c.state.mu.Lock()
		c.state.commitLSN = optional.None[common.LSN]()
		c.state.mu.Unlock()
	})
	if err != nil {
		span.RecordError(err)

		if log != nil {
			log.Errorw("concurrent undo failed", "error", err)
		}

		return err
	}

	if _, err := c.deps.Checkpointer.SynchTake(c.deps.Snapshot()); err != nil {
		return fmt.Errorf("recover: post-undo checkpoint: %w", err)
	}

	if log != nil {
		log.Infow("concurrent recovery worker finished")
	}

	return nil
}

// withInDoubtGauge registers an observable gauge publishing the
// buffer pool's live in_doubt_count for the duration of fn, so an
// operator can watch Redo drain the in-doubt set.
func (c *Coordinator) withInDoubtGauge(fn func() error) error {
	gauge, err := meter.Int64ObservableGauge("recovery.in_doubt_count")
	if err != nil {
		return fn()
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(c.deps.BufferPool.InDoubtCount()))
		return nil
	}, gauge)
	if err == nil {
		defer reg.Unregister() //nolint:errcheck
	}

	return fn()
}
