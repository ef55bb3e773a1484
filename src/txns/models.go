package txns

import (
	"github.com/ariesdb/enginecore/src/pkg/common"
)

// TxnID is a monotonically increasing counter, unique across
// transactions within a single engine instance.
type TxnID = common.TxnID

// taggedMode wraps a raw mode value so one lock-mode family cannot be
// cast to another.
type taggedMode[T any] struct{ v T }

// PageLockMode is the two-mode lattice used at page granularity.
type PageLockMode taggedMode[uint8]

// GranularLockMode is the five-mode intention-lock lattice used at the
// catalog and file granularities.
type GranularLockMode taggedMode[uint8]

// GranularLock is what a wait queue needs from a lock mode: pairwise
// compatibility and the upgrade relation.
type GranularLock[Lock any] interface {
	Compatible(Lock) bool
	Upgradable(Lock) bool
}

// LockMode is the constraint the lock manager and its wait queues are
// written against; GranularLock is its concrete definition.
type LockMode[Lock any] = GranularLock[Lock]

var (
	PAGE_LOCK_SHARED    = PageLockMode{0}
	PAGE_LOCK_EXCLUSIVE = PageLockMode{1}
)

var (
	GRANULAR_LOCK_INTENTION_SHARED           = GranularLockMode{0}
	GRANULAR_LOCK_INTENTION_EXCLUSIVE        = GranularLockMode{1}
	GRANULAR_LOCK_SHARED                     = GranularLockMode{2}
	GRANULAR_LOCK_SHARED_INTENTION_EXCLUSIVE = GranularLockMode{3}
	GRANULAR_LOCK_EXCLUSIVE                  = GranularLockMode{4}
)

var (
	_ GranularLock[PageLockMode]     = PageLockMode{0}
	_ GranularLock[GranularLockMode] = GranularLockMode{0}
)

func (m PageLockMode) Compatible(other PageLockMode) bool {
	return m == PAGE_LOCK_SHARED && other == PAGE_LOCK_SHARED
}

func (m PageLockMode) Upgradable(to PageLockMode) bool {
	if m == PAGE_LOCK_EXCLUSIVE {
		return to == PAGE_LOCK_EXCLUSIVE
	}

	return true
}

// Rows are the held mode, columns the requested mode, in declaration
// order: IS, IX, S, SIX, X.
var granularCompat = [5][5]bool{
	{true, true, true, true, false},     // IS
	{true, true, false, false, false},   // IX
	{true, false, true, false, false},   // S
	{true, false, false, false, false},  // SIX
	{false, false, false, false, false}, // X
}

func (m GranularLockMode) Compatible(other GranularLockMode) bool {
	return granularCompat[m.v][other.v]
}

// granularUpgrade follows strict 2PL: a mode may only move up the
// lattice, and IX has no upgrade path at all (an IX holder escalates by
// re-acquiring, not upgrading).
var granularUpgrade = [5][5]bool{
	{true, true, true, true, true},      // IS
	{false, false, false, false, false}, // IX
	{false, false, true, true, true},    // S
	{false, false, false, true, true},   // SIX
	{false, false, false, false, false}, // X
}

func (m GranularLockMode) Upgradable(to GranularLockMode) bool {
	return granularUpgrade[m.v][to.v]
}

// TxnLockRequest asks for lockMode on objectId on behalf of txnID.
type TxnLockRequest[LockModeType GranularLock[LockModeType], ObjectIDType comparable] struct {
	txnID    TxnID
	objectId ObjectIDType
	lockMode LockModeType
}

func NewTxnLockRequest[LockModeType GranularLock[LockModeType], ObjectIDType comparable](
	txnID TxnID,
	objectId ObjectIDType,
	lockMode LockModeType,
) *TxnLockRequest[LockModeType, ObjectIDType] {
	return &TxnLockRequest[LockModeType, ObjectIDType]{
		txnID:    txnID,
		objectId: objectId,
		lockMode: lockMode,
	}
}

type TxnUnlockRequest[ObjectIDType comparable] struct {
	txnID    TxnID
	objectId ObjectIDType
}

func NewTxnUnlockRequest[ObjectIDType comparable](
	txnID TxnID,
	objectId ObjectIDType,
) *TxnUnlockRequest[ObjectIDType] {
	return &TxnUnlockRequest[ObjectIDType]{
		txnID:    txnID,
		objectId: objectId,
	}
}
