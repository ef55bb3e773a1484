package txns

import (
	"runtime"
	"sync"

	"github.com/ariesdb/enginecore/src/pkg/assert"
)

// Manager serializes lock traffic for one granularity level. Each
// object gets its own wait queue; a per-transaction index of held
// objects backs UnlockAll.
type Manager[LockModeType LockMode[LockModeType], ObjectIDType comparable] struct {
	qsGuard sync.Mutex
	qs      map[ObjectIDType]*txnQueue[LockModeType, ObjectIDType]

	heldGuard sync.Mutex
	held      map[TxnID]map[ObjectIDType]struct{}
}

func NewManager[LockModeType LockMode[LockModeType], ObjectIDType comparable]() *Manager[LockModeType, ObjectIDType] {
	return &Manager[LockModeType, ObjectIDType]{
		qsGuard:   sync.Mutex{},
		qs:        map[ObjectIDType]*txnQueue[LockModeType, ObjectIDType]{},
		heldGuard: sync.Mutex{},
		held:      map[TxnID]map[ObjectIDType]struct{}{},
	}
}

// Lock enqueues the request and returns a channel that is closed once
// the lock is granted. A nil result means the request lost a deadlock
// check and the transaction must abort. A transaction may hold at most
// one lock per object; re-locking is a bug in the caller.
func (m *Manager[LockModeType, ObjectIDType]) Lock(
	r TxnLockRequest[LockModeType, ObjectIDType],
) <-chan struct{} {
	q := func() *txnQueue[LockModeType, ObjectIDType] {
		m.qsGuard.Lock()
		defer m.qsGuard.Unlock()

		q, ok := m.qs[r.objectId]
		if !ok {
			q = newTxnQueue[LockModeType, ObjectIDType]()
			m.qs[r.objectId] = q
		}

		return q
	}()

	notifier := q.Lock(r)
	if notifier == nil {
		return nil
	}

	func() {
		m.heldGuard.Lock()
		defer m.heldGuard.Unlock()

		heldObjects, ok := m.held[r.txnID]
		if !ok {
			heldObjects = make(map[ObjectIDType]struct{})
			m.held[r.txnID] = heldObjects
		}

		_, isAlreadyLocked := heldObjects[r.objectId]
		assert.Assert(!isAlreadyLocked,
			"object %+v is already locked by transaction %+v",
			r.objectId,
			r.txnID)

		heldObjects[r.objectId] = struct{}{}
	}()

	return notifier
}

// Upgrade moves an already-held lock up the mode lattice. It returns a
// channel closed once the upgrade is granted, or nil when the upgrade
// would deadlock and the transaction must abort. The object must
// already be locked by this transaction.
func (m *Manager[LockModeType, ObjectIDType]) Upgrade(
	r TxnLockRequest[LockModeType, ObjectIDType],
) <-chan struct{} {
	q := func() *txnQueue[LockModeType, ObjectIDType] {
		m.qsGuard.Lock()
		defer m.qsGuard.Unlock()

		q, present := m.qs[r.objectId]
		assert.Assert(present,
			"trying to upgrade a lock on an unlocked object. request: %+v",
			r)

		return q
	}()

	return q.Upgrade(r)
}

// Unlock releases one held lock and wakes whatever the release makes
// grantable. Panics if the object is not locked by this transaction.
func (m *Manager[LockModeType, ObjectIDType]) Unlock(
	r TxnUnlockRequest[ObjectIDType],
) {
	q := func() *txnQueue[LockModeType, ObjectIDType] {
		m.qsGuard.Lock()
		defer m.qsGuard.Unlock()

		q, present := m.qs[r.objectId]
		assert.Assert(present,
			"trying to unlock an object that was never locked. objectId: %+v",
			r.objectId)

		return q
	}()

	for !q.Unlock(r) {
		runtime.Gosched()
	}

	func() {
		m.heldGuard.Lock()
		defer m.heldGuard.Unlock()

		heldObjects, exist := m.held[r.txnID]
		assert.Assert(exist,
			"expected a held-objects set for transaction %+v",
			r.txnID,
		)
		delete(heldObjects, r.objectId)
	}()
}

// UnlockAll releases every lock the transaction holds at this
// granularity. A transaction with no locks is a no-op, so rollback
// paths can call it unconditionally.
func (m *Manager[LockModeType, ObjectIDType]) UnlockAll(txnID TxnID) {
	heldObjects := func() map[ObjectIDType]struct{} {
		m.heldGuard.Lock()
		defer m.heldGuard.Unlock()

		heldObjects, ok := m.held[txnID]
		if !ok {
			return nil
		}
		delete(m.held, txnID)

		return heldObjects
	}()

	unlockRequest := TxnUnlockRequest[ObjectIDType]{
		txnID: txnID,
	}

	for objectId := range heldObjects {
		q := func() *txnQueue[LockModeType, ObjectIDType] {
			m.qsGuard.Lock()
			defer m.qsGuard.Unlock()

			q, present := m.qs[objectId]
			assert.Assert(
				present,
				"held object %+v has no wait queue",
				objectId,
			)

			return q
		}()

		unlockRequest.objectId = objectId
		for !q.Unlock(unlockRequest) {
			runtime.Gosched()
		}
	}
}
