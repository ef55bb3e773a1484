package txns

import (
	"math"
	"sync"

	"github.com/ariesdb/enginecore/src/pkg/assert"
)

type txnQueueEntry[LockModeType LockMode[LockModeType], ObjectIDType comparable] struct {
	r         TxnLockRequest[LockModeType, ObjectIDType]
	notifier  chan struct{}
	isRunning bool

	mu   sync.Mutex
	next *txnQueueEntry[LockModeType, ObjectIDType]
	prev *txnQueueEntry[LockModeType, ObjectIDType]
}

// SafeNext advances hand-over-hand: the next entry is locked before the
// current one is released. The caller must hold lockedEntry.mu and
// receives next locked.
func (lockedEntry *txnQueueEntry[LockModeType, ObjectIDType]) SafeNext() *txnQueueEntry[LockModeType, ObjectIDType] {
	next := lockedEntry.next
	assert.Assert(next != nil, "precondition is violated")

	next.mu.Lock()
	lockedEntry.mu.Unlock()

	return next
}

// SafeInsert links n immediately after the locked entry, locking the
// successor just long enough to fix its prev pointer.
func (lockedEntry *txnQueueEntry[LockModeType, ObjectIDType]) SafeInsert(n *txnQueueEntry[LockModeType, ObjectIDType]) {
	next := lockedEntry.next

	n.prev = lockedEntry
	n.next = next

	lockedEntry.next = n

	next.mu.Lock()
	next.prev = n
	next.mu.Unlock()
}

// txnQueue is a FIFO wait queue for one lockable object. Entries
// between head and tail hold or await the lock; only a prefix of the
// queue may be in the running state.
type txnQueue[LockModeType LockMode[LockModeType], ObjectIDType comparable] struct {
	head *txnQueueEntry[LockModeType, ObjectIDType]
	tail *txnQueueEntry[LockModeType, ObjectIDType]

	mu       sync.Mutex
	txnNodes map[TxnID]*txnQueueEntry[LockModeType, ObjectIDType]
}

// processBatch walks forward from muGuardedHead and grants every entry
// whose mode is compatible with all modes granted so far in this batch,
// closing each notifier. It stops at the first incompatible mode, which
// keeps the running entries a strict queue prefix. muGuardedHead must
// be locked and not yet running.
func (q *txnQueue[LockModeType, ObjectIDType]) processBatch(muGuardedHead *txnQueueEntry[LockModeType, ObjectIDType]) {
	assert.Assert(!muGuardedHead.isRunning, "processBatch contract is violated")

	cur := muGuardedHead
	defer func() { cur.mu.Unlock() }()

	if cur == q.tail {
		return
	}

	seenLockModes := make(map[LockMode[LockModeType]]struct{})
outer:
	for {
		for seenMode := range seenLockModes {
			if !seenMode.Compatible(cur.r.lockMode) {
				break outer
			}
		}

		seenLockModes[cur.r.lockMode] = struct{}{}

		cur.isRunning = true
		close(cur.notifier) // grants the lock to the transaction

		if cur.next == q.tail {
			break
		}

		cur = cur.SafeNext()
		assert.Assert(!cur.isRunning, "only list prefix is allowed to be in the locked state")
	}
}

func newTxnQueue[LockModeType LockMode[LockModeType], ObjectIDType comparable]() *txnQueue[LockModeType, ObjectIDType] {
	head := &txnQueueEntry[LockModeType, ObjectIDType]{
		r: TxnLockRequest[LockModeType, ObjectIDType]{
			txnID: math.MaxUint64, // Needed for the deadlock prevention policy
		},
	}
	tail := &txnQueueEntry[LockModeType, ObjectIDType]{
		r: TxnLockRequest[LockModeType, ObjectIDType]{
			txnID: 0, // Needed for the deadlock prevention policy
		},
	}
	head.next = tail
	tail.prev = head

	q := &txnQueue[LockModeType, ObjectIDType]{
		head: head,
		tail: tail,

		mu:       sync.Mutex{},
		txnNodes: map[TxnID]*txnQueueEntry[LockModeType, ObjectIDType]{},
	}

	return q
}

// checkDeadlockCondition encodes the wait policy: only an older
// transaction may wait for a younger one. A younger transaction that
// would have to wait is aborted instead.
func checkDeadlockCondition(runnerID TxnID, waiterID TxnID) bool {
	return runnerID < waiterID
}

// Lock enqueues the request. When the mode is compatible with every
// running holder the lock is granted immediately and a closed channel
// is returned; otherwise the request waits in queue order and the
// returned channel is closed on grant. Returns nil when the wait
// policy demands the requester abort.
func (q *txnQueue[LockModeType, ObjectIDType]) Lock(r TxnLockRequest[LockModeType, ObjectIDType]) <-chan struct{} {
	// Fast path: the queue is empty
	cur := q.head
	cur.mu.Lock()
	defer func() { cur.mu.Unlock() }()

	if cur.next == q.tail {
		notifier := make(chan struct{})
		close(notifier) // Grant the lock immediately
		newNode := &txnQueueEntry[LockModeType, ObjectIDType]{
			r:         r,
			notifier:  nil,
			isRunning: true,
		}
		cur.SafeInsert(newNode)

		q.mu.Lock()
		q.txnNodes[r.txnID] = newNode
		q.mu.Unlock()

		return notifier
	}

	cur = cur.SafeNext()
	locksAreCompatible := true
	deadlockCondition := false
	for cur.isRunning {
		assert.Assert(
			cur.r.txnID != r.txnID,
			"trying to lock already locked transaction. %+v",
			r,
		)

		deadlockCondition = deadlockCondition || checkDeadlockCondition(cur.r.txnID, r.txnID)
		locksAreCompatible = locksAreCompatible && r.lockMode.Compatible(cur.r.lockMode)
		if !locksAreCompatible {
			break
		}

		if cur.next == q.tail {
			notifier := make(chan struct{})
			close(notifier) // Grant the lock immediately
			newNode := &txnQueueEntry[LockModeType, ObjectIDType]{
				r:         r,
				notifier:  nil,
				isRunning: true,
			}
			cur.SafeInsert(newNode)

			q.mu.Lock()
			q.txnNodes[r.txnID] = newNode
			q.mu.Unlock()

			return notifier
		}
		cur = cur.SafeNext()
	}

	if deadlockCondition {
		return nil
	}

	for cur.next != q.tail {
		cur = cur.SafeNext()
		assert.Assert(
			cur.r.txnID != r.txnID,
			"trying to lock already locked transaction. %+v",
			r,
		)

		if checkDeadlockCondition(cur.r.txnID, r.txnID) {
			return nil
		}
	}

	notifier := make(chan struct{})
	newNode := &txnQueueEntry[LockModeType, ObjectIDType]{
		r:         r,
		notifier:  notifier,
		isRunning: false,
	}
	cur.SafeInsert(newNode)

	q.mu.Lock()
	q.txnNodes[r.txnID] = newNode
	q.mu.Unlock()

	return notifier
}

// Upgrade re-enqueues an already-granted entry right after the running
// prefix so the stronger mode is granted as soon as the other holders
// drain. A sole holder is re-granted immediately. Returns nil when the
// upgrade would wait on an older holder (the wait policy demands the
// upgrader abort) or when lock contention forces the caller to retry.
func (q *txnQueue[LockModeType, ObjectIDType]) Upgrade(r TxnLockRequest[LockModeType, ObjectIDType]) <-chan struct{} {
	q.mu.Lock()
	cur, exists := q.txnNodes[r.txnID]
	q.mu.Unlock()

	assert.Assert(exists, "transaction %+v hasn't locked object %+v. request: %+v", r.txnID, r.objectId, r)
	cur.mu.Lock()
	assert.Assert(cur.isRunning, "can't upgrade a lock: it wasn't acquired yet. request: %+v", r)

	first := cur.prev
	if !first.mu.TryLock() {
		cur.mu.Unlock()
		return nil // the caller should retry
	}
	defer first.mu.Unlock()

	if first.isRunning && checkDeadlockCondition(first.r.txnID, r.txnID) {
		cur.mu.Unlock()
		return nil
	}

	next := cur.next
	next.mu.Lock()

	soleRunner := first == q.head && !next.isRunning

	for next.isRunning {
		if checkDeadlockCondition(next.r.txnID, r.txnID) {
			next.mu.Unlock()
			cur.mu.Unlock()
			return nil
		}

		tmp := next.next
		tmp.mu.Lock()
		cur.mu.Unlock()
		cur = next
		next = tmp
	}

	c := make(chan struct{})
	e := &txnQueueEntry[LockModeType, ObjectIDType]{
		r:         r,
		notifier:  c,
		isRunning: false,
		mu:        sync.Mutex{},
		next:      next,
		prev:      cur,
	}

	cur.next = e
	next.prev = e

	q.mu.Lock()
	q.txnNodes[r.txnID] = e
	q.mu.Unlock()

	cur.mu.Unlock()
	next.mu.Unlock()

	second := first.next
	second.mu.Lock()
	defer second.mu.Unlock()

	third := second.next
	third.mu.Lock()
	defer third.mu.Unlock()

	first.next = third
	third.prev = first

	// With no other holders the stronger mode is grantable right away;
	// third is the re-enqueued entry in that case.
	if soleRunner {
		third.isRunning = true
		close(c)
	}

	return c
}

// Unlock removes the transaction's entry and, when the release opens
// the head of the queue, grants the next batch. Returns false when the
// predecessor could not be locked without blocking; the caller retries.
func (q *txnQueue[LockModeType, ObjectIDType]) Unlock(r TxnUnlockRequest[ObjectIDType]) bool {
	q.mu.Lock()
	deletingNode, present := q.txnNodes[r.txnID]
	q.mu.Unlock()

	assert.Assert(present, "node not found. %+v", r)

	deletingNode.mu.Lock()
	defer deletingNode.mu.Unlock()

	prev := deletingNode.prev
	// TODO: rework this into something NOT using retries.
	// Potential solution: a tombstone marker, with deleted nodes
	// cleaned up during the next insert.
	if !prev.mu.TryLock() {
		return false
	}

	q.mu.Lock()
	delete(q.txnNodes, r.txnID)
	q.mu.Unlock()

	next := deletingNode.next
	next.mu.Lock()
	next.prev = prev
	next.mu.Unlock()

	prev.next = next
	if deletingNode.isRunning && prev == q.head && !next.isRunning {
		q.processBatch(prev.SafeNext())
		return true
	}
	prev.mu.Unlock()

	return true
}
