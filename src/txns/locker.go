package txns

import (
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/optional"
	"github.com/ariesdb/enginecore/src/pkg/utils"
)

type PageID = common.PageID
type FileID = common.FileID

type Locker struct {
	catalogLockManager *Manager[GranularLockMode, struct{}]
	fileLockManager    *Manager[GranularLockMode, FileID] // for indexes and tables
	pageLockManager    *Manager[PageLockMode, common.PageIdentity]
}

func NewLocker() *Locker {
	return &Locker{
		catalogLockManager: NewManager[GranularLockMode, struct{}](),
		fileLockManager:    NewManager[GranularLockMode, FileID](),
		pageLockManager:    NewManager[PageLockMode, common.PageIdentity](),
	}
}

type catalogLockToken struct {
	txnID TxnID
}

func newCatalogLockToken(txnID TxnID) *catalogLockToken {
	return &catalogLockToken{
		txnID: txnID,
	}
}

// NewNilCatalogLockToken builds a token without going through
// LockCatalog, for transactions that never acquired the catalog lock
// through the normal admission path. The recovery paths release locks
// through ReleaseAll instead.
func NewNilCatalogLockToken(txnID TxnID) *catalogLockToken {
	return newCatalogLockToken(txnID)
}

type tableLockToken struct {
	txnID   TxnID
	tableID FileID
}

func newTableLockToken(txnID TxnID, tableID FileID) *tableLockToken {
	return &tableLockToken{
		tableID: tableID,
		txnID:   txnID,
	}
}

func (l *Locker) LockCatalog(
	txnID TxnID,
	lockMode GranularLockMode,
) optional.Optional[utils.Pair[<-chan struct{}, *catalogLockToken]] {
	r := TxnLockRequest[GranularLockMode, struct{}]{
		txnID:    txnID,
		objectId: struct{}{},
		lockMode: lockMode,
	}

	n := l.catalogLockManager.Lock(r)
	if n == nil {
		return optional.None[utils.Pair[<-chan struct{}, *catalogLockToken]]()
	}

	return optional.Some(
		utils.Pair[<-chan struct{}, *catalogLockToken]{
			First:  n,
			Second: newCatalogLockToken(r.txnID),
		},
	)
}

func (l *Locker) LockTable(
	t *catalogLockToken,
	tableID FileID,
	lockMode GranularLockMode,
) optional.Optional[utils.Pair[<-chan struct{}, *tableLockToken]] {
	n := l.fileLockManager.Lock(TxnLockRequest[GranularLockMode, FileID]{
		txnID:    t.txnID,
		objectId: tableID,
		lockMode: lockMode,
	})
	if n == nil {
		return optional.None[utils.Pair[<-chan struct{}, *tableLockToken]]()
	}

	tt := newTableLockToken(t.txnID, tableID)

	return optional.Some(
		utils.Pair[<-chan struct{}, *tableLockToken]{
			First:  n,
			Second: tt,
		},
	)
}

func (l *Locker) LockPage(
	t *tableLockToken,
	pageID PageID,
	lockMode PageLockMode,
) optional.Optional[<-chan struct{}] {
	pageIdent := common.PageIdentity{
		FileID: t.tableID,
		PageID: pageID,
	}

	lockRequest := TxnLockRequest[PageLockMode, common.PageIdentity]{
		txnID:    t.txnID,
		objectId: pageIdent,
		lockMode: lockMode,
	}

	n := l.pageLockManager.Lock(lockRequest)
	if n == nil {
		return optional.None[<-chan struct{}]()
	}
	return optional.Some(n)
}

func (l *Locker) Unlock(t *catalogLockToken) {
	l.ReleaseAll(t.txnID)
}

// ReleaseAll drops every lock txnID holds across all three
// granularities. Recovery's Undo pass calls this once a loser
// transaction's compensation chain has been fully applied, instead of
// going through the normal catalog-token unlock path (a recovering
// transaction never acquired one).
func (l *Locker) ReleaseAll(txnID TxnID) {
	l.catalogLockManager.UnlockAll(txnID)
	l.fileLockManager.UnlockAll(txnID)
	l.pageLockManager.UnlockAll(txnID)
}
