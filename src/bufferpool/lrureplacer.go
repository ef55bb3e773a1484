package bufferpool

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// LRUReplacer tracks unpinned frames and picks an eviction victim in
// LRU order. It wraps hashicorp/golang-lru's simplelru list instead of
// reimplementing the container/list + map pairing by hand.
type LRUReplacer struct {
	mu  sync.Mutex
	lru *lru.LRU[common.PageIdentity, struct{}]
}

var (
	_ Replacer = &LRUReplacer{}
)

// unboundedCapacity is large enough that simplelru never evicts on its
// own; eviction decisions belong to ChooseVictim, called explicitly by
// the buffer pool.
const unboundedCapacity = 1 << 20

func NewLRUReplacer() *LRUReplacer {
	l, err := lru.NewLRU[common.PageIdentity, struct{}](unboundedCapacity, nil)
	if err != nil {
		panic(err)
	}

	return &LRUReplacer{lru: l}
}

func (l *LRUReplacer) Pin(frameID common.PageIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lru.Remove(frameID)
}

func (l *LRUReplacer) Unpin(frameID common.PageIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lru.Contains(frameID) {
		return
	}

	l.lru.Add(frameID, struct{}{})
}

func (l *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frameID, _, ok := l.lru.RemoveOldest()
	if !ok {
		return common.PageIdentity{}, errors.New("no victim available")
	}

	return frameID, nil
}

func (l *LRUReplacer) GetSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return uint64(l.lru.Len())
}
