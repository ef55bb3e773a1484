package bufferpool

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ariesdb/enginecore/src/pkg/assert"
	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/storage/page"
)

var ErrNoSuchPage = errors.New("no such page")

// ErrPastEndOfFile is re-exported from common so callers can keep
// matching on bufferpool.ErrPastEndOfFile; the sentinel itself lives in
// common to avoid disk <-> bufferpool import cycle.
var ErrPastEndOfFile = common.ErrPastEndOfFile

// Replacer picks an eviction victim among currently-unpinned pages.
type Replacer interface {
	Pin(pageID common.PageIdentity)
	Unpin(pageID common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error)
	GetSize() uint64
}

// DiskManager reads and writes whole pages by identity.
type DiskManager interface {
	ReadPage(pageIdent common.PageIdentity) (*page.SlottedPage, error)
	WritePage(page *page.SlottedPage, pageIdent common.PageIdentity) error
}

// PageControlBlock is the per-buffer-slot metadata recovery drives
// directly: whether the page is a recovery-registered in-doubt page,
// whether it carries unflushed updates, and the two LSN watermarks
// Analysis/Redo maintain for it.
type PageControlBlock struct {
	PageID common.PageIdentity

	InDoubt bool
	Dirty   bool
	Used    bool

	// RecLSN is the earliest LSN that may have dirtied this page -
	// Redo never needs to start scanning earlier than the minimum
	// RecLSN across all in-doubt pages.
	RecLSN common.LSN

	// ExpectedLastWriteLSN is staged by Analysis for pages that turn
	// out virgin or corrupted; it's handed to single-page repair as
	// the EMLSN to reconstruct against.
	ExpectedLastWriteLSN common.LSN
}

type frameInfo struct {
	frameID  uint64
	pinCount int
	isDirty  bool
}

// Manager is the production buffer pool: a fixed-size pool of
// SlottedPage frames backed by a DiskManager, with no-force/steal
// semantics and the extra in-doubt/control-block bookkeeping the
// recovery coordinator needs to drive Redo.
type Manager struct {
	poolSize uint64

	pagesMu   sync.RWMutex
	pageTable map[common.PageIdentity]frameInfo
	frames    []*page.SlottedPage

	emptyFramesMu sync.Mutex
	emptyFrames   []uint64

	replacer    Replacer
	diskManager DiskManager

	dptMu sync.RWMutex
	dpt   map[common.PageIdentity]common.LogRecordLocInfo

	cbMu          sync.RWMutex
	controlBlocks map[common.PageIdentity]*PageControlBlock
	inDoubtCount  int

	swizzlingEnabled bool
}

var (
	_ BufferPool = &Manager{}
)

// BufferPool is the interface the recovery coordinator and passes
// depend on. It is intentionally non-generic: this module has exactly
// one page representation, the SlottedPage.
type BufferPool interface {
	GetPage(common.PageIdentity) (*page.SlottedPage, error)
	GetPageNoCreate(common.PageIdentity) (*page.SlottedPage, error)
	Unpin(common.PageIdentity)
	FlushPage(common.PageIdentity) error
	FlushAllPages() error
	MarkDirty(common.PageIdentity, common.LogRecordLocInfo)
	GetDirtyPageTable() map[common.PageIdentity]common.LogRecordLocInfo

	RegisterAndMarkInDoubt(pageID common.PageIdentity, lsn common.LSN) *PageControlBlock
	LookupInDoubt(pageID common.PageIdentity) (*PageControlBlock, bool)
	ClearInDoubt(pageID common.PageIdentity, keepUsed bool)
	InDoubtToDirty(pageID common.PageIdentity)
	LoadForRedo(pageID common.PageIdentity) (*page.SlottedPage, bool, error)
	GetControlBlock(pageID common.PageIdentity) (*PageControlBlock, bool)
	SetSwizzlingEnabled(bool)
	ForceAll() error
	GetBlockCount() int
	GetRootPageIdx(fileID common.FileID) common.PageIdentity
	InDoubtCount() int
	InDoubtPageIDs() []common.PageIdentity
}

func New(poolSize uint64, replacer Replacer, diskManager DiskManager) (*Manager, error) {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		emptyFrames[i] = i
	}

	return &Manager{
		poolSize:      poolSize,
		pageTable:     make(map[common.PageIdentity]frameInfo),
		frames:        make([]*page.SlottedPage, poolSize),
		emptyFrames:   emptyFrames,
		replacer:      replacer,
		diskManager:   diskManager,
		dpt:           make(map[common.PageIdentity]common.LogRecordLocInfo),
		controlBlocks: make(map[common.PageIdentity]*PageControlBlock),
	}, nil
}

func (m *Manager) Unpin(pageID common.PageIdentity) {
	m.pagesMu.Lock()
	defer m.pagesMu.Unlock()

	info, ok := m.pageTable[pageID]
	assert.Assert(ok, "page %v not found in page table", pageID)
	assert.Assert(info.pinCount > 0, "page %v has already been unpinned", pageID)

	info.pinCount--
	m.pageTable[pageID] = info

	if info.pinCount == 0 {
		m.replacer.Unpin(pageID)
	}
}

func (m *Manager) reserveFrame() (uint64, bool) {
	m.emptyFramesMu.Lock()
	defer m.emptyFramesMu.Unlock()

	if len(m.emptyFrames) == 0 {
		return 0, false
	}

	id := m.emptyFrames[0]
	m.emptyFrames = m.emptyFrames[1:]

	return id, true
}

func (m *Manager) GetPage(pageID common.PageIdentity) (*page.SlottedPage, error) {
	m.pagesMu.Lock()

	if info, ok := m.pageTable[pageID]; ok {
		info.pinCount++
		m.pageTable[pageID] = info
		m.replacer.Pin(pageID)
		p := m.frames[info.frameID]
		m.pagesMu.Unlock()

		return p, nil
	}
	m.pagesMu.Unlock()

	p, err := m.diskManager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}

	return m.install(pageID, p)
}

// GetPageNoCreate returns a page only if it is already buffer-resident
// - used by the log-driven Redo pass, which must not pull a page into
// the pool just to discover it was never touched.
func (m *Manager) GetPageNoCreate(pageID common.PageIdentity) (*page.SlottedPage, error) {
	m.pagesMu.Lock()
	defer m.pagesMu.Unlock()

	info, ok := m.pageTable[pageID]
	if !ok {
		return nil, ErrNoSuchPage
	}

	info.pinCount++
	m.pageTable[pageID] = info
	m.replacer.Pin(pageID)

	return m.frames[info.frameID], nil
}

func (m *Manager) install(pageID common.PageIdentity, p *page.SlottedPage) (*page.SlottedPage, error) {
	m.pagesMu.Lock()
	if info, ok := m.pageTable[pageID]; ok {
		info.pinCount++
		m.pageTable[pageID] = info
		m.replacer.Pin(pageID)
		existing := m.frames[info.frameID]
		m.pagesMu.Unlock()

		return existing, nil
	}
	m.pagesMu.Unlock()

	if frameID, ok := m.reserveFrame(); ok {
		m.pagesMu.Lock()
		m.frames[frameID] = p
		m.pageTable[pageID] = frameInfo{frameID: frameID, pinCount: 1}
		m.pagesMu.Unlock()
		m.replacer.Pin(pageID)

		return p, nil
	}

	victimID, err := m.replacer.ChooseVictim()
	if err != nil {
		return nil, fmt.Errorf("no free frame and no victim available: %w", err)
	}

	m.pagesMu.Lock()
	victimInfo := m.pageTable[victimID]
	victimPage := m.frames[victimInfo.frameID]

	if victimPage.IsDirty() {
		m.pagesMu.Unlock()

		if err := m.diskManager.WritePage(victimPage, victimID); err != nil {
			return nil, fmt.Errorf("failed to flush victim page: %w", err)
		}

		m.dptMu.Lock()
		delete(m.dpt, victimID)
		m.dptMu.Unlock()

		m.pagesMu.Lock()
	}

	delete(m.pageTable, victimID)
	m.frames[victimInfo.frameID] = p
	m.pageTable[pageID] = frameInfo{frameID: victimInfo.frameID, pinCount: 1}
	m.pagesMu.Unlock()

	m.replacer.Pin(pageID)

	return p, nil
}

func (m *Manager) FlushPage(pageID common.PageIdentity) error {
	m.pagesMu.Lock()
	info, ok := m.pageTable[pageID]
	if !ok {
		m.pagesMu.Unlock()
		return ErrNoSuchPage
	}

	p := m.frames[info.frameID]
	m.pagesMu.Unlock()

	if !p.IsDirty() {
		return nil
	}

	if err := m.diskManager.WritePage(p, pageID); err != nil {
		return fmt.Errorf("failed to write page to disk: %w", err)
	}

	p.SetDirtiness(false)

	m.dptMu.Lock()
	delete(m.dpt, pageID)
	m.dptMu.Unlock()

	return nil
}

// FlushAllPages writes every dirty buffer-resident page to disk. No
// page latch is taken; it keeps going past a failed write and returns
// the first error it met.
func (m *Manager) FlushAllPages() error {
	m.pagesMu.RLock()
	ids := make([]common.PageIdentity, 0, len(m.pageTable))
	for id := range m.pageTable {
		ids = append(ids, id)
	}
	m.pagesMu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.FlushPage(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ForceAll is an alias for FlushAllPages matching the coordinator's
// vocabulary.
func (m *Manager) ForceAll() error {
	return m.FlushAllPages()
}

func (m *Manager) MarkDirty(pageID common.PageIdentity, loc common.LogRecordLocInfo) {
	m.dptMu.Lock()
	defer m.dptMu.Unlock()

	if _, ok := m.dpt[pageID]; !ok {
		m.dpt[pageID] = loc
	}
}

func (m *Manager) GetDirtyPageTable() map[common.PageIdentity]common.LogRecordLocInfo {
	m.dptMu.RLock()
	defer m.dptMu.RUnlock()

	return maps.Clone(m.dpt)
}

// RegisterAndMarkInDoubt registers page p as in-doubt with the given
// rec_lsn, lowering the existing rec_lsn if p is already registered.
// Idempotent, so Analysis can re-register on every record that touches
// the page.
func (m *Manager) RegisterAndMarkInDoubt(pageID common.PageIdentity, lsn common.LSN) *PageControlBlock {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	cb, ok := m.controlBlocks[pageID]
	if !ok {
		cb = &PageControlBlock{PageID: pageID}
		m.controlBlocks[pageID] = cb
	}

	if !cb.InDoubt {
		cb.InDoubt = true
		m.inDoubtCount++
	}

	if cb.RecLSN == 0 || lsn < cb.RecLSN {
		cb.RecLSN = lsn
	}

	return cb
}

func (m *Manager) LookupInDoubt(pageID common.PageIdentity) (*PageControlBlock, bool) {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()

	cb, ok := m.controlBlocks[pageID]
	if !ok || !cb.InDoubt {
		return nil, false
	}

	return cb, true
}

func (m *Manager) GetControlBlock(pageID common.PageIdentity) (*PageControlBlock, bool) {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()

	cb, ok := m.controlBlocks[pageID]

	return cb, ok
}

// ClearInDoubt clears the in_doubt flag without transitioning to
// dirty - used by Analysis for page-alloc/page-dealloc records, which
// resolve a prior in-doubt registration without it ever needing a
// redo pass.
func (m *Manager) ClearInDoubt(pageID common.PageIdentity, keepUsed bool) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	cb, ok := m.controlBlocks[pageID]
	if !ok || !cb.InDoubt {
		return
	}

	cb.InDoubt = false
	cb.Used = keepUsed
	m.inDoubtCount--
}

// InDoubtToDirty performs the one-way in_doubt -> dirty transition
// Redo makes once it has successfully reapplied at least one record to
// the page.
func (m *Manager) InDoubtToDirty(pageID common.PageIdentity) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	cb, ok := m.controlBlocks[pageID]
	assert.Assert(ok, "in_doubt_to_dirty on unregistered page %v", pageID)
	assert.Assert(cb.InDoubt, "in_doubt_to_dirty on a page that isn't in_doubt")

	cb.InDoubt = false
	cb.Dirty = true
	m.inDoubtCount--
}

func (m *Manager) InDoubtCount() int {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()

	return m.inDoubtCount
}

// InDoubtPageIDs lists every page currently registered in-doubt, the
// iteration set page-driven Redo walks instead of rescanning the log.
func (m *Manager) InDoubtPageIDs() []common.PageIdentity {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()

	out := make([]common.PageIdentity, 0, m.inDoubtCount)

	for id, cb := range m.controlBlocks {
		if cb.InDoubt {
			out = append(out, id)
		}
	}

	return out
}

// LoadForRedo brings an in-doubt page into the pool for Redo, without
// going through the normal pin-counting path (Redo manages its own
// latch discipline). The bool result reports whether the page was
// found to be virgin (past end-of-file).
func (m *Manager) LoadForRedo(pageID common.PageIdentity) (*page.SlottedPage, bool, error) {
	p, err := m.diskManager.ReadPage(pageID)
	if err != nil {
		if errors.Is(err, ErrPastEndOfFile) {
			fresh := page.NewSlottedPage()

			if _, err := m.install(pageID, fresh); err != nil {
				return nil, true, err
			}

			return fresh, true, nil
		}

		return nil, false, err
	}

	if _, err := m.install(pageID, p); err != nil {
		return nil, false, err
	}

	return p, false, nil
}

func (m *Manager) SetSwizzlingEnabled(enabled bool) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.swizzlingEnabled = enabled
}

func (m *Manager) GetBlockCount() int {
	return int(m.poolSize)
}

// GetRootPageIdx returns the well-known identity of a file's root
// page (page 0 of the file), the bootstrap a checkpoint's device table
// entries resolve to before any page is otherwise referenced.
func (m *Manager) GetRootPageIdx(fileID common.FileID) common.PageIdentity {
	return common.PageIdentity{FileID: fileID, PageID: 0}
}

// EnsureAllPagesUnpinnedAndUnlocked checks that every page is unpinned
// and unlatched, an invariant test scenarios assert once they complete.
func (m *Manager) EnsureAllPagesUnpinnedAndUnlocked() error {
	m.pagesMu.RLock()
	defer m.pagesMu.RUnlock()

	var err error

	for pageID, info := range m.pageTable {
		if info.pinCount != 0 {
			err = errors.Join(err, fmt.Errorf("page %v still pinned (count %d)", pageID, info.pinCount))
		}

		p := m.frames[info.frameID]
		if !p.TryLock() {
			err = errors.Join(err, fmt.Errorf("page %v still latched", pageID))
		} else {
			p.Unlock()
		}
	}

	return err
}
