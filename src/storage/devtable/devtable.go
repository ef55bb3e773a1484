// Package devtable is the device/volume mount table the chkpt-device-table
// and mount/dismount records drive. Analysis replays mount state
// against it so pages can be resolved to volumes before Redo starts.
package devtable

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// Table tracks which volumes are mounted under which device names. A
// volume is a directory of page files on an afero.Fs, the same
// abstraction src/storage/disk.Manager reads pages through.
type Table struct {
	fs afero.Fs

	mu      sync.RWMutex
	mounted map[string]common.FileID // dev name -> volume id
	byID    map[common.FileID]string // volume id -> dev name
}

func New(fs afero.Fs) *Table {
	return &Table{
		fs:      fs,
		mounted: make(map[string]common.FileID),
		byID:    make(map[common.FileID]string),
	}
}

// Mount records devName as mounted to volumeID, creating the volume's
// directory if it doesn't exist yet. Mounting never marks the volume's
// root page in-doubt - callers that want the root page warm load it
// via the buffer pool separately, this only establishes the mount
// record.
func (t *Table) Mount(devName string, volumeID common.FileID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.fs.MkdirAll(t.volumeDir(devName), 0o755); err != nil {
		return fmt.Errorf("mount %s: %w", devName, err)
	}

	t.mounted[devName] = volumeID
	t.byID[volumeID] = devName

	return nil
}

// Dismount reverses Mount; the directory is left on disk (dismount is
// not a delete).
func (t *Table) Dismount(devName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.mounted[devName]; ok {
		delete(t.byID, id)
	}

	delete(t.mounted, devName)
}

func (t *Table) IsMounted(devName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.mounted[devName]

	return ok
}

func (t *Table) VolumeID(devName string) (common.FileID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.mounted[devName]

	return id, ok
}

func (t *Table) volumeDir(devName string) string {
	return "/" + devName
}
