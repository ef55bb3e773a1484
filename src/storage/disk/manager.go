package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

const PageSize = 4096

type Page interface {
	GetData() []byte
	SetData(d []byte)

	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// Manager reads and writes fixed-size pages through an afero.Fs, so
// production code runs against afero.NewOsFs() and tests run against
// afero.NewMemMapFs() without touching the real disk.
type Manager[T Page] struct {
	fs           afero.Fs
	fileIDToPath map[common.FileID]string
	newPageFunc  func() T

	mu *sync.RWMutex
}

func New[T Page](
	fs afero.Fs,
	fileIDToPath map[common.FileID]string,
	newPageFunc func() T,
) *Manager[T] {
	return &Manager[T]{
		fs:           fs,
		fileIDToPath: fileIDToPath,
		newPageFunc:  newPageFunc,

		mu: new(sync.RWMutex),
	}
}

func (m *Manager[T]) path(fileID common.FileID) (string, error) {
	path, ok := m.fileIDToPath[fileID]
	if !ok {
		return "", fmt.Errorf("fileID %d not found in path map", fileID)
	}

	return path, nil
}

func (m *Manager[T]) ReadPage(pageIdent common.PageIdentity) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zeroVal T

	path, err := m.path(pageIdent.FileID)
	if err != nil {
		return zeroVal, err
	}

	file, err := m.fs.Open(path)
	if err != nil {
		return zeroVal, err
	}
	defer file.Close()

	offset := int64(pageIdent.PageID) * PageSize
	data := make([]byte, PageSize)

	if _, err := file.ReadAt(data, offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return zeroVal, common.ErrPastEndOfFile
		}

		return zeroVal, err
	}

	page := m.newPageFunc()
	page.SetData(data)

	return page, nil
}

func (m *Manager[T]) GetPageNoNew(page T, pageIdent common.PageIdentity) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zeroVal T

	path, err := m.path(pageIdent.FileID)
	if err != nil {
		return zeroVal, err
	}

	file, err := m.fs.Open(path)
	if err != nil {
		return zeroVal, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	offset := int64(pageIdent.PageID) * PageSize
	data := make([]byte, PageSize)

	if _, err := file.ReadAt(data, offset); err != nil {
		return zeroVal, fmt.Errorf("failed to read at: %w", err)
	}

	page.SetData(data)

	return page, nil
}

func (m *Manager[T]) WritePage(page T, pageIdent common.PageIdentity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.path(pageIdent.FileID)
	if err != nil {
		return err
	}

	data := page.GetData()
	if len(data) == 0 {
		return errors.New("page data is empty")
	}

	file, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	offset := int64(pageIdent.PageID) * PageSize

	if _, err := file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write at file %s: %w", path, err)
	}

	return nil
}

func (m *Manager[T]) UpdateFileMap(mp map[common.FileID]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath = mp
}

func (m *Manager[T]) InsertToFileMap(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath[id] = path
}
