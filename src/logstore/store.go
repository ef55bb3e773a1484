// Package logstore implements the byte-addressable, partitioned,
// append-only log storage the recovery core treats as an external
// collaborator: curr_lsn, fetch, open_scan, insert, flush_all.
// It is deliberately ignorant of log record semantics: records are
// opaque []byte payloads, decoded by the recovery package's own
// (de)serialization.
package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// DefaultPartitionSize bounds how large a single partition file (log.N)
// is allowed to grow before the store rolls over to the next partition.
const DefaultPartitionSize int64 = 64 << 20 // 64MiB

const lengthPrefixSize = 4

// Every partition file begins with a fixed 8-byte header. Records
// therefore never live at offset 0, which keeps MakeLSN(0, 0) == 0
// free to mean common.NIL_LSN.
const partitionHeaderSize = 8

var partitionMagic = [partitionHeaderSize]byte{'A', 'R', 'L', 'O', 'G', 0, 0, 1}

// RawRecord is a record as the log storage layer sees it: a position
// and its opaque payload.
type RawRecord struct {
	LSN  common.LSN
	Data []byte
}

// Store is the production log storage layer, backed by an afero.Fs so
// tests run against afero.NewMemMapFs() and production against
// afero.NewOsFs().
type Store struct {
	fs            afero.Fs
	dir           string
	partitionSize int64

	mu          sync.Mutex
	partition   uint32
	writeOffset int64
	writeFile   afero.File
}

func partitionName(n uint32) string {
	return fmt.Sprintf("log.%d", n)
}

// Open opens (creating if necessary) the log directory dir on fs,
// positioning the write cursor after the last valid record found by
// scanning forward from partition 0.
func Open(fs afero.Fs, dir string, partitionSize int64) (*Store, error) {
	if partitionSize <= 0 {
		partitionSize = DefaultPartitionSize
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	s := &Store{
		fs:            fs,
		dir:           dir,
		partitionSize: partitionSize,
	}

	if err := s.recoverWriteCursor(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) path(partition uint32) string {
	return s.dir + "/" + partitionName(partition)
}

// recoverWriteCursor scans existing partitions to find the highest
// partition with data and the offset just past its last complete
// record, so a reopened store resumes appending in the right place.
func (s *Store) recoverWriteCursor() error {
	var partition uint32

	for {
		info, err := s.fs.Stat(s.path(partition))
		if err != nil {
			break
		}

		if info.Size() == 0 {
			break
		}

		partition++
	}

	if partition > 0 {
		partition--
	}

	offset, err := s.validOffset(partition)
	if err != nil {
		return err
	}

	s.partition = partition
	s.writeOffset = offset

	return s.reopenWriteFile()
}

// validOffset walks partition's records from the start and returns the
// offset just past the last one that parses cleanly - a trailing torn
// write (the process died mid-append) is truncated away.
func (s *Store) validOffset(partition uint32) (int64, error) {
	f, err := s.fs.Open(s.path(partition))
	if err != nil {
		if isNotExist(err) {
			return partitionHeaderSize, nil
		}

		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(partitionHeaderSize, io.SeekStart); err != nil {
		return partitionHeaderSize, nil //nolint:nilerr
	}

	offset := int64(partitionHeaderSize)

	lenBuf := make([]byte, lengthPrefixSize)

	for {
		if _, err := io.ReadFull(f, lenBuf); err != nil {
			break
		}

		length := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, length)

		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}

		offset += lengthPrefixSize + int64(length)
	}

	return offset, nil
}

func (s *Store) reopenWriteFile() error {
	if s.writeFile != nil {
		_ = s.writeFile.Close()
	}

	f, err := s.fs.OpenFile(s.path(s.partition), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open partition %d: %w", s.partition, err)
	}

	if s.writeOffset < partitionHeaderSize {
		s.writeOffset = partitionHeaderSize
	}

	if _, err := f.WriteAt(partitionMagic[:], 0); err != nil {
		return fmt.Errorf("write partition %d header: %w", s.partition, err)
	}

	if err := f.Truncate(s.writeOffset); err != nil {
		return fmt.Errorf("truncate partition %d: %w", s.partition, err)
	}

	s.writeFile = f

	return nil
}

// CurrLSN returns the LSN that the next Insert will assign.
func (s *Store) CurrLSN() common.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()

	return MakeLSN(s.partition, uint32(s.writeOffset)) //nolint:gosec
}

// Insert appends data as a new record and returns its assigned LSN.
func (s *Store) Insert(data []byte) (common.LSN, error) {
	return s.InsertWithLSN(func(common.LSN) ([]byte, error) {
		return data, nil
	})
}

// InsertWithLSN reserves the next LSN before encoding, then calls
// makeData with it to produce the record bytes. Record kinds whose
// self-described lsn_ck the Log Cursor validates must be
// inserted this way: the LSN isn't known until the write position is
// reserved, so it can't be baked into the payload beforehand any other
// way without a second pass over the log.
func (s *Store) InsertWithLSN(makeData func(common.LSN) ([]byte, error)) (common.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lsn := MakeLSN(s.partition, uint32(s.writeOffset)) //nolint:gosec

	data, err := makeData(lsn)
	if err != nil {
		return common.NIL_LSN, err
	}

	if s.writeOffset+lengthPrefixSize+int64(len(data)) > s.partitionSize && s.writeOffset > partitionHeaderSize {
		if err := s.rollPartitionLocked(); err != nil {
			return common.NIL_LSN, err
		}

		lsn = MakeLSN(s.partition, uint32(s.writeOffset)) //nolint:gosec

		data, err = makeData(lsn)
		if err != nil {
			return common.NIL_LSN, err
		}
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) //nolint:gosec
	copy(buf[lengthPrefixSize:], data)

	n, err := s.writeFile.WriteAt(buf, s.writeOffset)
	if err != nil {
		return common.NIL_LSN, fmt.Errorf("append record: %w", err)
	}

	s.writeOffset += int64(n)

	return lsn, nil
}

func (s *Store) rollPartitionLocked() error {
	s.partition++
	s.writeOffset = partitionHeaderSize

	return s.reopenWriteFile()
}

// FlushAll fsyncs the active partition file.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeFile.Sync()
}

// Fetch reads the record at lsn.
func (s *Store) Fetch(lsn common.LSN) (RawRecord, error) {
	partition, offset := SplitLSN(lsn)

	f, err := s.fs.Open(s.path(partition))
	if err != nil {
		return RawRecord{}, err
	}
	defer f.Close()

	return readRecordAt(f, lsn, int64(offset))
}

func readRecordAt(f afero.File, lsn common.LSN, offset int64) (RawRecord, error) {
	lenBuf := make([]byte, lengthPrefixSize)

	if _, err := f.ReadAt(lenBuf, offset); err != nil {
		if isEOF(err) {
			return RawRecord{}, common.ErrPastEndOfFile
		}

		return RawRecord{}, err
	}

	length := binary.BigEndian.Uint32(lenBuf)
	payload := make([]byte, length)

	if _, err := f.ReadAt(payload, offset+lengthPrefixSize); err != nil {
		if isEOF(err) {
			return RawRecord{}, common.ErrPastEndOfFile
		}

		return RawRecord{}, err
	}

	return RawRecord{LSN: lsn, Data: payload}, nil
}

func isEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF //nolint:errorlint
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
