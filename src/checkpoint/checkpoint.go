// Package checkpoint writes synchronous checkpoints on request; it
// never schedules them itself. It owns the on-disk master-LSN pointer
// and knows how to serialize a consistent snapshot of the buffer pool,
// transaction table, and device table into the checkpoint record
// kinds logfmt defines.
package checkpoint

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/ariesdb/enginecore/src/pkg/common"
	"github.com/ariesdb/enginecore/src/pkg/logfmt"
)

// LogWriter is the sliver of the log storage layer a checkpoint needs:
// insert the five records (self-describing their own LSN) and flush.
type LogWriter interface {
	InsertWithLSN(makeData func(common.LSN) ([]byte, error)) (common.LSN, error)
	FlushAll() error
}

// Snapshot is the point-in-time state the coordinator gathers (from
// the buffer pool, transaction table, and device table it drives) and
// hands to SynchTake. Checkpoint itself has no access to those
// subsystems' live types, keeping it free of a dependency on the
// recovery package.
type Snapshot struct {
	LastMountLSNBeforeChkpt common.LSN
	BufferTable             []logfmt.BufferTableEntry
	TransactionTable        []logfmt.TransactionTableEntry
	YoungestTID             common.TxnID
	DeviceTable             []logfmt.DeviceTableEntry
}

// Checkpointer takes synchronous checkpoints and persists the master
// LSN pointer they produce.
type Checkpointer struct {
	log        LogWriter
	fs         afero.Fs
	masterPath string

	mu sync.Mutex
}

func New(log LogWriter, fs afero.Fs, masterPath string) *Checkpointer {
	return &Checkpointer{log: log, fs: fs, masterPath: masterPath}
}

// SynchTake writes begin-checkpoint, the three table records, and
// chkpt-end, then durably publishes begin-checkpoint's LSN as the new
// master LSN. It blocks until the log is flushed.
func (c *Checkpointer) SynchTake(snap Snapshot) (common.LSN, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	beginLSN, err := c.insert(logfmt.KindBeginChkpt, logfmt.BeginChkptPayload{
		LastMountLSNBeforeChkpt: snap.LastMountLSNBeforeChkpt,
	})
	if err != nil {
		return common.NIL_LSN, fmt.Errorf("checkpoint begin: %w", err)
	}

	if _, err := c.insert(logfmt.KindChkptBufferTable, logfmt.ChkptBufferTablePayload{
		Entries: snap.BufferTable,
	}); err != nil {
		return common.NIL_LSN, fmt.Errorf("checkpoint buffer table: %w", err)
	}

	if _, err := c.insert(logfmt.KindChkptTransactionTable, logfmt.ChkptTransactionTablePayload{
		Entries:     snap.TransactionTable,
		YoungestTID: snap.YoungestTID,
	}); err != nil {
		return common.NIL_LSN, fmt.Errorf("checkpoint transaction table: %w", err)
	}

	if _, err := c.insert(logfmt.KindChkptDeviceTable, logfmt.ChkptDeviceTablePayload{
		Entries: snap.DeviceTable,
	}); err != nil {
		return common.NIL_LSN, fmt.Errorf("checkpoint device table: %w", err)
	}

	minRec := minBufferRecLSN(snap.BufferTable)
	minXct := minTransactionFirstLSN(snap.TransactionTable)

	if _, err := c.insert(logfmt.KindChkptEnd, logfmt.ChkptEndPayload{
		BeginChkpt: beginLSN,
		MinRecLSN:  minRec,
		MinXctLSN:  minXct,
	}); err != nil {
		return common.NIL_LSN, fmt.Errorf("checkpoint end: %w", err)
	}

	if err := c.log.FlushAll(); err != nil {
		return common.NIL_LSN, fmt.Errorf("flush checkpoint: %w", err)
	}

	if err := c.writeMasterLSN(beginLSN); err != nil {
		return common.NIL_LSN, fmt.Errorf("publish master lsn: %w", err)
	}

	return beginLSN, nil
}

// MasterLSN reads the last durably published master LSN, NIL_LSN on a
// fresh system that has never taken a checkpoint.
func (c *Checkpointer) MasterLSN() (common.LSN, error) {
	f, err := c.fs.Open(c.masterPath)
	if err != nil {
		return common.NIL_LSN, nil //nolint:nilerr
	}
	defer f.Close()

	var buf [8]byte

	n, err := f.Read(buf[:])
	if err != nil || n < 8 {
		return common.NIL_LSN, nil
	}

	lsn := uint64(0)
	for _, b := range buf {
		lsn = lsn<<8 | uint64(b)
	}

	return common.LSN(lsn), nil
}

func (c *Checkpointer) writeMasterLSN(lsn common.LSN) error {
	f, err := c.fs.OpenFile(c.masterPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf [8]byte

	v := uint64(lsn)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}

	_, err = f.Write(buf[:])

	return err
}

func (c *Checkpointer) insert(kind logfmt.Kind, payload interface{ MarshalBinary() ([]byte, error) }) (common.LSN, error) {
	body, err := payload.MarshalBinary()
	if err != nil {
		return common.NIL_LSN, err
	}

	return c.log.InsertWithLSN(func(lsn common.LSN) ([]byte, error) {
		rec := logfmt.Record{Kind: kind, LSN: lsn, Payload: body}
		return rec.MarshalBinary()
	})
}

func minBufferRecLSN(entries []logfmt.BufferTableEntry) common.LSN {
	var min common.LSN

	for _, e := range entries {
		if min == common.NIL_LSN || e.RecLSN < min {
			min = e.RecLSN
		}
	}

	return min
}

func minTransactionFirstLSN(entries []logfmt.TransactionTableEntry) common.LSN {
	var min common.LSN

	for _, e := range entries {
		if e.State == logfmt.StateEnded {
			continue
		}

		if min == common.NIL_LSN || e.FirstLSN < min {
			min = e.FirstLSN
		}
	}

	return min
}
