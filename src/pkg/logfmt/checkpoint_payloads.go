package logfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// The payload formats below are what a checkpoint-kind Record.Payload
// decodes to: the shapes the checkpoint writer produces and Analysis
// consumes.

type BeginChkptPayload struct {
	LastMountLSNBeforeChkpt common.LSN
}

func (p BeginChkptPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(p.LastMountLSNBeforeChkpt))

	return buf, nil
}

func (p *BeginChkptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("begin_chkpt payload too short")
	}

	p.LastMountLSNBeforeChkpt = common.LSN(binary.BigEndian.Uint64(data))

	return nil
}

type BufferTableEntry struct {
	PageID common.PageIdentity
	RecLSN common.LSN
}

type ChkptBufferTablePayload struct {
	Entries []BufferTableEntry
}

func (p ChkptBufferTablePayload) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(p.Entries)))

	for _, e := range p.Entries {
		pid, err := e.PageID.MarshalBinary()
		if err != nil {
			return nil, err
		}

		buf.Write(pid)
		_ = binary.Write(buf, binary.BigEndian, uint64(e.RecLSN))
	}

	return buf.Bytes(), nil
}

func (p *ChkptBufferTablePayload) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return err
	}

	p.Entries = make([]BufferTableEntry, n)

	for i := range p.Entries {
		pidBuf := make([]byte, 16)
		if _, err := io.ReadFull(rd, pidBuf); err != nil {
			return err
		}

		if err := p.Entries[i].PageID.UnmarshalBinary(pidBuf); err != nil {
			return err
		}

		var lsn uint64
		if err := binary.Read(rd, binary.BigEndian, &lsn); err != nil {
			return err
		}

		p.Entries[i].RecLSN = common.LSN(lsn)
	}

	return nil
}

type TransactionTableEntry struct {
	TID      common.TxnID
	State    State
	LastLSN  common.LSN
	FirstLSN common.LSN
	UndoNext common.LSN
}

type ChkptTransactionTablePayload struct {
	Entries     []TransactionTableEntry
	YoungestTID common.TxnID
}

func (p ChkptTransactionTablePayload) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(p.Entries)))

	for _, e := range p.Entries {
		_ = binary.Write(buf, binary.BigEndian, uint64(e.TID))
		_ = binary.Write(buf, binary.BigEndian, uint8(e.State))
		_ = binary.Write(buf, binary.BigEndian, uint64(e.LastLSN))
		_ = binary.Write(buf, binary.BigEndian, uint64(e.FirstLSN))
		_ = binary.Write(buf, binary.BigEndian, uint64(e.UndoNext))
	}

	_ = binary.Write(buf, binary.BigEndian, uint64(p.YoungestTID))

	return buf.Bytes(), nil
}

func (p *ChkptTransactionTablePayload) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return err
	}

	p.Entries = make([]TransactionTableEntry, n)

	for i := range p.Entries {
		var tid, last, first, undo uint64

		var state uint8

		if err := binary.Read(rd, binary.BigEndian, &tid); err != nil {
			return err
		}

		if err := binary.Read(rd, binary.BigEndian, &state); err != nil {
			return err
		}

		if err := binary.Read(rd, binary.BigEndian, &last); err != nil {
			return err
		}

		if err := binary.Read(rd, binary.BigEndian, &first); err != nil {
			return err
		}

		if err := binary.Read(rd, binary.BigEndian, &undo); err != nil {
			return err
		}

		p.Entries[i] = TransactionTableEntry{
			TID:      common.TxnID(tid),
			State:    State(state),
			LastLSN:  common.LSN(last),
			FirstLSN: common.LSN(first),
			UndoNext: common.LSN(undo),
		}
	}

	var youngest uint64
	if err := binary.Read(rd, binary.BigEndian, &youngest); err != nil {
		return err
	}

	p.YoungestTID = common.TxnID(youngest)

	return nil
}

type DeviceTableEntry struct {
	DevName  string
	VolumeID common.FileID
}

type ChkptDeviceTablePayload struct {
	Entries []DeviceTableEntry
}

func (p ChkptDeviceTablePayload) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(p.Entries)))

	for _, e := range p.Entries {
		_ = binary.Write(buf, binary.BigEndian, uint32(len(e.DevName)))
		buf.WriteString(e.DevName)
		_ = binary.Write(buf, binary.BigEndian, uint64(e.VolumeID))
	}

	return buf.Bytes(), nil
}

func (p *ChkptDeviceTablePayload) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return err
	}

	p.Entries = make([]DeviceTableEntry, n)

	for i := range p.Entries {
		var nameLen uint32
		if err := binary.Read(rd, binary.BigEndian, &nameLen); err != nil {
			return err
		}

		name := make([]byte, nameLen)
		if _, err := io.ReadFull(rd, name); err != nil {
			return err
		}

		var volID uint64
		if err := binary.Read(rd, binary.BigEndian, &volID); err != nil {
			return err
		}

		p.Entries[i] = DeviceTableEntry{DevName: string(name), VolumeID: common.FileID(volID)}
	}

	return nil
}

type ChkptEndPayload struct {
	BeginChkpt common.LSN
	MinRecLSN  common.LSN
	MinXctLSN  common.LSN
}

func (p ChkptEndPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.BeginChkpt))
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.MinRecLSN))
	binary.BigEndian.PutUint64(buf[16:24], uint64(p.MinXctLSN))

	return buf, nil
}

func (p *ChkptEndPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 24 {
		return fmt.Errorf("chkpt_end payload too short")
	}

	p.BeginChkpt = common.LSN(binary.BigEndian.Uint64(data[0:8]))
	p.MinRecLSN = common.LSN(binary.BigEndian.Uint64(data[8:16]))
	p.MinXctLSN = common.LSN(binary.BigEndian.Uint64(data[16:24]))

	return nil
}

// MountPayload is the payload of both mount and dismount records - the
// two are distinguished by Record.Kind, not by payload shape.
type MountPayload struct {
	DevName  string
	VolumeID common.FileID
}

func (p MountPayload) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(p.DevName)))
	buf.WriteString(p.DevName)
	_ = binary.Write(buf, binary.BigEndian, uint64(p.VolumeID))

	return buf.Bytes(), nil
}

func (p *MountPayload) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var nameLen uint32
	if err := binary.Read(rd, binary.BigEndian, &nameLen); err != nil {
		return err
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(rd, name); err != nil {
		return err
	}

	var volID uint64
	if err := binary.Read(rd, binary.BigEndian, &volID); err != nil {
		return err
	}

	p.DevName = string(name)
	p.VolumeID = common.FileID(volID)

	return nil
}
