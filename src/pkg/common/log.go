package common

import (
	"bytes"
	"encoding/binary"
)

type LSN uint64

var NIL_LSN LSN = LSN(0)

// LogRecordLocInfo pins a log record to both its LSN and its on-disk
// slot. Nil iff Lsn == NIL_LSN.
type LogRecordLocInfo struct {
	Lsn      LSN
	Location FileLocation
}

func NewNilLogRecordLocation() LogRecordLocInfo {
	return LogRecordLocInfo{
		Lsn:      NIL_LSN,
		Location: FileLocation{},
	}
}

func (p *LogRecordLocInfo) IsNil() bool {
	return p.Lsn == NIL_LSN
}

func (l *LogRecordLocInfo) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, l.Lsn); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, l.Location.PageID); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, l.Location.SlotNum); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (l *LogRecordLocInfo) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &l.Lsn); err != nil {
		return err
	}

	if err := binary.Read(rd, binary.BigEndian, &l.Location.PageID); err != nil {
		return err
	}

	if err := binary.Read(rd, binary.BigEndian, &l.Location.SlotNum); err != nil {
		return err
	}

	return nil
}
