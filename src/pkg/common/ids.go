package common

import (
	"bytes"
	"encoding/binary"
)

// TxnID is a monotonically increasing counter, unique across the
// lifetime of a running instance. It is shared between the recovery
// core and the lock manager (src/txns aliases this type) so both
// packages can pass transaction identifiers across the package
// boundary without a cyclic import.
type TxnID uint64

// FileID identifies a page file (one per table/index/volume segment).
type FileID uint64

// PageID is a page's offset within its file.
type PageID uint64

type PageIdentity struct {
	FileID FileID
	PageID PageID
}

func (p PageIdentity) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, p.FileID)
	_ = binary.Write(buf, binary.BigEndian, p.PageID)

	return buf.Bytes(), nil
}

func (p *PageIdentity) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &p.FileID); err != nil {
		return err
	}

	return binary.Read(rd, binary.BigEndian, &p.PageID)
}

type FileLocation struct {
	PageID  PageID
	SlotNum uint16
}

type RecordID struct {
	FileID  FileID
	PageID  PageID
	SlotNum uint16
}

// SerializedRecordIDSize is the fixed wire size of RecordID.MarshalBinary:
// two uint64s and one uint16.
const SerializedRecordIDSize = 8 + 8 + 2

func (r RecordID) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, SerializedRecordIDSize)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.FileID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.PageID))
	buf = binary.BigEndian.AppendUint16(buf, r.SlotNum)

	return buf, nil
}

func (r *RecordID) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	if err := binary.Read(rd, binary.BigEndian, &r.FileID); err != nil {
		return err
	}

	if err := binary.Read(rd, binary.BigEndian, &r.PageID); err != nil {
		return err
	}

	return binary.Read(rd, binary.BigEndian, &r.SlotNum)
}

func (r RecordID) PageIdentity() PageIdentity {
	return PageIdentity{
		FileID: r.FileID,
		PageID: r.PageID,
	}
}

func (r RecordID) FileLocation() FileLocation {
	return FileLocation{
		PageID:  r.PageID,
		SlotNum: r.SlotNum,
	}
}
