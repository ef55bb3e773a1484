// Package logfmt defines the recovery log's wire format: record kinds,
// per-record flags, and the checkpoint payload shapes. It is a leaf
// package so both the recovery core and the checkpoint writer can
// depend on it without depending on each other.
package logfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ariesdb/enginecore/src/pkg/common"
)

// Kind tags the variant a log record carries. Analysis dispatches on
// Kind rather than on a polymorphic record hierarchy, so the recovery
// core never couples to the log storage layer's own representation.
type Kind uint8

const (
	KindInvalid Kind = iota

	KindBeginChkpt
	KindChkptBufferTable
	KindChkptTransactionTable
	KindChkptDeviceTable
	KindChkptEnd

	KindMount
	KindDismount

	KindSingleLogSysXct // page-alloc / page-dealloc / other system ops

	KindXctEnd
	KindXctAbort
	KindXctEndGroup
	KindXctFreeingSpace

	KindCompensation

	KindStoreOp
	KindUpdate // generic redo/undo-able page update (btree ops, page format, ...)

	KindComment
	KindSkip
	KindMaxLogRec
)

// Recognized reports whether k is a kind Analysis knows how to
// dispatch. KindInvalid and anything above KindMaxLogRec are not.
func (k Kind) Recognized() bool {
	return k > KindInvalid && k <= KindMaxLogRec
}

func (k Kind) String() string {
	switch k {
	case KindBeginChkpt:
		return "begin_chkpt"
	case KindChkptBufferTable:
		return "chkpt_buffer_table"
	case KindChkptTransactionTable:
		return "chkpt_transaction_table"
	case KindChkptDeviceTable:
		return "chkpt_device_table"
	case KindChkptEnd:
		return "chkpt_end"
	case KindMount:
		return "mount"
	case KindDismount:
		return "dismount"
	case KindSingleLogSysXct:
		return "single_log_sys_xct"
	case KindXctEnd:
		return "xct_end"
	case KindXctAbort:
		return "xct_abort"
	case KindXctEndGroup:
		return "xct_end_group"
	case KindXctFreeingSpace:
		return "xct_freeing_space"
	case KindCompensation:
		return "compensation"
	case KindStoreOp:
		return "store_op"
	case KindUpdate:
		return "update"
	case KindComment:
		return "comment"
	case KindSkip:
		return "skip"
	case KindMaxLogRec:
		return "max_logrec"
	default:
		return "invalid"
	}
}

// Flags are the per-record booleans carried alongside kind.
type Flags struct {
	IsRedo         bool
	IsUndo         bool
	IsCompensation bool
	IsSingleSysXct bool
	IsMultiPage    bool
	IsPageAlloc    bool
	IsPageDealloc  bool
	IsSkip         bool
}

// Record is the core's view of a log entry, independent of how the
// log storage layer serializes it.
type Record struct {
	Kind  Kind
	LSN   common.LSN
	Flags Flags

	TID    common.TxnID
	HasTID bool

	PageID    common.PageIdentity
	HasPageID bool

	PageID2    common.PageIdentity
	HasPageID2 bool

	PrevLSNInXct common.LSN

	Payload []byte
}

// wire layout (fixed header + payload):
//
//	kind       uint8
//	flags      uint8  (bitset, see flag bit constants below)
//	flags2     uint8  (bitset: page-alloc, page-dealloc, skip)
//	lsn        uint64
//	tid        uint64 (0 if !HasTID)
//	pageID     16B    (0s if !HasPageID)
//	pageID2    16B    (0s if !HasPageID2)
//	prevLSN    uint64
//	payloadLen uint32
//	payload    []byte
const (
	flagHasTID = 1 << iota
	flagHasPageID
	flagHasPageID2
	flagIsRedo
	flagIsUndo
	flagIsCompensation
	flagIsSingleSysXct
	flagIsMultiPage
)

const (
	flag2IsPageAlloc = 1 << iota
	flag2IsPageDealloc
	flag2IsSkip
)

const recordFixedHeaderSize = 1 + 1 + 1 + 8 + 8 + 16 + 16 + 8 + 4

// MarshalBinary encodes r in the core's own wire format. This is the
// format insert()/fetch() exchange with the log storage layer; it is
// not tied to any on-disk page format.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	buf.WriteByte(byte(r.Kind))

	var flagByte, flag2Byte byte

	if r.HasTID {
		flagByte |= flagHasTID
	}

	if r.HasPageID {
		flagByte |= flagHasPageID
	}

	if r.HasPageID2 {
		flagByte |= flagHasPageID2
	}

	if r.Flags.IsRedo {
		flagByte |= flagIsRedo
	}

	if r.Flags.IsUndo {
		flagByte |= flagIsUndo
	}

	if r.Flags.IsCompensation {
		flagByte |= flagIsCompensation
	}

	if r.Flags.IsSingleSysXct {
		flagByte |= flagIsSingleSysXct
	}

	if r.Flags.IsMultiPage {
		flagByte |= flagIsMultiPage
	}

	if r.Flags.IsPageAlloc {
		flag2Byte |= flag2IsPageAlloc
	}

	if r.Flags.IsPageDealloc {
		flag2Byte |= flag2IsPageDealloc
	}

	if r.Flags.IsSkip {
		flag2Byte |= flag2IsSkip
	}

	buf.WriteByte(flagByte)
	buf.WriteByte(flag2Byte)

	if err := binary.Write(buf, binary.BigEndian, uint64(r.LSN)); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, uint64(r.TID)); err != nil {
		return nil, err
	}

	pid, err := r.PageID.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf.Write(pid)

	pid2, err := r.PageID2.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf.Write(pid2)

	if err := binary.Write(buf, binary.BigEndian, uint64(r.PrevLSNInXct)); err != nil {
		return nil, err
	}

	if err := binary.Write(buf, binary.BigEndian, uint32(len(r.Payload))); err != nil {
		return nil, err
	}

	buf.Write(r.Payload)

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the wire format MarshalBinary produces.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < recordFixedHeaderSize {
		return fmt.Errorf("log record too short: %d bytes, want at least %d", len(data), recordFixedHeaderSize)
	}

	rd := bytes.NewReader(data)

	kindByte, _ := rd.ReadByte()
	r.Kind = Kind(kindByte)

	flagByte, _ := rd.ReadByte()
	flag2Byte, _ := rd.ReadByte()

	r.HasTID = flagByte&flagHasTID != 0
	r.HasPageID = flagByte&flagHasPageID != 0
	r.HasPageID2 = flagByte&flagHasPageID2 != 0
	r.Flags = Flags{
		IsRedo:         flagByte&flagIsRedo != 0,
		IsUndo:         flagByte&flagIsUndo != 0,
		IsCompensation: flagByte&flagIsCompensation != 0,
		IsSingleSysXct: flagByte&flagIsSingleSysXct != 0,
		IsMultiPage:    flagByte&flagIsMultiPage != 0,
		IsPageAlloc:    flag2Byte&flag2IsPageAlloc != 0,
		IsPageDealloc:  flag2Byte&flag2IsPageDealloc != 0,
		IsSkip:         flag2Byte&flag2IsSkip != 0,
	}

	var lsn, tid, prevLSN uint64

	if err := binary.Read(rd, binary.BigEndian, &lsn); err != nil {
		return err
	}

	r.LSN = common.LSN(lsn)

	if err := binary.Read(rd, binary.BigEndian, &tid); err != nil {
		return err
	}

	r.TID = common.TxnID(tid)

	pidBuf := make([]byte, 16)
	if _, err := io.ReadFull(rd, pidBuf); err != nil {
		return err
	}

	if err := r.PageID.UnmarshalBinary(pidBuf); err != nil {
		return err
	}

	pid2Buf := make([]byte, 16)
	if _, err := io.ReadFull(rd, pid2Buf); err != nil {
		return err
	}

	if err := r.PageID2.UnmarshalBinary(pid2Buf); err != nil {
		return err
	}

	if err := binary.Read(rd, binary.BigEndian, &prevLSN); err != nil {
		return err
	}

	r.PrevLSNInXct = common.LSN(prevLSN)

	var payloadLen uint32

	if err := binary.Read(rd, binary.BigEndian, &payloadLen); err != nil {
		return err
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return err
	}

	r.Payload = payload

	return nil
}
