package recovery

import "github.com/ariesdb/enginecore/src/pkg/logfmt"

// The wire-format types (record kinds, flags, checkpoint payloads)
// live in src/pkg/logfmt so the checkpoint subsystem can produce them
// without importing this package. These aliases let the rest of
// recovery refer to them without the extra package qualifier.
type (
	Kind   = logfmt.Kind
	Flags  = logfmt.Flags
	Record = logfmt.Record

	BeginChkptPayload            = logfmt.BeginChkptPayload
	BufferTableEntry             = logfmt.BufferTableEntry
	ChkptBufferTablePayload      = logfmt.ChkptBufferTablePayload
	TransactionTableEntry        = logfmt.TransactionTableEntry
	ChkptTransactionTablePayload = logfmt.ChkptTransactionTablePayload
	DeviceTableEntry             = logfmt.DeviceTableEntry
	ChkptDeviceTablePayload      = logfmt.ChkptDeviceTablePayload
	ChkptEndPayload              = logfmt.ChkptEndPayload
	MountPayload                 = logfmt.MountPayload
)

const (
	KindInvalid               = logfmt.KindInvalid
	KindBeginChkpt            = logfmt.KindBeginChkpt
	KindChkptBufferTable      = logfmt.KindChkptBufferTable
	KindChkptTransactionTable = logfmt.KindChkptTransactionTable
	KindChkptDeviceTable      = logfmt.KindChkptDeviceTable
	KindChkptEnd              = logfmt.KindChkptEnd
	KindMount                 = logfmt.KindMount
	KindDismount              = logfmt.KindDismount
	KindSingleLogSysXct       = logfmt.KindSingleLogSysXct
	KindXctEnd                = logfmt.KindXctEnd
	KindXctAbort              = logfmt.KindXctAbort
	KindXctEndGroup           = logfmt.KindXctEndGroup
	KindXctFreeingSpace       = logfmt.KindXctFreeingSpace
	KindCompensation          = logfmt.KindCompensation
	KindStoreOp               = logfmt.KindStoreOp
	KindUpdate                = logfmt.KindUpdate
	KindComment               = logfmt.KindComment
	KindSkip                  = logfmt.KindSkip
	KindMaxLogRec             = logfmt.KindMaxLogRec
)
