package logstore

import "github.com/ariesdb/enginecore/src/pkg/common"

// An LSN decomposes into a 32-bit partition number and a 32-bit
// byte offset within that partition's file. Offset 0 always falls
// inside the partition-file header, so MakeLSN(0, 0) is never issued
// for a record and the zero value of common.LSN keeps meaning NIL_LSN.
const offsetBits = 32

func MakeLSN(partition, offset uint32) common.LSN {
	return common.LSN(uint64(partition)<<offsetBits | uint64(offset))
}

func SplitLSN(lsn common.LSN) (partition, offset uint32) {
	return uint32(uint64(lsn) >> offsetBits), uint32(uint64(lsn))
}
