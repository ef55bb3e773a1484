package utils

import (
	"github.com/go-faster/jx"
)

// StatusFields is the flat set of values recoveryctl status reports;
// kept as plain fields rather than a schema type so the recovery
// package never has to depend on this package for its own types.
type StatusFields struct {
	Mode         string
	CommitLSN    *uint64
	RedoLSN      *uint64
	LastLSN      uint64
	InDoubtCount int
}

// EncodeStatusJSON writes f as raw JX tokens: hand-rolled JSON without
// a schema type. Nil LSN pointers encode as JSON null.
func EncodeStatusJSON(f StatusFields) ([]byte, error) {
	var e jx.Encoder

	e.ObjStart()

	e.FieldStart("mode")
	e.Str(f.Mode)

	e.FieldStart("commit_lsn")
	if f.CommitLSN != nil {
		e.UInt64(*f.CommitLSN)
	} else {
		e.Null()
	}

	e.FieldStart("redo_lsn")
	if f.RedoLSN != nil {
		e.UInt64(*f.RedoLSN)
	} else {
		e.Null()
	}

	e.FieldStart("last_lsn")
	e.UInt64(f.LastLSN)

	e.FieldStart("in_doubt_count")
	e.Int64(int64(f.InDoubtCount))

	e.ObjEnd()

	return e.Bytes(), nil
}
