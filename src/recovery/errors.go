package recovery

import (
	"github.com/go-faster/errors"
)

// ErrFatal marks an unrecoverable condition: the log is authoritative,
// so any of these abort the whole Recover call rather than being
// swallowed. Callers match with errors.Is.
var ErrFatal = errors.New("recovery: fatal")

// Recoverable-within-the-pass conditions are not sentinel errors:
// they're handled inline (past-EOF -> virgin page, bad checksum ->
// single-page repair, lookup-miss on an already-ended transaction ->
// ignore) and never propagate as errors at all.

func fatalf(format string, args ...any) error {
	return errors.Wrapf(ErrFatal, format, args...)
}
