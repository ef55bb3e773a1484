package common

import "errors"

// ErrPastEndOfFile is returned by a disk read whose offset lies beyond
// the file's current length - the "virgin page" signal Analysis/Redo
// rely on to distinguish a page that was never formatted from one
// that's merely corrupted.
var ErrPastEndOfFile = errors.New("read past end of file")
