package kvstore

import (
	"errors"
	"strconv"
)

// Sentinel errors returned by the engine. Callers distinguish them with
// errors.Is; CLI callers map them to specific exit codes and messages.
var (
	// ErrKeyNotFound is returned by Remove when the key has no live record.
	ErrKeyNotFound = errors.New("kvstore: key not found")

	// ErrBadPath is returned by Open when dir does not exist or is not a directory.
	ErrBadPath = errors.New("kvstore: bad path")

	// ErrLocked is returned by Open when another process already holds the
	// advisory lock on the store directory.
	ErrLocked = errors.New("kvstore: store directory is locked by another process")

	// ErrCorruption is returned when the log or index is found to be internally
	// inconsistent: a malformed record other than a trailing record cut off
	// before its end, or a point read landing on a record that isn't the
	// expected Set.
	ErrCorruption = errors.New("kvstore: corruption detected")
)

// CorruptionError carries detail about a point-read mismatch: the offset did
// not hold a Set record for the expected key.
type CorruptionError struct {
	Offset   uint64
	Expected string
	Reason   string
}

func (e *CorruptionError) Error() string {
	return "kvstore: corruption at offset " + strconv.FormatUint(e.Offset, 10) +
		" expected key " + e.Expected + ": " + e.Reason
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }
