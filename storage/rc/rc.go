// Package rc defines the result-code taxonomy used throughout the storage
// engine in place of exceptions. A ResultCode is a primary kind in its low
// byte and, optionally, an extended sub-reason in the bits above.
package rc

import "fmt"

// ResultCode is the error type returned by every storage engine operation.
// It implements the error interface so it composes with errors.Is/As and
// fmt.Errorf's %w, but call sites that need the exact code should type
// assert or use Primary/Is.
type ResultCode uint32

// Primary result kinds. Values match the original reference taxonomy
// one-to-one so extended codes (primary | sub<<8) stay stable.
const (
	Ok         ResultCode = 0
	Error      ResultCode = 1
	Internal   ResultCode = 2
	Perm       ResultCode = 3
	Abort      ResultCode = 4
	Busy       ResultCode = 5
	Locked     ResultCode = 6
	NoMem      ResultCode = 7
	ReadOnly   ResultCode = 8
	Interrupt  ResultCode = 9
	IOError    ResultCode = 10
	Corrupt    ResultCode = 11
	NotFound   ResultCode = 12
	Full       ResultCode = 13
	CantOpen   ResultCode = 14
	Protocol   ResultCode = 15
	Empty      ResultCode = 16
	Schema     ResultCode = 17
	TooBig     ResultCode = 18
	Constraint ResultCode = 19
	Mismatch   ResultCode = 20
	Misuse     ResultCode = 21
	NoLFS      ResultCode = 22
	Auth       ResultCode = 23
	Format     ResultCode = 24
	Range      ResultCode = 25
	NotADB     ResultCode = 26
	Notice     ResultCode = 27
	Warning    ResultCode = 28
	Row        ResultCode = 100
	Done       ResultCode = 101
)

// Extended codes: primary | (sub << 8). Only a subset of sub-reasons is
// enumerated; the taxonomy supports more.
const (
	IOErrorRead     ResultCode = IOError | (1 << 8)
	IOErrorShortRead ResultCode = IOError | (2 << 8)
	IOErrorWrite    ResultCode = IOError | (3 << 8)
	IOErrorFsync    ResultCode = IOError | (4 << 8)
	IOErrorTruncate ResultCode = IOError | (5 << 8)
	IOErrorSeek     ResultCode = IOError | (6 << 8)

	BusyRecovery ResultCode = Busy | (1 << 8)
	BusyTimeout  ResultCode = Busy | (2 << 8)

	LockedSharedCache ResultCode = Locked | (1 << 8)

	CantOpenNoTempDir ResultCode = CantOpen | (1 << 8)
	CantOpenIsDir     ResultCode = CantOpen | (2 << 8)

	CorruptSequence ResultCode = Corrupt | (1 << 8)
	CorruptIndex    ResultCode = Corrupt | (2 << 8)

	ReadOnlyRecovery ResultCode = ReadOnly | (1 << 8)
	ReadOnlyRollback ResultCode = ReadOnly | (2 << 8)

	AbortRollback ResultCode = Abort | (1 << 8)
)

var primaryNames = map[ResultCode]string{
	Ok:         "ok",
	Error:      "error",
	Internal:   "internal",
	Perm:       "perm",
	Abort:      "abort",
	Busy:       "busy",
	Locked:     "locked",
	NoMem:      "no_mem",
	ReadOnly:   "read_only",
	Interrupt:  "interrupt",
	IOError:    "io_error",
	Corrupt:    "corrupt",
	NotFound:   "not_found",
	Full:       "full",
	CantOpen:   "cant_open",
	Protocol:   "protocol",
	Empty:      "empty",
	Schema:     "schema",
	TooBig:     "too_big",
	Constraint: "constraint",
	Mismatch:   "mismatch",
	Misuse:     "misuse",
	NoLFS:      "no_lfs",
	Auth:       "auth",
	Format:     "format",
	Range:      "range",
	NotADB:     "not_a_db",
	Notice:     "notice",
	Warning:    "warning",
	Row:        "row",
	Done:       "done",
}

var extendedNames = map[ResultCode]string{
	IOErrorRead:       "io_error_read",
	IOErrorShortRead:  "io_error_short_read",
	IOErrorWrite:      "io_error_write",
	IOErrorFsync:      "io_error_fsync",
	IOErrorTruncate:   "io_error_truncate",
	IOErrorSeek:       "io_error_seek",
	BusyRecovery:      "busy_recovery",
	BusyTimeout:       "busy_timeout",
	LockedSharedCache: "locked_shared_cache",
	CantOpenNoTempDir: "cant_open_no_temp_dir",
	CantOpenIsDir:     "cant_open_is_dir",
	CorruptSequence:   "corrupt_sequence",
	CorruptIndex:      "corrupt_index",
	ReadOnlyRecovery:  "readonly_recovery",
	ReadOnlyRollback:  "readonly_rollback",
	AbortRollback:     "abort_rollback",
}

// Primary extracts the primary kind from an extended code via the low-byte
// bitmask.
func (c ResultCode) Primary() ResultCode {
	return c & 0xff
}

// String returns the canonical name for c, preferring an exact extended-code
// match and falling back to the primary kind's name.
func (c ResultCode) String() string {
	if name, ok := extendedNames[c]; ok {
		return name
	}
	if name, ok := primaryNames[c.Primary()]; ok {
		return name
	}
	return fmt.Sprintf("result_code(%d)", uint32(c))
}

// Error implements the error interface so a ResultCode can be returned
// directly as a Go error.
func (c ResultCode) Error() string {
	return c.String()
}

// Is reports whether c and other share the same primary kind. It lets
// callers write errors.Is(err, rc.Corrupt) regardless of which extended code
// was actually returned.
func (c ResultCode) Is(other error) bool {
	o, ok := other.(ResultCode)
	if !ok {
		return false
	}
	return c.Primary() == o.Primary()
}

// OK reports whether c represents success.
func (c ResultCode) OK() bool {
	return c == Ok
}
