// Package defs holds the error kinds and small identifier types shared
// across the kernel core. Errors are a signed integer, negative on
// failure, returned as a plain value rather than the `error` interface
// so hot paths (page faults, interrupt dispatch) never allocate.
package defs

import "fmt"

// Err_t is a kernel error code. Zero means success; all failure
// codes are negative so callers can write `if err := f(); err != 0`.
type Err_t int

// Error kinds, named the same way across packages so a caller
// translating to an ABI-visible enum has one table to read.
const (
	EOK               Err_t = 0
	EOutOfMemory      Err_t = -1
	ENotSupported     Err_t = -2
	EInvalidParams    Err_t = -3
	EDoesNotExist     Err_t = -4
	ENoPermissions    Err_t = -5
	ETimeout          Err_t = -6
	EInterrupted      Err_t = -7
	ESyncFailed       Err_t = -8
	EExists           Err_t = -9
	EFault            Err_t = -10
	ENameTooLong      Err_t = -11
	ENoHeap           Err_t = -12
	EFsPathNotFound   Err_t = -20
	EFsAccessDenied   Err_t = -21
	EFsDiskError      Err_t = -22
	EFsInvalidParams  Err_t = -23
	EFsExists         Err_t = -24
	EFsNotSupported   Err_t = -25
	EFsOutOfResources Err_t = -26
)

var names = map[Err_t]string{
	EOK:               "ok",
	EOutOfMemory:      "out of memory",
	ENotSupported:     "not supported",
	EInvalidParams:    "invalid parameters",
	EDoesNotExist:     "does not exist",
	ENoPermissions:    "no permissions",
	ETimeout:          "timeout",
	EInterrupted:      "interrupted",
	ESyncFailed:       "sync failed",
	EExists:           "exists",
	EFault:            "fault",
	ENameTooLong:      "name too long",
	ENoHeap:           "no heap",
	EFsPathNotFound:   "path not found",
	EFsAccessDenied:   "access denied",
	EFsDiskError:      "disk error",
	EFsInvalidParams:  "fs invalid parameters",
	EFsExists:         "fs exists",
	EFsNotSupported:   "fs not supported",
	EFsOutOfResources: "fs out of resources",
}

// String renders the error kind for logging; it never panics, unknown
// codes are rendered numerically.
func (e Err_t) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown error %d", int(e))
}

// Error satisfies the standard error interface so an Err_t can be
// wrapped when it must cross an API boundary that expects one (e.g.
// the VFS pipeline replying over an RPC transport).
func (e Err_t) Error() string { return e.String() }

// Tid_t identifies a thread, process, or module across the kernel: a
// dense, monotonically increasing identifier minted once per object.
type Tid_t int

// Fatal panics with a formatted message; used only for states that
// should be impossible to reach, e.g. freeing a frame whose bitmap bit
// is already clear. Kept as a named helper, not a bare panic(), so
// these call sites are grep-able.
func Fatal(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
