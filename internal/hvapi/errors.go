// Package hvapi defines the error taxonomy and result encoding shared by
// every layer of the translation-table core.
package hvapi

import (
	"errors"
	"fmt"

	"github.com/arm64hv/core/internal/hvlog"
)

// Sentinel errors. Callers compare with errors.Is; wrapped forms carry
// the offending address or handle.
var (
	ErrInval   = errors.New("einval: malformed argument")
	ErrNoSpace = errors.New("enospc: arena or measurement table exhausted")
	ErrNoEnt   = errors.New("enoent: lookup missed")
	ErrFault   = errors.New("efault: measurement mismatch or digest failure")
	ErrPerm    = errors.New("eperm: unauthorized remap")
)

// AddrError wraps a sentinel with the virtual or physical address that
// triggered it, mirroring smoynes-elsie's MemoryError pattern.
type AddrError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *AddrError) Error() string {
	return fmt.Sprintf("%s: addr=%#x: %s", e.Op, e.Addr, e.Err)
}

func (e *AddrError) Unwrap() error { return e.Err }

// WrapAddr builds an AddrError, or returns nil if err is nil.
func WrapAddr(op string, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	return &AddrError{Op: op, Addr: addr, Err: err}
}

// Abort reports a fatal configuration impossibility (unsupported granule,
// null table mid break-before-make). There is no recovery path: the
// hypervisor has nothing to fall back to, so this panics after logging.
func Abort(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	hvlog.For("core").Error(msg)
	panic("hvapi: fatal: " + msg)
}
