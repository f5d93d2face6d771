// Package hostdrv models the host kernel driver ioctl surface of
// spec.md §6 as a client: the four ioctl codes, the protection and
// memory-type constants the driver exposes, and a rate-limited,
// backoff-retrying transport for READ_LOG polling.
package hostdrv

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/arm64hv/core/internal/hvlog"
)

var log = hvlog.For("hostdrv")

// Ioctl codes from driver/hyp-drv.h.
const (
	KernelLock = 1
	KernelMmap = 2
	KernelWrite = 3
	ReadLog    = 4
)

// MmapRequest is the {start,end,prot} payload shared by KERNEL_MMAP and
// KERNEL_WRITE.
type MmapRequest struct {
	Start uint64
	End   uint64
	Prot  uint64
}

// LogRequest is READ_LOG's {frag} payload: the fragment index to pull.
type LogRequest struct {
	Frag uint64
}

// Protection bit-composition constants (spec.md §6), expressed as the
// XN/shareability/S2AP pairs named there.
const (
	xnBit   = uint64(1) << 54
	pxnBit  = uint64(1) << 53
	shInner = uint64(0b11) << 8
	s2apRW  = uint64(0b11) << 6
	s2apRO  = uint64(0b01) << 6
)

const (
	// KernelExec permits instruction fetch (neither XN nor PXN set).
	KernelExec = shInner

	// PageKernel is RW, non-executable, inner-shareable normal memory.
	PageKernel = shInner | xnBit | s2apRW

	// PageVDSO is RO+exec, inner-shareable: user-mode-visible code page.
	PageVDSO = shInner | s2apRO

	// PageKernelRO is RO, non-executable, inner-shareable.
	PageKernelRO = shInner | xnBit | s2apRO
)

// Memory-type constants (spec.md §6).
const (
	S2Inone = 0 // inner non-cacheable
	S2Iwt   = 1 // inner write-through
	S2Iwb   = 2 // inner write-back cacheable
)

// Driver is a handle to the host kernel driver's ioctl surface, opened
// against a device node (e.g. /dev/hyp-drv on the real target).
type Driver struct {
	fd int

	limiter *rate.Limiter
	backoff backoff.BackOff
}

// Open opens path and wraps it as a Driver. limit bounds READ_LOG poll
// frequency so a noisy log producer cannot starve the trap-handling CPU
// (SPEC_FULL.md domain-stack rationale for golang.org/x/time/rate).
func Open(path string, limit rate.Limit, burst int) (*Driver, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostdrv: open %s: %w", path, err)
	}

	return &Driver{
		fd:      fd,
		limiter: rate.NewLimiter(limit, burst),
		backoff: backoff.NewExponentialBackOff(),
	}, nil
}

// Close releases the underlying file descriptor.
func (d *Driver) Close() error {
	return unix.Close(d.fd)
}

// KernelLock issues the KERNEL_LOCK ioctl (freeze host kernel text).
func (d *Driver) KernelLock() error {
	return d.ioctlRetry(KernelLock, 0)
}

// KernelMmap issues KERNEL_MMAP: declare a host kernel memory region to
// the hypervisor.
func (d *Driver) KernelMmap(req MmapRequest) error {
	return d.ioctlRetry(KernelMmap, uintptr(unsafe.Pointer(&req)))
}

// KernelWrite issues KERNEL_WRITE: request a controlled write window.
func (d *Driver) KernelWrite(req MmapRequest) error {
	return d.ioctlRetry(KernelWrite, uintptr(unsafe.Pointer(&req)))
}

// ReadLog pulls one log fragment, rate-limited so polling cannot starve
// the CPU also running trap handling.
func (d *Driver) ReadLog(ctx context.Context, frag uint64) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("hostdrv: read_log rate limiter: %w", err)
	}

	req := LogRequest{Frag: frag}
	return d.ioctlRetry(ReadLog, uintptr(unsafe.Pointer(&req)))
}

// ioctlRetry issues one ioctl, retrying any error it returns under the
// driver's bounded backoff policy instead of a hand-rolled spin loop.
func (d *Driver) ioctlRetry(code int, arg uintptr) error {
	op := func() error {
		return rawIoctl(d.fd, code, arg)
	}

	return backoff.Retry(op, d.backoff)
}

// rawIoctl is a var so tests can substitute a fake syscall seam; real
// callers always go through the unix.Syscall default below.
var rawIoctl = func(fd, code int, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(code), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// pollInterval is a sane default for callers wiring up a periodic
// ReadLog poller; it is not itself enforced here.
const pollInterval = 50 * time.Millisecond
