//go:build linux

package xsk

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrConfig marks errors detected by parameter validation before any
// syscall is made. All configuration sentinels wrap it, so
// errors.Is(err, ErrConfig) classifies the whole family.
var ErrConfig = errors.New("invalid configuration")

var (
	ErrFrameSizePow2     = fmt.Errorf("%w: frame size must be a power of two", ErrConfig)
	ErrFrameSizeTooSmall = fmt.Errorf("%w: frame size below kernel minimum", ErrConfig)
	ErrLenNotMultiple    = fmt.Errorf("%w: umem length must be a multiple of the frame size", ErrConfig)
	ErrAreaNotAligned    = fmt.Errorf("%w: umem area must be page aligned", ErrConfig)
	ErrRingSizePow2      = fmt.Errorf("%w: ring size must be a power of two", ErrConfig)
	ErrNoRings           = fmt.Errorf("%w: at least one of rx/tx must be configured", ErrConfig)
	ErrRingNotConfigured = fmt.Errorf("%w: ring size was not configured", ErrConfig)
	ErrBindFlagsMismatch = fmt.Errorf("%w: bind flags differ from previous bind on this umem", ErrConfig)
	ErrNoQueueOwner      = fmt.Errorf("%w: no fill/completion owner bound for this queue", ErrConfig)
)

// ErrAlreadyBound is returned when a second fill/completion owner attempts
// to bind an (interface, queue) pair that is already owned. The existing
// binding is left untouched.
var ErrAlreadyBound = errors.New("queue already has a fill/completion owner")

// ErrUnsupported is returned when the running kernel lacks a required
// feature, e.g. the mmap-offsets query or a statistics version.
var ErrUnsupported = errors.New("kernel feature not supported")

// Errno wraps a raw OS error code observed from a syscall.
type Errno struct {
	Code unix.Errno
}

func errnoErr(e unix.Errno) Errno { return Errno{Code: e} }

func (e Errno) Error() string { return e.Code.Error() }

// Unwrap exposes the raw unix.Errno for errors.Is comparisons against
// unix.EAGAIN and friends.
func (e Errno) Unwrap() error { return e.Code }

// Retryable reports whether the error is transient backpressure or a signal
// interruption. The package never retries internally; retry policy belongs
// to the caller's event loop.
func (e Errno) Retryable() bool {
	switch e.Code {
	case unix.EAGAIN, unix.EINTR, unix.EBUSY:
		return true
	}
	return false
}

// Fatal reports whether the error indicates a misconfiguration or resource
// exhaustion that a retry cannot fix.
func (e Errno) Fatal() bool { return !e.Retryable() }

// wrapOS converts raw unix errors from x/sys helpers into Errno so the
// whole package reports OS failures uniformly.
func wrapOS(err error) error {
	if e, ok := err.(unix.Errno); ok {
		return errnoErr(e)
	}
	return err
}

// IsRetryable reports whether err carries a retryable OS error code
// anywhere in its chain.
func IsRetryable(err error) bool {
	var e Errno
	return errors.As(err, &e) && e.Retryable()
}

// unsupportedOpt translates the codes a kernel reports for an unknown
// socket option into ErrUnsupported, keeping the raw code in the chain.
func unsupportedOpt(err error) error {
	var e Errno
	if errors.As(err, &e) && (e.Code == unix.ENOPROTOOPT || e.Code == unix.EOPNOTSUPP) {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return err
}
