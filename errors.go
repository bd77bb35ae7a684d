package devmapper

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/blkmapper/devmapper/internal/ctrl"
)

// Error is a structured devmapper error with operation context and errno
// mapping. Two failure surfaces exist: opening the control node
// (ErrCodeContextInit) and a kernel-rejected ioctl, which carries the errno
// and the header as it was sent so callers can inspect which identifier and
// flags the failed request used.
type Error struct {
	Op    string      // Operation that failed (e.g. "device create")
	Code  ErrorCode   // High-level error category
	Errno unix.Errno  // Kernel errno (0 if not applicable)
	Info  *DeviceInfo // Header as sent, decoded (nil outside the ioctl surface)
	Msg   string      // Human-readable message
	Inner error       // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Info != nil && e.Info.Name != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.Info.Name))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("devmapper: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("devmapper: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by category, so callers can compare against a bare
// &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeContextInit       ErrorCode = "cannot open control device"
	ErrCodeInvalidIdentifier ErrorCode = "invalid identifier"
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeDeviceBusy        ErrorCode = "device busy"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeOutOfMemory       ErrorCode = "out of memory"
	ErrCodeIoctlFailed       ErrorCode = "ioctl failed"
)

// wrapIoctl converts a control-channel failure into a structured Error,
// decoding the as-sent header into a DeviceInfo snapshot.
func wrapIoctl(op string, err error) error {
	if err == nil {
		return nil
	}

	var ie *ctrl.IoctlError
	if errors.As(err, &ie) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(ie.Errno),
			Errno: ie.Errno,
			Info:  newDeviceInfo(&ie.Hdr),
			Msg:   ie.Errno.Error(),
			Inner: err,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIoctlFailed,
		Msg:   err.Error(),
		Inner: err,
	}
}

// mapErrnoToCode maps a kernel errno to an error category. The kernel does
// not distinguish failures beyond errno, so this mapping is the finest
// classification available.
func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.ENXIO, unix.ENODEV, unix.ENOENT:
		return ErrCodeDeviceNotFound
	case unix.EBUSY:
		return ErrCodeDeviceBusy
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidParameters
	case unix.EPERM, unix.EACCES:
		return ErrCodePermissionDenied
	case unix.ENOMEM, unix.ENOSPC:
		return ErrCodeOutOfMemory
	default:
		return ErrCodeIoctlFailed
	}
}

// IsCode checks if an error matches a specific error category
func IsCode(err error, code ErrorCode) bool {
	var dmErr *Error
	if errors.As(err, &dmErr) {
		return dmErr.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific kernel errno
func IsErrno(err error, errno unix.Errno) bool {
	var dmErr *Error
	if errors.As(err, &dmErr) {
		return dmErr.Errno == errno
	}
	return false
}
