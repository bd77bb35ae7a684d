package devmapper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{
		Op:    "device remove",
		Code:  ErrCodeDeviceBusy,
		Errno: unix.EBUSY,
		Info:  &DeviceInfo{Name: "example-dev"},
		Msg:   "device or resource busy",
	}
	assert.Equal(t,
		"devmapper: device or resource busy (op=device remove device=example-dev errno=16)",
		err.Error())

	bare := &Error{Code: ErrCodeContextInit}
	assert.Equal(t, "devmapper: cannot open control device", bare.Error())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Error{Op: "device create", Code: ErrCodeDeviceBusy})
	assert.True(t, errors.Is(err, &Error{Code: ErrCodeDeviceBusy}))
	assert.False(t, errors.Is(err, &Error{Code: ErrCodeDeviceNotFound}))
}

func TestMapErrnoToCode(t *testing.T) {
	cases := map[unix.Errno]ErrorCode{
		unix.ENXIO:  ErrCodeDeviceNotFound,
		unix.ENODEV: ErrCodeDeviceNotFound,
		unix.ENOENT: ErrCodeDeviceNotFound,
		unix.EBUSY:  ErrCodeDeviceBusy,
		unix.EINVAL: ErrCodeInvalidParameters,
		unix.E2BIG:  ErrCodeInvalidParameters,
		unix.EPERM:  ErrCodePermissionDenied,
		unix.EACCES: ErrCodePermissionDenied,
		unix.ENOMEM: ErrCodeOutOfMemory,
		unix.EIO:    ErrCodeIoctlFailed,
	}
	for errno, want := range cases {
		assert.Equal(t, want, mapErrnoToCode(errno), "errno %d", int(errno))
	}
}

func TestWrapIoctlPassesThroughNil(t *testing.T) {
	assert.NoError(t, wrapIoctl("version", nil))
}

func TestWrapIoctlNonChannelError(t *testing.T) {
	inner := errors.New("short write")
	err := wrapIoctl("table load", inner)

	var dmErr *Error
	assert.ErrorAs(t, err, &dmErr)
	assert.Equal(t, ErrCodeIoctlFailed, dmErr.Code)
	assert.Nil(t, dmErr.Info)
	assert.ErrorIs(t, err, inner)
}
