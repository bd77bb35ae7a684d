// Package ctrl owns the device-mapper control channel: the open
// /dev/mapper/control handle and the single ioctl round-trip every command
// goes through.
package ctrl

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blkmapper/devmapper/internal/logging"
	"github.com/blkmapper/devmapper/internal/uapi"
)

// ControlPath is the well-known device-mapper control node.
const ControlPath = "/dev/mapper/control"

// minBufSize is the initial working-buffer size. Starting large makes the
// BUFFER_FULL retry rare; libdevmapper sizes its first attempt the same way.
const minBufSize = 16 * 1024

// Recorder receives control-channel execution statistics.
type Recorder interface {
	// RecordCommand is called once per Execute with the payload sizes and
	// the final outcome.
	RecordCommand(cmd uint32, payloadIn, payloadOut int, err error)
	// RecordBufferGrow is called each time the reply buffer is doubled.
	RecordBufferGrow(newSize int)
}

// IoctlError reports a kernel- or OS-rejected control call. It carries the
// errno and the header exactly as it was sent, so callers can see which
// identifier and flags the failed request used.
type IoctlError struct {
	Cmd   uint32
	Errno unix.Errno
	Hdr   uapi.Ioctl
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("device-mapper ioctl %d failed: %v", e.Cmd, e.Errno)
}

// Unwrap exposes the errno for errors.Is comparisons against unix.EBUSY etc.
func (e *IoctlError) Unwrap() error {
	return e.Errno
}

// Channel is the open control-channel resource. It holds no other state;
// sharing it across goroutines is as safe as sharing the underlying
// descriptor, and concurrent calls are not ordered by this layer.
type Channel struct {
	f        *os.File
	logger   *logging.Logger
	recorder Recorder
}

// Open opens the default control node.
func Open() (*Channel, error) {
	return OpenPath(ControlPath)
}

// OpenPath opens a control node at a non-standard path. Failure here is the
// only context-construction error this package produces.
func OpenPath(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open control device %s: %w", path, err)
	}

	return &Channel{
		f:      f,
		logger: logging.Default(),
	}, nil
}

// File returns the underlying control file. The descriptor is pollable:
// readiness signals a device event, and must be re-armed after each
// notification via the arm-poll command.
func (c *Channel) File() *os.File {
	return c.f
}

// Close releases the control handle.
func (c *Channel) Close() error {
	return c.f.Close()
}

// SetLogger sets the logger for this channel.
func (c *Channel) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetRecorder attaches an execution-statistics recorder.
func (c *Channel) SetRecorder(r Recorder) {
	c.recorder = r
}

// rawIoctl issues the syscall. A package variable so the retry loop can be
// exercised against a simulated kernel in tests.
var rawIoctl = func(fd uintptr, op uint32, buf []byte) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(op), uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	return errno
}

// Execute performs one control command. The caller populates the header's
// semantic fields (identifier, flags, target count); Execute owns buffer
// sizing, the BUFFER_FULL retry, and payload extraction.
//
// The kernel consumes the request on the first call even when the reply does
// not fit; growth retries resubmit the same buffer with only data_size
// changed. On return hdr holds the kernel-mutated header and the result is a
// copy of the reply payload between data_start and data_size.
func (c *Channel) Execute(cmd uint32, hdr *uapi.Ioctl, payload []byte) ([]byte, error) {
	size := minBufSize
	if need := uapi.SizeofIoctl + len(payload); need > size {
		size = need
	}
	hdr.DataSize = uint32(size)

	buf := make([]byte, size)
	uapi.MarshalIoctlTo(buf, hdr)
	copy(buf[uapi.SizeofIoctl:], payload)

	sent := *hdr
	op := uapi.DmCmd(cmd)

	for {
		if errno := rawIoctl(c.f.Fd(), op, buf); errno != 0 {
			err := &IoctlError{Cmd: cmd, Errno: errno, Hdr: sent}
			if c.recorder != nil {
				c.recorder.RecordCommand(cmd, len(payload), 0, err)
			}
			return nil, err
		}

		if err := uapi.UnmarshalIoctl(buf, hdr); err != nil {
			panic(fmt.Sprintf("ctrl: reply shorter than its own header: %v", err))
		}

		if hdr.Flags&uapi.DM_BUFFER_FULL_FLAG == 0 {
			break
		}

		grown := make([]byte, len(buf)*2)
		copy(grown, buf)
		buf = grown
		uapi.PatchDataSize(buf, uint32(len(buf)))
		c.logger.Debug("reply buffer full, growing", "cmd", cmd, "size", len(buf))
		if c.recorder != nil {
			c.recorder.RecordBufferGrow(len(buf))
		}
	}

	start := int(hdr.DataStart)
	end := int(hdr.DataSize)
	if end < start {
		end = start
	}
	if start > len(buf) {
		start = len(buf)
	}
	if end > len(buf) {
		end = len(buf)
	}

	out := make([]byte, end-start)
	copy(out, buf[start:end])

	if c.recorder != nil {
		c.recorder.RecordCommand(cmd, len(payload), len(out), nil)
	}
	return out, nil
}
