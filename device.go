package devmapper

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Device holds the major and minor numbers of a block device.
type Device struct {
	Major uint32
	Minor uint32
}

// DeviceFromKdevT decodes the kernel's "huge" dev_t encoding: twelve major
// bits split around twenty minor bits. This is the encoding the control
// interface uses for the header dev field and dependency lists.
func DeviceFromKdevT(dev uint32) Device {
	return Device{
		Major: (dev & 0xfff00) >> 8,
		Minor: (dev & 0xff) | ((dev >> 12) & 0xfff00),
	}
}

// KdevT encodes the device number back into the kernel's "huge" dev_t form.
func (d Device) KdevT() uint32 {
	return (d.Major << 8) | (d.Minor & 0xff) | ((d.Minor &^ 0xff) << 12)
}

// Devno returns the device number in the C library encoding used by mknod
// and stat.
func (d Device) Devno() uint64 {
	return unix.Mkdev(d.Major, d.Minor)
}

// DevNode returns the conventional device node path for a device-mapper
// minor number.
func (d Device) DevNode() string {
	return fmt.Sprintf("/dev/dm-%d", d.Minor)
}

func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}
