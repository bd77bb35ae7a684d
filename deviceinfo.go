package devmapper

import (
	"strings"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// DeviceInfo is the decoded control header returned by every
// device-addressed operation: one round-trip's worth of kernel state, never
// cached client-side.
type DeviceInfo struct {
	Name        string
	UUID        string // empty if the device has no uuid
	Dev         Device
	OpenCount   int32
	TargetCount uint32
	EventNr     uint32
	Flags       DmFlags
}

// newDeviceInfo decodes a header snapshot. Name and uuid bytes are decoded
// permissively: the protocol version contract guarantees structure, not
// string encoding, so invalid sequences are replaced rather than rejected.
func newDeviceInfo(hdr *uapi.Ioctl) *DeviceInfo {
	return &DeviceInfo{
		Name:        decodeString(hdr.NameBytes()),
		UUID:        decodeString(hdr.UUIDBytes()),
		Dev:         DeviceFromKdevT(uint32(hdr.Dev)),
		OpenCount:   hdr.OpenCount,
		TargetCount: hdr.TargetCount,
		EventNr:     hdr.EventNr,
		Flags:       DmFlags(hdr.Flags),
	}
}

// SuspendedState reports whether the kernel marked the device suspended.
func (i *DeviceInfo) SuspendedState() bool {
	return i.Flags.Has(DmSuspend)
}

// ActiveTablePresent reports whether an active table is loaded.
func (i *DeviceInfo) ActiveTablePresent() bool {
	return i.Flags.Has(DmActivePresent)
}

// InactiveTablePresent reports whether an inactive table is loaded.
func (i *DeviceInfo) InactiveTablePresent() bool {
	return i.Flags.Has(DmInactivePresent)
}

func decodeString(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
