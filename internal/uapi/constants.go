// Package uapi provides the Linux kernel UAPI definitions for the
// device-mapper control interface, <uapi/linux/dm-ioctl.h>.
package uapi

// Ioctl command numbers, in enum order.
const (
	// Top level commands
	DM_VERSION_CMD = iota
	DM_REMOVE_ALL_CMD
	DM_LIST_DEVICES_CMD

	// Device level commands
	DM_DEV_CREATE_CMD
	DM_DEV_REMOVE_CMD
	DM_DEV_RENAME_CMD
	DM_DEV_SUSPEND_CMD
	DM_DEV_STATUS_CMD
	DM_DEV_WAIT_CMD

	// Table level commands
	DM_TABLE_LOAD_CMD
	DM_TABLE_CLEAR_CMD
	DM_TABLE_DEPS_CMD
	DM_TABLE_STATUS_CMD

	// Added later
	DM_LIST_VERSIONS_CMD
	DM_TARGET_MSG_CMD
	DM_DEV_SET_GEOMETRY_CMD
	DM_DEV_ARM_POLL_CMD
)

// Protocol version stamped into every request header. Calls whose major
// version does not match the kernel's are refused, which is the versioning
// contract the reply parsers rely on.
const (
	DM_VERSION_MAJOR      = 4
	DM_VERSION_MINOR      = 30
	DM_VERSION_PATCHLEVEL = 0
)

// Flag bits of the header flag word. "In" bits request behavior, "Out" bits
// report status; some are both.
const (
	DM_READONLY_FLAG             = 1 << 0  // In/Out: device is read-only
	DM_SUSPEND_FLAG              = 1 << 1  // In/Out: device is suspended
	DM_PERSISTENT_DEV_FLAG       = 1 << 3  // In: use passed-in minor number
	DM_STATUS_TABLE_FLAG         = 1 << 4  // In: STATUS returns table info, not status
	DM_ACTIVE_PRESENT_FLAG       = 1 << 5  // Out: active table is present
	DM_INACTIVE_PRESENT_FLAG     = 1 << 6  // Out: inactive table is present
	DM_BUFFER_FULL_FLAG          = 1 << 8  // Out: passed-in buffer was too small
	DM_SKIP_BDGET_FLAG           = 1 << 9  // Obsolete
	DM_SKIP_LOCKFS_FLAG          = 1 << 10 // In: don't freeze filesystem on suspend
	DM_NOFLUSH_FLAG              = 1 << 11 // In: suspend without flushing queued I/O
	DM_QUERY_INACTIVE_TABLE_FLAG = 1 << 12 // In: query inactive table instead of active
	DM_UEVENT_GENERATED_FLAG     = 1 << 13 // Out: a uevent was generated
	DM_UUID_FLAG                 = 1 << 14 // In: rename affects the uuid, not the name
	DM_SECURE_DATA_FLAG          = 1 << 15 // In: wipe all buffers after use
	DM_DATA_OUT_FLAG             = 1 << 16 // Out: a message generated output data
	DM_DEFERRED_REMOVE           = 1 << 17 // In/Out: remove when the device is closed
	DM_INTERNAL_SUSPEND_FLAG     = 1 << 18 // Out: device is suspended internally
)

// Fixed-width field limits.
const (
	DM_NAME_LEN      = 128
	DM_UUID_LEN      = 129
	DM_MAX_TYPE_NAME = 16
)

// DM_IOCTL is the ioctl type byte for device-mapper.
const DM_IOCTL = 0xfd

// ioctl request-number encoding constants
const (
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_NRBITS    = 8
	_IOC_TYPEBITS  = 8
	_IOC_SIZEBITS  = 14
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl request number.
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

// DmCmd encodes a DM command number as _IOWR(DM_IOCTL, nr, struct dm_ioctl).
// The header size acts only as the payload-size hint in the request number;
// the true transfer length travels in the header's data_size field.
func DmCmd(nr uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, DM_IOCTL, nr, SizeofIoctl)
}
