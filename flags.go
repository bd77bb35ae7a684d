package devmapper

import (
	"fmt"
	"strings"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// DmFlags is the 32-bit flag word carried in every control header. Bits
// marked In request behavior, bits marked Out report status; some are both.
// Each operation masks caller-supplied flags against the bits it accepts and
// silently drops the rest; the accepted set is documented per operation.
type DmFlags uint32

const (
	// DmReadOnly - In: device should be read-only. Out: device is read-only.
	DmReadOnly DmFlags = uapi.DM_READONLY_FLAG
	// DmSuspend - In: device should be suspended. Out: device is suspended.
	DmSuspend DmFlags = uapi.DM_SUSPEND_FLAG
	// DmPersistentDev - In: use the minor number passed in the header dev field.
	DmPersistentDev DmFlags = uapi.DM_PERSISTENT_DEV_FLAG
	// DmStatusTable - In: the status command returns table info instead of
	// target status.
	DmStatusTable DmFlags = uapi.DM_STATUS_TABLE_FLAG
	// DmActivePresent - Out: an active table is present.
	DmActivePresent DmFlags = uapi.DM_ACTIVE_PRESENT_FLAG
	// DmInactivePresent - Out: an inactive table is present.
	DmInactivePresent DmFlags = uapi.DM_INACTIVE_PRESENT_FLAG
	// DmBufferFull - Out: the passed-in buffer was too small. Handled inside
	// the control channel; callers never see it set.
	DmBufferFull DmFlags = uapi.DM_BUFFER_FULL_FLAG
	// DmSkipBDGet - Obsolete.
	DmSkipBDGet DmFlags = uapi.DM_SKIP_BDGET_FLAG
	// DmSkipLockFS - In: don't freeze the filesystem when suspending.
	DmSkipLockFS DmFlags = uapi.DM_SKIP_LOCKFS_FLAG
	// DmNoFlush - In: suspend without flushing queued I/O.
	DmNoFlush DmFlags = uapi.DM_NOFLUSH_FLAG
	// DmQueryInactiveTable - In: query the inactive table instead of the
	// active one.
	DmQueryInactiveTable DmFlags = uapi.DM_QUERY_INACTIVE_TABLE_FLAG
	// DmUeventGenerated - Out: a uevent was generated; the caller may need
	// to wait for it.
	DmUeventGenerated DmFlags = uapi.DM_UEVENT_GENERATED_FLAG
	// DmUUID - In: rename affects the uuid field, not the name field. Set
	// internally by DeviceRename.
	DmUUID DmFlags = uapi.DM_UUID_FLAG
	// DmSecureData - In: wipe all buffers after use. Use when handling
	// crypto keys.
	DmSecureData DmFlags = uapi.DM_SECURE_DATA_FLAG
	// DmDataOut - Out: a target message generated output data.
	DmDataOut DmFlags = uapi.DM_DATA_OUT_FLAG
	// DmDeferredRemove - In: don't fail removal of in-use devices. Out:
	// device is scheduled for removal when closed.
	DmDeferredRemove DmFlags = uapi.DM_DEFERRED_REMOVE
	// DmInternalSuspend - Out: device is suspended internally.
	DmInternalSuspend DmFlags = uapi.DM_INTERNAL_SUSPEND_FLAG
)

var flagNames = []struct {
	flag DmFlags
	name string
}{
	{DmReadOnly, "READONLY"},
	{DmSuspend, "SUSPEND"},
	{DmPersistentDev, "PERSISTENT_DEV"},
	{DmStatusTable, "STATUS_TABLE"},
	{DmActivePresent, "ACTIVE_PRESENT"},
	{DmInactivePresent, "INACTIVE_PRESENT"},
	{DmBufferFull, "BUFFER_FULL"},
	{DmSkipBDGet, "SKIP_BDGET"},
	{DmSkipLockFS, "SKIP_LOCKFS"},
	{DmNoFlush, "NOFLUSH"},
	{DmQueryInactiveTable, "QUERY_INACTIVE_TABLE"},
	{DmUeventGenerated, "UEVENT_GENERATED"},
	{DmUUID, "UUID"},
	{DmSecureData, "SECURE_DATA"},
	{DmDataOut, "DATA_OUT"},
	{DmDeferredRemove, "DEFERRED_REMOVE"},
	{DmInternalSuspend, "INTERNAL_SUSPEND"},
}

// Has reports whether every bit of other is set in f.
func (f DmFlags) Has(other DmFlags) bool {
	return f&other == other
}

func (f DmFlags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}
