package uapi

import "bytes"

// Ioctl mirrors struct dm_ioctl, the fixed-size control header exchanged on
// every call. 312 bytes on the wire.
type Ioctl struct {
	Version     [3]uint32
	DataSize    uint32 // total size of buffer, header included
	DataStart   uint32 // offset of the payload within the buffer
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	Padding     uint32
	Dev         uint64
	Name        [DM_NAME_LEN]byte // null-padded
	UUID        [DM_UUID_LEN]byte // null-padded
	Data        [7]byte           // padding
}

// SizeofIoctl is sizeof(struct dm_ioctl).
const SizeofIoctl = 312

// SetName copies a device name into the fixed-width name field. The caller
// guarantees it fits; identifiers are validated at construction.
func (d *Ioctl) SetName(name string) {
	copy(d.Name[:], name)
}

// SetUUID copies a device uuid into the fixed-width uuid field.
func (d *Ioctl) SetUUID(uuid string) {
	copy(d.UUID[:], uuid)
}

// NameBytes returns the name field up to its null terminator.
func (d *Ioctl) NameBytes() []byte {
	return TrimNull(d.Name[:])
}

// UUIDBytes returns the uuid field up to its null terminator.
func (d *Ioctl) UUIDBytes() []byte {
	return TrimNull(d.UUID[:])
}

// TargetSpec mirrors struct dm_target_spec, the fixed prefix of one table
// row. 40 bytes, followed by the null-padded parameter string.
type TargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32 // offset of the next record, relative to this one on load
	TargetType  [DM_MAX_TYPE_NAME]byte
}

// SizeofTargetSpec is sizeof(struct dm_target_spec).
const SizeofTargetSpec = 40

// TargetMsg mirrors struct dm_target_msg. 8 bytes, followed by the
// null-terminated message text.
type TargetMsg struct {
	Sector uint64
}

// SizeofTargetMsg is sizeof(struct dm_target_msg).
const SizeofTargetMsg = 8

// NameList mirrors the fixed fields of struct dm_name_list. The device name
// begins at NameListNameOffset, not at the padded C sizeof.
type NameList struct {
	Dev  uint64
	Next uint32 // offset of the next record; 0 terminates
}

const (
	// NameListNameOffset is offsetof(struct dm_name_list, name).
	NameListNameOffset = 12
	// SizeofNameList is the padded C sizeof(struct dm_name_list), which
	// differs from the name offset because of trailing alignment. Kernel
	// minor version 36 computed the event number offset from this value.
	SizeofNameList = 16
)

// TargetVersions mirrors struct dm_target_versions. 16 bytes, followed by
// the null-terminated target type name.
type TargetVersions struct {
	Next    uint32 // offset of the next record; 0 terminates
	Version [3]uint32
}

// SizeofTargetVersions is sizeof(struct dm_target_versions).
const SizeofTargetVersions = 16

// TargetDeps mirrors struct dm_target_deps. 8 bytes, followed by Count
// 64-bit slots each holding a 32-bit kernel dev_t.
type TargetDeps struct {
	Count   uint32
	Padding uint32
}

// SizeofTargetDeps is sizeof(struct dm_target_deps) without the dev array.
const SizeofTargetDeps = 8

// TrimNull returns b up to but excluding the first null byte, or all of b if
// none is present.
func TrimNull(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// AlignTo rounds n up to the next multiple of align, which must be a power
// of two.
func AlignTo(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
