package uapi

import "encoding/binary"

// The control interface is host-endian; DM runs little-endian on every
// platform this package supports, so all packing is explicit LittleEndian.
// Structs are never aliased in place: every record crosses the wire through
// these field-by-field codecs.

// MarshalError reports a short or malformed buffer during unmarshaling.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

// ErrInsufficientData indicates the buffer is too short for the record.
const ErrInsufficientData = MarshalError("insufficient data")

// MarshalIoctl packs the control header into a fresh 312-byte buffer.
func MarshalIoctl(d *Ioctl) []byte {
	buf := make([]byte, SizeofIoctl)
	MarshalIoctlTo(buf, d)
	return buf
}

// MarshalIoctlTo packs the control header into the front of buf, which must
// hold at least SizeofIoctl bytes.
func MarshalIoctlTo(buf []byte, d *Ioctl) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Version[0])
	binary.LittleEndian.PutUint32(buf[4:8], d.Version[1])
	binary.LittleEndian.PutUint32(buf[8:12], d.Version[2])
	binary.LittleEndian.PutUint32(buf[12:16], d.DataSize)
	binary.LittleEndian.PutUint32(buf[16:20], d.DataStart)
	binary.LittleEndian.PutUint32(buf[20:24], d.TargetCount)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(d.OpenCount))
	binary.LittleEndian.PutUint32(buf[28:32], d.Flags)
	binary.LittleEndian.PutUint32(buf[32:36], d.EventNr)
	binary.LittleEndian.PutUint32(buf[36:40], d.Padding)
	binary.LittleEndian.PutUint64(buf[40:48], d.Dev)
	copy(buf[48:176], d.Name[:])
	copy(buf[176:305], d.UUID[:])
	copy(buf[305:312], d.Data[:])
}

// UnmarshalIoctl unpacks a control header from the front of data.
func UnmarshalIoctl(data []byte, d *Ioctl) error {
	if len(data) < SizeofIoctl {
		return ErrInsufficientData
	}

	d.Version[0] = binary.LittleEndian.Uint32(data[0:4])
	d.Version[1] = binary.LittleEndian.Uint32(data[4:8])
	d.Version[2] = binary.LittleEndian.Uint32(data[8:12])
	d.DataSize = binary.LittleEndian.Uint32(data[12:16])
	d.DataStart = binary.LittleEndian.Uint32(data[16:20])
	d.TargetCount = binary.LittleEndian.Uint32(data[20:24])
	d.OpenCount = int32(binary.LittleEndian.Uint32(data[24:28]))
	d.Flags = binary.LittleEndian.Uint32(data[28:32])
	d.EventNr = binary.LittleEndian.Uint32(data[32:36])
	d.Padding = binary.LittleEndian.Uint32(data[36:40])
	d.Dev = binary.LittleEndian.Uint64(data[40:48])
	copy(d.Name[:], data[48:176])
	copy(d.UUID[:], data[176:305])
	copy(d.Data[:], data[305:312])

	return nil
}

// ioctlDataSizeOffset is the byte offset of the data_size field within the
// header. The buffer-growth retry updates it in place.
const ioctlDataSizeOffset = 12

// PatchDataSize rewrites the data_size field of a header already serialized
// at the front of buf.
func PatchDataSize(buf []byte, size uint32) {
	binary.LittleEndian.PutUint32(buf[ioctlDataSizeOffset:ioctlDataSizeOffset+4], size)
}

// MarshalTargetSpec packs one table-row prefix into a fresh 40-byte buffer.
func MarshalTargetSpec(t *TargetSpec) []byte {
	buf := make([]byte, SizeofTargetSpec)

	binary.LittleEndian.PutUint64(buf[0:8], t.SectorStart)
	binary.LittleEndian.PutUint64(buf[8:16], t.Length)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(t.Status))
	binary.LittleEndian.PutUint32(buf[20:24], t.Next)
	copy(buf[24:40], t.TargetType[:])

	return buf
}

// UnmarshalTargetSpec unpacks one table-row prefix from the front of data.
func UnmarshalTargetSpec(data []byte, t *TargetSpec) error {
	if len(data) < SizeofTargetSpec {
		return ErrInsufficientData
	}

	t.SectorStart = binary.LittleEndian.Uint64(data[0:8])
	t.Length = binary.LittleEndian.Uint64(data[8:16])
	t.Status = int32(binary.LittleEndian.Uint32(data[16:20]))
	t.Next = binary.LittleEndian.Uint32(data[20:24])
	copy(t.TargetType[:], data[24:40])

	return nil
}

// MarshalTargetMsg packs a target-message prefix.
func MarshalTargetMsg(m *TargetMsg) []byte {
	buf := make([]byte, SizeofTargetMsg)
	binary.LittleEndian.PutUint64(buf[0:8], m.Sector)
	return buf
}

// UnmarshalNameList unpacks the fixed fields of one name-list record.
func UnmarshalNameList(data []byte, n *NameList) error {
	if len(data) < NameListNameOffset {
		return ErrInsufficientData
	}

	n.Dev = binary.LittleEndian.Uint64(data[0:8])
	n.Next = binary.LittleEndian.Uint32(data[8:12])

	return nil
}

// UnmarshalTargetVersions unpacks the fixed fields of one target-version
// record.
func UnmarshalTargetVersions(data []byte, v *TargetVersions) error {
	if len(data) < SizeofTargetVersions {
		return ErrInsufficientData
	}

	v.Next = binary.LittleEndian.Uint32(data[0:4])
	v.Version[0] = binary.LittleEndian.Uint32(data[4:8])
	v.Version[1] = binary.LittleEndian.Uint32(data[8:12])
	v.Version[2] = binary.LittleEndian.Uint32(data[12:16])

	return nil
}

// UnmarshalTargetDeps unpacks the dependency-list prefix.
func UnmarshalTargetDeps(data []byte, d *TargetDeps) error {
	if len(data) < SizeofTargetDeps {
		return ErrInsufficientData
	}

	d.Count = binary.LittleEndian.Uint32(data[0:4])
	d.Padding = binary.LittleEndian.Uint32(data[4:8])

	return nil
}

// DepAt reads dependency slot i following a TargetDeps prefix. The kernel
// reserves 64 bits per slot but only the low 32 bits carry the dev_t.
func DepAt(data []byte, i int) uint64 {
	off := SizeofTargetDeps + i*8
	return binary.LittleEndian.Uint64(data[off : off+8])
}
