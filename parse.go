package devmapper

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// The parsers below assume the ioctl succeeded. If it did, the data is
// correct and complete: the kernel versions this interface, and calls made
// with a non-matching major version fail outright, so a buffer that does not
// parse can only mean a broken invariant, never a recoverable condition.
// Offsets are still bounds-checked at every step; a violation panics rather
// than being silently "corrected".

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("devmapper: malformed kernel reply: " + fmt.Sprintf(format, args...))
	}
}

// DeviceEntry is one row of the device list: the device's name, its
// major:minor numbers, and its last event number on kernels that report it.
type DeviceEntry struct {
	Name    string
	Dev     Device
	EventNr *uint32 // nil when the kernel interface predates event reporting
}

// TargetVersion is one row of the loaded-target-type list.
type TargetVersion struct {
	Name  string
	Major uint32
	Minor uint32
	Patch uint32
}

// parseTableStatus walks the table rows returned by a status or wait call.
// count rows are present; unlike the list records, the loop is driven by the
// expected count, and each record's next field is an offset from the start
// of the payload. Trailing whitespace is trimmed off each parameter string
// so that table identity can be checked by equality.
func parseTableStatus(count uint32, buf []byte) []TargetLine {
	var targets []TargetLine
	if len(buf) == 0 {
		return targets
	}

	next := 0
	for i := uint32(0); i < count; i++ {
		invariant(next >= 0 && next+uapi.SizeofTargetSpec <= len(buf),
			"target spec %d at offset %d outside %d-byte payload", i, next, len(buf))
		rec := buf[next:]

		var spec uapi.TargetSpec
		if err := uapi.UnmarshalTargetSpec(rec, &spec); err != nil {
			invariant(false, "target spec %d: %v", i, err)
		}

		targetType := decodeString(uapi.TrimNull(spec.TargetType[:]))
		params := decodeString(uapi.TrimNull(rec[uapi.SizeofTargetSpec:]))
		params = strings.TrimRightFunc(params, unicode.IsSpace)

		targets = append(targets, TargetLine{
			Start:  Sectors(spec.SectorStart),
			Length: Sectors(spec.Length),
			Type:   TargetType(targetType),
			Params: params,
		})

		next = int(spec.Next)
	}
	return targets
}

// parseNameList walks the linked device-list records. Each record's next
// field is relative to the record itself; 0 terminates.
//
// The event number's offset depends on the kernel minor version. The name
// field starts at offset 12, and kernels at minor 37 and later place the
// event number at the next 8-byte boundary past the name. Minor 36, the
// version that introduced the field, computed the offset from the padded
// struct size plus a stray alignment mask; that layout shipped, so it is
// special-cased here permanently rather than "fixed". Earlier kernels do
// not report an event number at all.
func parseNameList(minor uint32, buf []byte) []DeviceEntry {
	var devs []DeviceEntry
	if len(buf) == 0 {
		return devs
	}

	off := 0
	for {
		invariant(off >= 0 && off+uapi.NameListNameOffset <= len(buf),
			"name list record at offset %d outside %d-byte payload", off, len(buf))
		rec := buf[off:]

		var nl uapi.NameList
		if err := uapi.UnmarshalNameList(rec, &nl); err != nil {
			invariant(false, "name list record: %v", err)
		}

		name := uapi.TrimNull(rec[uapi.NameListNameOffset:])

		entry := DeviceEntry{
			Name: decodeString(name),
			Dev:  DeviceFromKdevT(uint32(nl.Dev)),
		}

		var eventOff int
		switch {
		case minor >= 37:
			eventOff = uapi.AlignTo(uapi.NameListNameOffset+len(name)+1, 8)
		case minor == 36:
			// compatibility shim, see above
			eventOff = uapi.AlignTo(uapi.SizeofNameList+len(name)+1+7, 8)
		}
		if eventOff != 0 {
			invariant(eventOff+4 <= len(rec), "event number at offset %d outside record", eventOff)
			nr := binary.LittleEndian.Uint32(rec[eventOff : eventOff+4])
			entry.EventNr = &nr
		}

		devs = append(devs, entry)

		if nl.Next == 0 {
			break
		}
		off += int(nl.Next)
	}
	return devs
}

// parseVersions walks the linked target-version records. Each record's next
// field is relative to the record itself; 0 terminates.
func parseVersions(buf []byte) []TargetVersion {
	var versions []TargetVersion
	if len(buf) == 0 {
		return versions
	}

	off := 0
	for {
		invariant(off >= 0 && off+uapi.SizeofTargetVersions <= len(buf),
			"target version record at offset %d outside %d-byte payload", off, len(buf))
		rec := buf[off:]

		var tv uapi.TargetVersions
		if err := uapi.UnmarshalTargetVersions(rec, &tv); err != nil {
			invariant(false, "target version record: %v", err)
		}

		name := uapi.TrimNull(rec[uapi.SizeofTargetVersions:])
		versions = append(versions, TargetVersion{
			Name:  decodeString(name),
			Major: tv.Version[0],
			Minor: tv.Version[1],
			Patch: tv.Version[2],
		})

		if tv.Next == 0 {
			break
		}
		off += int(tv.Next)
	}
	return versions
}

// parseDeps decodes the dependency array. The kernel reserves 64 bits per
// entry but only the low 32 bits carry the "huge" dev_t encoding.
func parseDeps(buf []byte) []Device {
	if len(buf) == 0 {
		return nil
	}

	var deps uapi.TargetDeps
	if err := uapi.UnmarshalTargetDeps(buf, &deps); err != nil {
		invariant(false, "dependency list: %v", err)
	}
	invariant(uapi.SizeofTargetDeps+int(deps.Count)*8 <= len(buf),
		"%d dependency slots outside %d-byte payload", deps.Count, len(buf))

	devices := make([]Device, 0, deps.Count)
	for i := 0; i < int(deps.Count); i++ {
		devices = append(devices, DeviceFromKdevT(uint32(uapi.DepAt(buf, i))))
	}
	return devices
}
