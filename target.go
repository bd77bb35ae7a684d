package devmapper

import (
	"fmt"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// MaxTargetTypeLen is the width of the fixed target-type field in a table
// row.
const MaxTargetTypeLen = uapi.DM_MAX_TYPE_NAME

// TargetType names a device-mapper target ("linear", "thin", "crypt", ...).
type TargetType string

// NewTargetType validates that a target type name fits the fixed-width
// field.
func NewTargetType(s string) (TargetType, error) {
	if len(s) == 0 {
		return "", &Error{Op: "target type", Code: ErrCodeInvalidIdentifier, Msg: "empty target type"}
	}
	if len(s) > MaxTargetTypeLen {
		return "", &Error{Op: "target type", Code: ErrCodeInvalidIdentifier,
			Msg: fmt.Sprintf("target type exceeds %d bytes", MaxTargetTypeLen)}
	}
	return TargetType(s), nil
}

func (t TargetType) String() string {
	return string(t)
}

// TargetLine is one row of a device's mapping table: where the row begins
// and how long it runs, which target implements it, and the target's
// parameter string. Parameters are opaque to this layer; their grammar
// belongs to the individual target. Row order defines the mapping geometry
// and survives load/status round-trips, modulo trailing-whitespace trimming
// of returned parameters.
type TargetLine struct {
	Start  Sectors
	Length Sectors
	Type   TargetType
	Params string
}

func (t TargetLine) String() string {
	return fmt.Sprintf("%d %d %s %s", uint64(t.Start), uint64(t.Length), t.Type, t.Params)
}

// LinearTarget maps length sectors starting at start onto devPath beginning
// at offset.
//
//	0 20971520 linear /dev/hda 384
//	|     |      |        |     |
//	start |   target   data_dev |
//	     length               offset
func LinearTarget(start, length Sectors, devPath string, offset Sectors) TargetLine {
	return TargetLine{
		Start:  start,
		Length: length,
		Type:   "linear",
		Params: fmt.Sprintf("%s %d", devPath, uint64(offset)),
	}
}

// ZeroTarget maps length sectors starting at start to a region that reads
// zeros and discards writes.
func ZeroTarget(start, length Sectors) TargetLine {
	return TargetLine{Start: start, Length: length, Type: "zero"}
}

// ErrorTarget maps length sectors starting at start to a region that fails
// all I/O.
func ErrorTarget(start, length Sectors) TargetLine {
	return TargetLine{Start: start, Length: length, Type: "error"}
}
