package devmapper

import (
	"strconv"
	"strings"

	"github.com/blkmapper/devmapper/internal/uapi"
)

// Maximum identifier lengths in bytes. One byte of each kernel field is
// reserved for the null terminator.
const (
	MaxNameLen = uapi.DM_NAME_LEN - 1
	MaxUUIDLen = uapi.DM_UUID_LEN - 1
)

// DevID addresses a device by name or by uuid, never both. Only Name and
// UUID implement it.
type DevID interface {
	String() string
	devID()
}

// Name is a validated device-mapper device name.
type Name string

// NewName validates a device name. It rejects empty strings, strings longer
// than the kernel's fixed-width name field allows, and embedded null bytes,
// so a Name always fits the header without truncation.
func NewName(s string) (Name, error) {
	if err := validateIdent("name", s, MaxNameLen); err != nil {
		return "", err
	}
	return Name(s), nil
}

func (n Name) String() string {
	return string(n)
}

func (Name) devID() {}

// UUID is a validated device-mapper device uuid. The kernel treats it as an
// opaque identifier; it need not follow any particular uuid format.
type UUID string

// NewUUID validates a device uuid with the same rules as NewName, against
// the wider uuid field.
func NewUUID(s string) (UUID, error) {
	if err := validateIdent("uuid", s, MaxUUIDLen); err != nil {
		return "", err
	}
	return UUID(s), nil
}

func (u UUID) String() string {
	return string(u)
}

func (UUID) devID() {}

func validateIdent(kind, s string, max int) error {
	switch {
	case len(s) == 0:
		return &Error{Op: kind, Code: ErrCodeInvalidIdentifier, Msg: "empty " + kind}
	case len(s) > max:
		return &Error{Op: kind, Code: ErrCodeInvalidIdentifier,
			Msg: kind + " exceeds " + strconv.Itoa(max) + " bytes"}
	case strings.IndexByte(s, 0) >= 0:
		return &Error{Op: kind, Code: ErrCodeInvalidIdentifier,
			Msg: kind + " contains a null byte"}
	}
	return nil
}
