package devmapper

import "fmt"

// SectorSize is the number of bytes in one device-mapper sector.
const SectorSize = 512

// Sectors is a count of 512-byte sectors.
type Sectors uint64

// Bytes returns the number of bytes in these sectors.
func (s Sectors) Bytes() Bytes {
	return Bytes(uint64(s) * SectorSize)
}

func (s Sectors) String() string {
	return fmt.Sprintf("%d sectors", uint64(s))
}

// Bytes is a count of bytes.
type Bytes uint64

// Sectors returns the number of whole sectors contained in these bytes.
func (b Bytes) Sectors() Sectors {
	return Sectors(uint64(b) / SectorSize)
}

func (b Bytes) String() string {
	return fmt.Sprintf("%d bytes", uint64(b))
}
