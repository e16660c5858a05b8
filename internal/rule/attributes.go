package rule

import (
	"fmt"
	"strings"
)

// SectorSize is the unit of the lba attribute.
const SectorSize = 512

// Direction is the data direction of a request.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "read"/"write" (and the short forms "r"/"w").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r":
		return DirRead, nil
	case "write", "w":
		return DirWrite, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Flags is the set of request flags visible to classification.
type Flags uint8

const (
	FlagDirect Flags = 1 << iota
	FlagSync
	FlagFUA
	FlagMetadata
)

var flagNames = []struct {
	name string
	flag Flags
}{
	{"direct", FlagDirect},
	{"sync", FlagSync},
	{"fua", FlagFUA},
	{"metadata", FlagMetadata},
}

// ParseFlag converts a flag name into its bit.
func ParseFlag(s string) (Flags, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, f := range flagNames {
		if f.name == name {
			return f.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", s)
}

// Names returns the flag names set in f, in a stable order.
func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return strings.Join(f.Names(), ",")
}

// FileInfo carries file metadata when the IO path can resolve it.
type FileInfo struct {
	Size      uint64
	Offset    uint64
	Extension string
	Directory string
}

// Attributes describes one IO request as seen by the classifier.
// File is nil when the request cannot be attributed to a file.
type Attributes struct {
	Direction Direction
	Flags     Flags
	Size      uint64 // bytes
	Offset    uint64 // bytes from the start of the exported device
	File      *FileInfo
}
