package mm

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Frames returns the number of frames that are required for storing this size.
func (s Size) Frames() uint64 {
	return uint64((s + Size(PageSize-1)) >> PageShift)
}

// String formats the size using the largest unit that divides it evenly.
func (s Size) String() string {
	switch {
	case s != 0 && s%Gb == 0:
		return fmt.Sprintf("%dGb", uint64(s/Gb))
	case s != 0 && s%Mb == 0:
		return fmt.Sprintf("%dMb", uint64(s/Mb))
	case s != 0 && s%Kb == 0:
		return fmt.Sprintf("%dKb", uint64(s/Kb))
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}
