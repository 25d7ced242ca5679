package config

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Size is a byte count. In YAML it is written either as a number (decimal
// or hexadecimal) or as a string with a binary suffix such as "64Mi".
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"Gi", 30},
	{"Mi", 20},
	{"Ki", 10},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseSize parses a size string.
func ParseSize(s string) (Size, error) {
	str := strings.TrimSpace(s)
	shift := uint(0)
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(str, sfx.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, sfx.suffix))
			shift = sfx.shift
			break
		}
	}

	v, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid size %q", s)
	}

	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, errors.Errorf("size %q overflows", s)
	}

	return Size(v << shift), nil
}

// String formats the size with the largest binary suffix that divides it.
func (s Size) String() string {
	for _, sfx := range sizeSuffixes[:3] {
		if unit := uint64(1) << sfx.shift; s != 0 && uint64(s)%unit == 0 {
			return strconv.FormatUint(uint64(s)/unit, 10) + sfx.suffix
		}
	}

	return strconv.FormatUint(uint64(s), 10)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Size) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		var n uint64
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.Errorf("invalid size %s", string(data))
		}
		*s = Size(n)
		return nil
	}

	v, err := ParseSize(str)
	if err != nil {
		return err
	}

	*s = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
