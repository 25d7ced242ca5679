// Package config describes how the memory manager is booted: the size of
// the simulated physical memory, the memory map reported by the boot
// loader, the kernel heap cache ladder, logging and metrics.
package config

import (
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/kheap"
)

// Region is a physical memory range. Type is only meaningful for memory map
// entries.
type Region struct {
	Base   Size   `json:"base"`
	Length Size   `json:"length"`
	Type   string `json:"type,omitempty"`
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Length)
}

// Heap configures the kmalloc cache ladder.
type Heap struct {
	MinShift uint `json:"minShift"`
	MaxShift uint `json:"maxShift"`
}

// Log configures logging.
type Log struct {
	Level string `json:"level"`
}

// Metrics configures the prometheus collector.
type Metrics struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// Config is the boot configuration of the memory manager.
type Config struct {
	ArenaSize Size     `json:"arenaSize"`
	MemoryMap []Region `json:"memoryMap"`
	Reserved  []Region `json:"reserved,omitempty"`
	Heap      Heap     `json:"heap"`
	Log       Log      `json:"log"`
	Metrics   Metrics  `json:"metrics"`
}

const minArenaSize = Size(2 * mm.LargePageSize)

var memoryTypes = map[string]mm.MemoryEntryType{
	"available": mm.MemAvailable,
	"reserved":  mm.MemReserved,
	"acpi":      mm.MemAcpiReclaimable,
	"nvs":       mm.MemNvs,
}

// Default returns a configuration with 64Mi of memory whose first megabyte
// is reserved.
func Default() *Config {
	return &Config{
		ArenaSize: 64 << 20,
		MemoryMap: []Region{
			{Base: 0, Length: 1 << 20, Type: "reserved"},
			{Base: 1 << 20, Length: 63 << 20, Type: "available"},
		},
		Heap: Heap{
			MinShift: kheap.MinShift,
			MaxShift: kheap.MaxShift,
		},
		Log: Log{
			Level: logrus.InfoLevel.String(),
		},
		Metrics: Metrics{
			Address: ":9090",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q", path)
	}

	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates the
// result. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ArenaSize < minArenaSize {
		result = multierror.Append(result, errors.Errorf("arenaSize %s is smaller than %s", c.ArenaSize, minArenaSize))
	}

	usable := false
	for i, r := range c.MemoryMap {
		t, ok := memoryTypes[r.Type]
		switch {
		case !ok:
			result = multierror.Append(result, errors.Errorf("memoryMap[%d]: unknown type %q", i, r.Type))
		case t == mm.MemAvailable && r.Length != 0 && uint64(r.Base) < uint64(c.ArenaSize):
			usable = true
		}
		if r.Length == 0 {
			result = multierror.Append(result, errors.Errorf("memoryMap[%d]: empty region", i))
		}
	}
	if !usable {
		result = multierror.Append(result, errors.New("memoryMap: no available region inside the arena"))
	}
	if err := overlaps("memoryMap", c.MemoryMap); err != nil {
		result = multierror.Append(result, err)
	}

	for i, r := range c.Reserved {
		if r.Length == 0 {
			result = multierror.Append(result, errors.Errorf("reserved[%d]: empty region", i))
		}
		if r.Type != "" {
			result = multierror.Append(result, errors.Errorf("reserved[%d]: type is not allowed", i))
		}
	}

	if c.Heap.MinShift < kheap.MinShift || c.Heap.MaxShift > kheap.MaxShift || c.Heap.MinShift > c.Heap.MaxShift {
		result = multierror.Append(result, errors.Errorf("heap: cache ladder 2^%d..2^%d outside of 2^%d..2^%d",
			c.Heap.MinShift, c.Heap.MaxShift, kheap.MinShift, kheap.MaxShift))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "log"))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		result = multierror.Append(result, errors.New("metrics: address is required when enabled"))
	}

	return result.ErrorOrNil()
}

// overlaps returns an error naming every pair of overlapping regions.
func overlaps(name string, regions []Region) error {
	idx := make([]int, len(regions))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return regions[idx[a]].Base < regions[idx[b]].Base })

	var result *multierror.Error
	for i := 1; i < len(idx); i++ {
		prev, cur := regions[idx[i-1]], regions[idx[i]]
		if prev.End() > uint64(cur.Base) {
			result = multierror.Append(result, errors.Errorf("%s[%d] overlaps %s[%d]", name, idx[i-1], name, idx[i]))
		}
	}

	return result.ErrorOrNil()
}

// MemoryMapEntries converts the memory map to the boot loader format.
func (c *Config) MemoryMapEntries() []mm.MemoryMapEntry {
	out := make([]mm.MemoryMapEntry, 0, len(c.MemoryMap))
	for _, r := range c.MemoryMap {
		out = append(out, mm.MemoryMapEntry{
			PhysAddress: uint64(r.Base),
			Length:      uint64(r.Length),
			Type:        memoryTypes[r.Type],
		})
	}

	return out
}

// ReservedRanges returns the reserved ranges.
func (c *Config) ReservedRanges() []mm.PhysRange {
	out := make([]mm.PhysRange, 0, len(c.Reserved))
	for _, r := range c.Reserved {
		out = append(out, mm.PhysRange{Base: uint64(r.Base), Length: uint64(r.Length)})
	}

	return out
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal configuration")
	}

	return data, nil
}
