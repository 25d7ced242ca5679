package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

const testConfig = `
arenaSize: 32Mi
memoryMap:
  - {base: 0x0, length: 0x100000, type: reserved}
  - {base: 1Mi, length: 31Mi, type: available}
reserved:
  - {base: 0x100000, length: 0x200000}
heap:
  minShift: 4
  maxShift: 10
log:
  level: debug
metrics:
  enabled: true
  address: 127.0.0.1:9100
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	exp := &Config{
		ArenaSize: 32 << 20,
		MemoryMap: []Region{
			{Base: 0, Length: 1 << 20, Type: "reserved"},
			{Base: 1 << 20, Length: 31 << 20, Type: "available"},
		},
		Reserved: []Region{
			{Base: 1 << 20, Length: 2 << 20},
		},
		Heap:    Heap{MinShift: 4, MaxShift: 10},
		Log:     Log{Level: "debug"},
		Metrics: Metrics{Enabled: true, Address: "127.0.0.1:9100"},
	}
	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("unexpected configuration (-want +got):\n%s", diff)
	}

	t.Run("memory map", func(t *testing.T) {
		entries := cfg.MemoryMapEntries()
		require.Len(t, entries, 2)
		assert.Equal(t, mm.MemoryMapEntry{PhysAddress: 0, Length: 1 << 20, Type: mm.MemReserved}, entries[0])
		assert.Equal(t, mm.MemoryMapEntry{PhysAddress: 1 << 20, Length: 31 << 20, Type: mm.MemAvailable}, entries[1])

		assert.Equal(t, []mm.PhysRange{{Base: 1 << 20, Length: 2 << 20}}, cfg.ReservedRanges())
	})

	t.Run("marshal", func(t *testing.T) {
		data, err := cfg.Marshal()
		require.NoError(t, err)

		again, err := Parse(data)
		require.NoError(t, err)
		if diff := cmp.Diff(cfg, again); diff != "" {
			t.Fatalf("configuration changed after marshaling (-want +got):\n%s", diff)
		}
	})
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Parse([]byte("log:\n  level: warning\n"))
	require.NoError(t, err)
	assert.Equal(t, "warning", cfg.Log.Level)
	assert.Equal(t, Default().MemoryMap, cfg.MemoryMap)
}

func TestParseErrors(t *testing.T) {
	specs := []struct {
		name string
		doc  string
	}{
		{"unknown field", "arenaSize: 32Mi\nswap: true\n"},
		{"bad size", "arenaSize: 32Xi\n"},
		{"negative size", "arenaSize: -1\n"},
		{"bad yaml", "arenaSize: [\n"},
		{"invalid values", "heap: {minShift: 1, maxShift: 11}\n"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := Parse([]byte(spec.doc))
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		ArenaSize: 1 << 20,
		MemoryMap: []Region{
			{Base: 0, Length: 2 << 20, Type: "available"},
			{Base: 1 << 20, Length: 1 << 20, Type: "bogus"},
		},
		Reserved: []Region{{Base: 0, Length: 0}},
		Heap:     Heap{MinShift: 8, MaxShift: 4},
		Log:      Log{Level: "loud"},
		Metrics:  Metrics{Enabled: true},
	}

	err := cfg.Validate()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 7, err.Error())

	for _, exp := range []string{"arenaSize", "unknown type", "overlaps", "reserved[0]", "heap", "log", "metrics"} {
		assert.Contains(t, err.Error(), exp)
	}

	t.Run("no usable memory", func(t *testing.T) {
		cfg := Default()
		cfg.MemoryMap = []Region{{Base: 128 << 20, Length: 1 << 20, Type: "available"}}
		assert.Contains(t, cfg.Validate().Error(), "no available region")
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Size(32<<20), cfg.ArenaSize)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")

	require.NoError(t, os.WriteFile(path, []byte("arenaSize: 1Ki\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestParseSize(t *testing.T) {
	specs := []struct {
		in     string
		exp    Size
		expErr bool
	}{
		{"4096", 4096, false},
		{"0x1000", 4096, false},
		{"4Ki", 4096, false},
		{"2 Mi", 2 << 20, false},
		{"1G", 1 << 30, false},
		{"0x10Mi", 16 << 20, false},
		{"", 0, true},
		{"Mi", 0, true},
		{"1.5Gi", 0, true},
		{"17179869184Gi", 0, true},
	}

	for specIndex, spec := range specs {
		got, err := ParseSize(spec.in)
		if spec.expErr {
			assert.Error(t, err, "[spec %d]", specIndex)
			continue
		}
		require.NoError(t, err, "[spec %d]", specIndex)
		assert.Equal(t, spec.exp, got, "[spec %d]", specIndex)
	}
}

func TestSizeString(t *testing.T) {
	specs := []struct {
		in  Size
		exp string
	}{
		{0, "0"},
		{17, "17"},
		{4096, "4Ki"},
		{3 << 20, "3Mi"},
		{1<<30 + 1<<20, "1025Mi"},
		{2 << 30, "2Gi"},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.exp, spec.in.String(), "[spec %d]", specIndex)
	}
}
