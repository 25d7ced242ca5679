package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/config"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/memory"
)

const testConfig = `
arenaSize: 16Mi
memoryMap:
  - {base: 0, length: 1Mi, type: reserved}
  - {base: 1Mi, length: 15Mi, type: available}
log:
  level: warning
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

// runCmd executes memsim with args and returns what it wrote to stdout and
// stderr.
func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	configPath, logLevel = "", ""
	t.Cleanup(func() {
		configPath, logLevel = "", ""
		kfmt.SetOutputSink(nil)
	})

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBootCmd(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, _, err := runCmd(t, "boot", "--config", path)
	require.NoError(t, err)

	for _, exp := range []string{"frames: 3840 free of 4096", "zone 0", "kmalloc-64", "address spaces: 0"} {
		assert.True(t, strings.Contains(out, exp), "expected %q in:\n%s", exp, out)
	}
}

func TestBootCmdErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		_, _, err := runCmd(t, "boot", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read configuration")
	})

	t.Run("bad log level", func(t *testing.T) {
		_, _, err := runCmd(t, "boot", "--log-level", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --log-level")
	})

	t.Run("unexpected argument", func(t *testing.T) {
		_, _, err := runCmd(t, "boot", "now")
		require.Error(t, err)
	})
}

func TestConfigCmd(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, _, err := runCmd(t, "config", "--config", path, "--log-level", "debug")
	require.NoError(t, err)

	cfg, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, config.Size(16<<20), cfg.ArenaSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestStressCmd(t *testing.T) {
	path := writeConfig(t, testConfig)

	out, _, err := runCmd(t, "stress", "--config", path, "--steps", "3000", "--seed", "7", "--check-every", "250")
	require.NoError(t, err)

	for _, exp := range []string{"seed 7, 3000 steps", "kmalloc", "fault", "resize", "brk", "mapfpage", "grantfpage", "address spaces: 0"} {
		assert.True(t, strings.Contains(out, exp), "expected %q in:\n%s", exp, out)
	}
}

func TestStressorDeterministic(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	run := func() string {
		mem, err := memory.Boot(cfg)
		require.NoError(t, err)
		defer mem.Shutdown()

		var buf bytes.Buffer
		s := newStressor(mem, stressOpts{steps: 1000, seed: 3, checkEvery: 100}, &buf)
		require.NoError(t, s.run())
		return buf.String()
	}

	assert.Equal(t, run(), run())
}

func TestStressorExercisesSharingAndHeap(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	mem, err := memory.Boot(cfg)
	require.NoError(t, err)
	defer mem.Shutdown()

	var buf bytes.Buffer
	s := newStressor(mem, stressOpts{steps: 3000, seed: 11, checkEvery: 200}, &buf)
	require.NoError(t, s.run())

	for _, op := range []string{"resize", "brk", "mapfpage", "grantfpage"} {
		assert.NotZero(t, s.counts[op], op)
		assert.Less(t, s.failed[op], s.counts[op], "every %s call was refused", op)
	}
}

func TestServeMetrics(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	cfg.Metrics.Enabled = true

	mem, err := memory.Boot(cfg)
	require.NoError(t, err)
	defer mem.Shutdown()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveMetrics(ctx, lis, mem)
	}()

	res, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "memory_buddy_free_frames 3840")
	assert.Contains(t, string(body), `memory_slab_objects{cache="kmalloc-8"}`)

	cancel()
	require.NoError(t, <-done)
}
