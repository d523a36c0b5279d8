package vmconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(Default())
	require.NoError(t, err)
	return data
}

func mutate(t *testing.T, mutator func(map[string]any)) []byte {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal(validJSON(t), &raw))
	mutator(raw)
	out, err := json.Marshal(raw)
	require.NoError(t, err)
	return out
}

func TestParseAcceptsDefault(t *testing.T) {
	cfg, err := Parse(validJSON(t))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.CPU)
	assert.Equal(t, int64(2<<30), cfg.Memory)
	assert.Equal(t, "linux", cfg.Boot.Loader)
	assert.Nil(t, cfg.Boot.KernelPath)
	require.NotNil(t, cfg.Disk.SizeMiB)
	assert.Equal(t, int64(8192), *cfg.Disk.SizeMiB)
	assert.Equal(t, "shared", cfg.Network.Mode)
	assert.True(t, cfg.Graphics.Enabled)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		message string
	}{
		{
			name:    "cpu zero",
			input:   mutate(t, func(m map[string]any) { m["cpu"] = 0 }),
			message: "cpu must be an integer >= 1",
		},
		{
			name:    "cpu fractional",
			input:   mutate(t, func(m map[string]any) { m["cpu"] = 1.5 }),
			message: "cpu must be an integer >= 1",
		},
		{
			name:    "memory below floor",
			input:   mutate(t, func(m map[string]any) { m["memory"] = 1024 }),
			message: "memory must be an integer >= 134217728",
		},
		{
			name:    "missing top-level key",
			input:   mutate(t, func(m map[string]any) { delete(m, "network") }),
			message: "network is required",
		},
		{
			name:    "unknown top-level key",
			input:   mutate(t, func(m map[string]any) { m["gpu"] = true }),
			message: `unknown field "gpu"`,
		},
		{
			name: "unknown nested key",
			input: mutate(t, func(m map[string]any) {
				m["boot"].(map[string]any)["bios"] = "legacy"
			}),
			message: `unknown field "boot.bios"`,
		},
		{
			name: "missing nested key",
			input: mutate(t, func(m map[string]any) {
				delete(m["graphics"].(map[string]any), "height")
			}),
			message: "graphics.height is required",
		},
		{
			name: "boot loader wrong type",
			input: mutate(t, func(m map[string]any) {
				m["boot"].(map[string]any)["loader"] = 3
			}),
			message: "boot.loader must be a string",
		},
		{
			name: "kernel path wrong type",
			input: mutate(t, func(m map[string]any) {
				m["boot"].(map[string]any)["kernelPath"] = 12
			}),
			message: "boot.kernelPath must be a string or null",
		},
		{
			name: "disk size too small",
			input: mutate(t, func(m map[string]any) {
				m["disk"].(map[string]any)["sizeMiB"] = 32
			}),
			message: "disk.sizeMiB must be an integer >= 64 or null",
		},
		{
			name: "graphics width too small",
			input: mutate(t, func(m map[string]any) {
				m["graphics"].(map[string]any)["width"] = 32
			}),
			message: "graphics.width must be an integer >= 64",
		},
		{
			name: "graphics enabled wrong type",
			input: mutate(t, func(m map[string]any) {
				m["graphics"].(map[string]any)["enabled"] = "yes"
			}),
			message: "graphics.enabled must be a boolean",
		},
		{
			name:    "not an object",
			input:   []byte(`[1,2,3]`),
			message: "configuration must be a JSON object",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.message, vErr.Message)
		})
	}
}

func TestParseAcceptsNullables(t *testing.T) {
	input := mutate(t, func(m map[string]any) {
		boot := m["boot"].(map[string]any)
		boot["kernelPath"] = "/boot/vmlinuz"
		boot["commandLine"] = "console=hvc0"
		m["disk"].(map[string]any)["sizeMiB"] = nil
		m["disk"].(map[string]any)["path"] = "/var/lib/vm/disk.img"
	})
	cfg, err := Parse(input)
	require.NoError(t, err)
	require.NotNil(t, cfg.Boot.KernelPath)
	assert.Equal(t, "/boot/vmlinuz", *cfg.Boot.KernelPath)
	assert.Nil(t, cfg.Disk.SizeMiB)
	require.NotNil(t, cfg.Disk.Path)
}

func TestValidationNamesFirstOffendingField(t *testing.T) {
	// Both cpu and memory are broken; cpu is reported first.
	input := mutate(t, func(m map[string]any) {
		m["cpu"] = -1
		m["memory"] = 1
	})
	_, err := Parse(input)
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "cpu", vErr.Field)
}
