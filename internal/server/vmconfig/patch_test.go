package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePatchAcceptsSparseObjects(t *testing.T) {
	patch, err := ParsePatch([]byte(`{"cpu": 4, "graphics": {"enabled": false}}`))
	require.NoError(t, err)
	assert.Contains(t, patch, "cpu")
	assert.Contains(t, patch, "graphics")
}

func TestParsePatchRejections(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		message string
	}{
		{"cpu zero", `{"cpu": 0}`, "cpu must be an integer >= 1"},
		{"unknown top-level", `{"turbo": true}`, `unknown field "turbo"`},
		{"unknown leaf", `{"disk": {"format": "qcow2"}}`, `unknown field "disk.format"`},
		{"bad leaf type", `{"network": {"mode": 9}}`, "network.mode must be a string"},
		{"array payload", `[{"cpu": 1}]`, "configuration must be a JSON object"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePatch([]byte(tc.input))
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.message, vErr.Message)
		})
	}
}

func TestApplyMergesPatchedLeavesOnly(t *testing.T) {
	base := Default()
	patch, err := ParsePatch([]byte(`{"cpu": 8, "graphics": {"width": 1920}}`))
	require.NoError(t, err)

	merged, err := Apply(base, patch)
	require.NoError(t, err)

	// Patched paths take the patch value.
	assert.Equal(t, int64(8), merged.CPU)
	assert.Equal(t, int64(1920), merged.Graphics.Width)

	// Every disjoint leaf is untouched.
	assert.Equal(t, base.Memory, merged.Memory)
	assert.Equal(t, base.Boot, merged.Boot)
	assert.Equal(t, base.Network, merged.Network)
	assert.Equal(t, base.Graphics.Height, merged.Graphics.Height)
	assert.Equal(t, base.Graphics.Enabled, merged.Graphics.Enabled)
	require.NotNil(t, merged.Disk.SizeMiB)
	assert.Equal(t, *base.Disk.SizeMiB, *merged.Disk.SizeMiB)
}

func TestApplyCanNullLeaves(t *testing.T) {
	base := Default()
	patch, err := ParsePatch([]byte(`{"disk": {"sizeMiB": null}}`))
	require.NoError(t, err)

	merged, err := Apply(base, patch)
	require.NoError(t, err)
	assert.Nil(t, merged.Disk.SizeMiB)
}

func TestApplyRevalidatesMergedResult(t *testing.T) {
	base := Default()
	// Valid in isolation as a leaf type, but the merged config must obey
	// the bound.
	_, err := Apply(base, map[string]any{"cpu": float64(0)})
	require.Error(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "cpu", vErr.Field)
}

func TestRestartRequiredDiff(t *testing.T) {
	base := Default()

	// Reflexivity.
	assert.False(t, RestartRequired(base, base))
	assert.False(t, RestartRequired(base, base.Clone()))

	restartChanges := []func(*Config){
		func(c *Config) { c.CPU = 4 },
		func(c *Config) { c.Memory = 4 << 30 },
		func(c *Config) { c.Boot.Loader = "efi" },
		func(c *Config) { path := "/boot/vmlinuz"; c.Boot.KernelPath = &path },
		func(c *Config) { cl := "quiet"; c.Boot.CommandLine = &cl },
		func(c *Config) { path := "/new/disk.img"; c.Disk.Path = &path },
		func(c *Config) { c.Network.Mode = "bridged" },
		func(c *Config) { c.Graphics.Enabled = false },
		func(c *Config) { c.Graphics.Width = 640 },
	}
	for i, change := range restartChanges {
		next := base.Clone()
		change(&next)
		assert.True(t, RestartRequired(base, next), "change %d should require restart", i)
	}

	// disk.sizeMiB is the one leaf outside the restart-required set.
	next := base.Clone()
	size := int64(16384)
	next.Disk.SizeMiB = &size
	assert.False(t, RestartRequired(base, next))
	assert.False(t, Equal(base, next))
}
