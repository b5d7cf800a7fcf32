package bridgecfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_AppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
host = "core.local"
port = 8443

[rateLimit]
requestsPerMinute = 120
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "core.local", cfg.Host)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	// burstSize wasn't set in the file, default must survive unmarshalling.
	assert.Equal(t, 10, cfg.RateLimit.BurstSize)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("QSYS_BRIDGE_HOST", "env-core.local")
	t.Setenv("QSYS_BRIDGE_PORT", "9443")

	// Load() walks the real filesystem for system/user/project files; run
	// it from an empty temp dir so no ambient bridge.toml is picked up.
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { require.NoError(t, os.Chdir(wd)) }()
	require.NoError(t, os.Chdir(t.TempDir()))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-core.local", cfg.Host)
	assert.Equal(t, 9443, cfg.Port)
}

func TestLoad_NeverCachesAcrossCalls(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { require.NoError(t, os.Chdir(wd)) }()

	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))

	first, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 443, first.Port)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bridge.toml"), []byte("port = 555\n"), 0o600))

	second, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 555, second.Port, "Load must pick up the newly written project file, not a cached instance")
}
