package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_TOMLProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distbuild.toml")
	contents := `
server_host = "127.0.0.1"
server_port = 9090
max_log_chars = 8000
container_default_image = "alpine:latest"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, 8000, cfg.MaxLogChars)
	assert.Equal(t, "alpine:latest", cfg.ContainerDefaultImage)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().ContainerNetworkMode, cfg.ContainerNetworkMode)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distbuild.toml")
	require.NoError(t, os.WriteFile(path, []byte(`server_port = 9090`), 0o644))

	t.Setenv("DISTBUILD_SERVER_PORT", "7000")
	t.Setenv("DISTBUILD_ALLOW_LOCAL_SANDBOX", "false")
	t.Setenv("DISTBUILD_CONTAINER_READ_ONLY_ROOTFS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ServerPort)
	assert.False(t, cfg.AllowLocalSandbox)
	assert.True(t, cfg.ContainerReadOnlyRootfs)
}

func TestLoad_InvalidEnvIntIgnored(t *testing.T) {
	t.Setenv("DISTBUILD_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().ServerPort, cfg.ServerPort)
}
