package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/config"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "diskbeam"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diskbeam", "config.toml"), []byte(content), 0o644))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Nodes)
	assert.Nil(t, cfg.Network.DiscoveryGroup)
	assert.Nil(t, cfg.Theme.Green)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
chunk_size = "1M"
update_quotient = 32
nodes = 4
chain_length = 16
bwlimit = "100M"
checksum = true
tui = true

[network]
discovery_group = "239.255.71.20:7120"
discovery_port = 7300
data_port = 9000
discovery_timeout = "5s"
dial_wait = "1m"

[ssh]
port = 2222
key_file = "~/.ssh/imaging"

[theme]
green = "#00ff00"
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.ChunkSize)
	assert.Equal(t, "1M", *cfg.Defaults.ChunkSize)
	require.NotNil(t, cfg.Defaults.UpdateQuotient)
	assert.Equal(t, 32, *cfg.Defaults.UpdateQuotient)
	require.NotNil(t, cfg.Defaults.Nodes)
	assert.Equal(t, 4, *cfg.Defaults.Nodes)
	require.NotNil(t, cfg.Defaults.ChainLength)
	assert.Equal(t, 16, *cfg.Defaults.ChainLength)
	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "100M", *cfg.Defaults.BWLimit)
	require.NotNil(t, cfg.Defaults.Checksum)
	assert.True(t, *cfg.Defaults.Checksum)
	require.NotNil(t, cfg.Defaults.TUI)
	assert.True(t, *cfg.Defaults.TUI)

	require.NotNil(t, cfg.Network.DiscoveryGroup)
	assert.Equal(t, "239.255.71.20:7120", *cfg.Network.DiscoveryGroup)
	require.NotNil(t, cfg.Network.DiscoveryPort)
	assert.Equal(t, 7300, *cfg.Network.DiscoveryPort)
	require.NotNil(t, cfg.Network.DataPort)
	assert.Equal(t, 9000, *cfg.Network.DataPort)
	require.NotNil(t, cfg.Network.DiscoveryTimeout)
	assert.Equal(t, 5*time.Second, cfg.Network.DiscoveryTimeout.Duration)
	require.NotNil(t, cfg.Network.DialWait)
	assert.Equal(t, time.Minute, cfg.Network.DialWait.Duration)

	require.NotNil(t, cfg.SSH.Port)
	assert.Equal(t, 2222, *cfg.SSH.Port)
	require.NotNil(t, cfg.SSH.KeyFile)
	assert.Equal(t, "~/.ssh/imaging", *cfg.SSH.KeyFile)

	require.NotNil(t, cfg.Theme.Green)
	assert.Equal(t, "#00ff00", *cfg.Theme.Green)
	assert.Nil(t, cfg.Theme.Red)
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[ssh]
port = 22
`)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Nodes)
	assert.Nil(t, cfg.Network.DialWait)
	require.NotNil(t, cfg.SSH.Port)
	assert.Equal(t, 22, *cfg.SSH.Port)
}

func TestLoad_InvalidTOML(t *testing.T) {
	writeConfig(t, "invalid [[[")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	writeConfig(t, "[network]\ndial_wait = \"soon\"\n")
	_, err := config.Load()
	assert.ErrorContains(t, err, "soon")
}

func TestLoad_UnknownKey(t *testing.T) {
	writeConfig(t, "[defaults]\nworkers = 8\n")
	_, err := config.Load()
	assert.ErrorContains(t, err, "unknown key defaults.workers")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "none.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/diskbeam/config.toml", config.Path())
}
