package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsdrop/protocol"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WSDROP_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)
	assert.Equal(t, DefaultRelayURL, firstCfg.RelayURL)
	assert.Equal(t, uint32(DefaultChunkSize), firstCfg.ChunkSize)
	assert.Equal(t, uint64(DefaultMaxFileSize), firstCfg.MaxFileSize)
	assert.Equal(t, filepath.Join(tempDir, "downloads"), firstCfg.DownloadsDir)
	assert.Equal(t, filepath.Join(tempDir, "logs", "wsdrop.log"), firstCfg.LogFile)
	assert.DirExists(t, filepath.Join(tempDir, "downloads"))

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, firstCfg, secondCfg)
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WSDROP_DATA_DIR", tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	cfgPath := ConfigPath(tempDir)
	require.NoError(t, Save(cfgPath, &Config{Username: "  alice ", ChunkSize: 1024}))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, uint32(1024), cfg.ChunkSize)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)

	stored, err := readFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	assert.Equal(t, DefaultMDNSService, stored.MDNSService)
}

func TestLoadOrCreateClampsChunkSize(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WSDROP_DATA_DIR", tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))
	require.NoError(t, Save(ConfigPath(tempDir), &Config{Username: "alice", ChunkSize: 8 << 20}))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, uint32(protocol.MaxChunkSize), cfg.ChunkSize)

	t.Setenv("WSDROP_CHUNK_SIZE", "16777216")
	cfg, _, err = LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, uint32(protocol.MaxChunkSize), cfg.ChunkSize)
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("WSDROP_DATA_DIR", tempDir)

	_, cfgPath, err := LoadOrCreate()
	require.NoError(t, err)

	t.Setenv("WSDROP_RELAY_URL", "ws://relay.example:9000/ws")
	t.Setenv("WSDROP_USERNAME", "carol")
	t.Setenv("WSDROP_DEBUG", "true")

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.example:9000/ws", cfg.RelayURL)
	assert.Equal(t, "carol", cfg.Username)
	assert.True(t, cfg.Debug)

	stored, err := readFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultRelayURL, stored.RelayURL)
	assert.False(t, stored.Debug)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, writeRaw(path, "{not json"))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPacingDelay(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, (&Config{PacingDelayMS: 5}).PacingDelay())
	assert.Equal(t, time.Duration(0), (&Config{}).PacingDelay())
	assert.Less(t, (&Config{PacingDelayMS: -1}).PacingDelay(), time.Duration(0))
}

func TestRequireUsername(t *testing.T) {
	assert.ErrorIs(t, (&Config{Username: "  "}).RequireUsername(), ErrUsernameRequired)
	assert.NoError(t, (&Config{Username: "alice"}).RequireUsername())
}
