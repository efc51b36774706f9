package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithMissingFileFailsWithoutNodeID(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "nodeId is required and has no default")
	assert.Nil(t, cfg)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodeId: node-a
freshEnoughThreshold: 1m
backgroundRefreshThreshold: 20s
cluster:
  backend: redis
  n: 3
  redisAddress: 127.0.0.1:6379
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "redis", cfg.Cluster.Backend)
	assert.Equal(t, 3, cfg.Cluster.N)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cluster.RedisAddress)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: from-file\n"), 0o644))

	t.Setenv("TUBESTATUS_NODE_ID", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.BackgroundRefreshThreshold = cfg.FreshEnoughThreshold
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.Retry.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroClusterSize(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.Cluster.N = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.Cluster.Backend = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMemoryClusterSizeMismatchingPeers(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.Cluster.Backend = "memory"
	cfg.Cluster.N = 5
	cfg.Cluster.Peers = []ClusterPeer{{Address: "http://10.0.0.2:8080"}, {Address: "http://10.0.0.3:8080"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsMemoryClusterSizeMatchingPeers(t *testing.T) {
	cfg := defaults()
	cfg.NodeID = "node-a"
	cfg.Cluster.Backend = "memory"
	cfg.Cluster.Peers = []ClusterPeer{{Address: "http://10.0.0.2:8080"}, {Address: "http://10.0.0.3:8080"}}
	cfg.Cluster.N = 3
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLFileAppliesPayloadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodeId: node-a
payload:
  compress: true
  encryptPassphrase: correct-horse-battery-staple
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Payload.Compress)
	assert.Equal(t, "correct-horse-battery-staple", cfg.Payload.EncryptPassphrase)
}

func TestEnvOverridesPayloadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: node-a\n"), 0o644))

	t.Setenv("TUBESTATUS_PAYLOAD_COMPRESS", "true")
	t.Setenv("TUBESTATUS_PAYLOAD_ENCRYPT_PASSPHRASE", "hunter2")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Payload.Compress)
	assert.Equal(t, "hunter2", cfg.Payload.EncryptPassphrase)
}
