package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /var/lib/logfilter
nats:
  url: nats://localhost:4222
  subject_prefix: testnet
filters:
  timeout: 30s
query:
  max_addresses: 100
  max_topics: 4
  max_block_range: 5000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/logfilter", cfg.Storage.Path)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "testnet", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 30*time.Second, cfg.Filters.Timeout)
	assert.Equal(t, 100, cfg.Query.MaxAddresses)
	assert.Equal(t, uint64(5000), cfg.Query.MaxBlockRange)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: data/logfilter
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
	assert.Equal(t, DefaultSubjectPrefix, cfg.NATS.SubjectPrefix)
	assert.Equal(t, DefaultFilterTimeout, cfg.Filters.Timeout)
	assert.Equal(t, DefaultMaxTopics, cfg.Query.MaxTopics)
	assert.Zero(t, cfg.Query.MaxAddresses)
	assert.Zero(t, cfg.Query.MaxBlockRange)
}

func TestLoadConfigRequiresStoragePath(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://localhost:4222
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
