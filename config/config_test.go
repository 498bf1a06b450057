package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vexfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
volume:
  path: /var/lib/vexfs/vol0.img
  block_size: 8192
index:
  graph:
    m: 32
snapshot:
  codec: lz4
  backup:
    endpoint: minio.local:9000
    bucket: vexfs-snapshots
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vexfs/vol0.img", cfg.Volume.Path)
	assert.Equal(t, 8192, cfg.Volume.BlockSize)
	assert.Equal(t, 32, cfg.Index.Graph.M)
	assert.Equal(t, "lz4", cfg.Snapshot.Codec)
	assert.Equal(t, "minio.local:9000", cfg.Snapshot.Backup.Endpoint)

	// Untouched keys keep their defaults.
	assert.Equal(t, 4096, cfg.Volume.BlockCount)
	assert.Equal(t, 100, cfg.Index.Graph.BeamWidth)
	assert.Equal(t, 8, cfg.Index.Hash.Tables)
	assert.EqualValues(t, 64, cfg.Monitor.MaxConcurrent)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "volume: [not: a: mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Volume.BlockSize = 3000
	assert.Error(t, cfg.Validate(), "non power of two")

	cfg = Default()
	cfg.Volume.BlockSize = 1 << 20
	assert.Error(t, cfg.Validate(), "too large")

	cfg = Default()
	cfg.Snapshot.Codec = "gzip"
	assert.Error(t, cfg.Validate(), "unsupported codec")

	cfg = Default()
	cfg.Model.Dimension = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Volume.BlockSize = 65536
	cfg.Snapshot.Codec = "none"
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "snapshot:\n  codec: brotli\n")
	_, err := Load(path)
	assert.Error(t, err)
}
