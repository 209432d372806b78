package tcconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlayKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions_per_client: 3\nallowed_root: /srv/work\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxSessionsPerClient)
	assert.Equal(t, "/srv/work", cfg.AllowedRoot)
	assert.Equal(t, Default().MaxBufferBytes, cfg.MaxBufferBytes)
	assert.Equal(t, Default().IdleTimeoutMs, cfg.IdleTimeoutMs)
}

func TestValidateRejectsOutOfBoundValues(t *testing.T) {
	cfg := Default()
	cfg.MaxSessionsPerClient = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLowWaterAboveHighWater(t *testing.T) {
	cfg := Default()
	cfg.QueueHighWaterBytes = 32 * 1024
	cfg.QueueLowWaterBytes = 64 * 1024
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsRelativeAllowedRoot(t *testing.T) {
	cfg := Default()
	cfg.AllowedRoot = "relative/path"
	assert.Error(t, cfg.Validate())
}
