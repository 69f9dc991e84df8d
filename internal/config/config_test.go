package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "auto", cfg.Color)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 0, cfg.Jobs)
	assert.False(t, cfg.Index.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err, "missing file should not error")
	assert.Equal(t, "auto", cfg.Color)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	body := `
jobs: 8
color: never
decompress: true
exclude_dirs:
  - .git
  - node_modules
index:
  enabled: true
  path: /tmp/idx.db
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Jobs)
	assert.Equal(t, "never", cfg.Color)
	assert.True(t, cfg.Decompress)
	assert.Equal(t, []string{".git", "node_modules"}, cfg.ExcludeDirs)
	assert.True(t, cfg.Index.Enabled)
	assert.Equal(t, "/tmp/idx.db", cfg.Index.Path)
	// Unset fields keep their defaults.
	assert.Equal(t, "text", cfg.Format)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: [not a number"), 0644))

	_, err := Load(path)
	assert.Error(t, err, "malformed YAML should error")
}

func TestLoadInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("color: sometimes\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "color")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")

	cfg := Default()
	cfg.Jobs = 4
	cfg.Hidden = true
	cfg.Sort = "size"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Jobs)
	assert.True(t, got.Hidden)
	assert.Equal(t, "size", got.Sort)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Jobs = -1
	err := cfg.Save(filepath.Join(t.TempDir(), "cfg.yml"))
	assert.Error(t, err, "negative jobs should not save")
}

func TestLocate(t *testing.T) {
	assert.Equal(t, "/explicit/path.yml", Locate("/explicit/path.yml"))
}
