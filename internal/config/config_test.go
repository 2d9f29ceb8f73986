package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "phash", cfg.Strategy)
	assert.Less(t, cfg.Threshold, 0.0)
}

func TestLoad_OverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `strategy: pixel
threshold: 0.02
local:
  recursive: true
remote:
  max_retries: 5
  timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pixel", cfg.Strategy)
	assert.InDelta(t, 0.02, cfg.Threshold, 1e-9)
	assert.True(t, cfg.Local.Recursive)
	assert.Equal(t, "trash", cfg.Local.DeleteMode)
	assert.Equal(t, 5, cfg.Remote.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"syntax", "strategy: [unclosed"},
		{"workers", "workers: 0"},
		{"delete mode", "local:\n  delete_mode: shred"},
		{"move without dir", "local:\n  delete_mode: move"},
		{"retries", "remote:\n  max_retries: -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yml), 0644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Strategy = "dhash"
	cfg.Local.DeleteMode = "move"
	cfg.Local.MoveTo = "/tmp/held"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
