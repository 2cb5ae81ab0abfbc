package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig_String tests string extraction with defaults.
func TestConfig_String(t *testing.T) {
	cfg := New(map[string]any{
		"backend": "sqlite",
		"workers": 4,
	})

	assert.Equal(t, "sqlite", cfg.String("backend", "memory"))
	assert.Equal(t, "memory", cfg.String("missing", "memory"))
	assert.Equal(t, "memory", cfg.String("workers", "memory")) // wrong type
}

// TestConfig_Int tests integer extraction and coercion.
func TestConfig_Int(t *testing.T) {
	cfg := New(map[string]any{
		"workers":    4,
		"wide":       int64(8),
		"from_json":  float64(16),
		"fractional": 2.5,
		"name":       "four",
	})

	assert.Equal(t, 4, cfg.Int("workers", 1))
	assert.Equal(t, 8, cfg.Int("wide", 1))
	assert.Equal(t, 16, cfg.Int("from_json", 1))
	assert.Equal(t, 1, cfg.Int("fractional", 1)) // lossy conversion rejected
	assert.Equal(t, 1, cfg.Int("name", 1))
	assert.Equal(t, 1, cfg.Int("missing", 1))
}

// TestConfig_Bool tests boolean extraction.
func TestConfig_Bool(t *testing.T) {
	cfg := New(map[string]any{
		"enabled": true,
		"count":   1,
	})

	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Bool("missing", false))
	assert.True(t, cfg.Bool("count", true)) // wrong type falls back
}

// TestConfig_Duration tests duration coercion from several input types.
func TestConfig_Duration(t *testing.T) {
	cfg := New(map[string]any{
		"as_string": "30s",
		"as_int":    5,
		"as_float":  1.5,
		"as_dur":    2 * time.Minute,
		"bad":       "not-a-duration",
	})

	assert.Equal(t, 30*time.Second, cfg.Duration("as_string", time.Minute))
	assert.Equal(t, 5*time.Second, cfg.Duration("as_int", time.Minute))
	assert.Equal(t, 1500*time.Millisecond, cfg.Duration("as_float", time.Minute))
	assert.Equal(t, 2*time.Minute, cfg.Duration("as_dur", time.Minute))
	assert.Equal(t, time.Minute, cfg.Duration("bad", time.Minute))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))
}

// TestConfig_Sub tests nested config extraction.
func TestConfig_Sub(t *testing.T) {
	cfg := New(map[string]any{
		"journal": map[string]any{
			"backend": "sqlite",
			"path":    "./runs.db",
		},
	})

	journal := cfg.Sub("journal")
	assert.Equal(t, "sqlite", journal.String("backend", "memory"))
	assert.Equal(t, "./runs.db", journal.String("path", ""))

	empty := cfg.Sub("missing")
	assert.Equal(t, "memory", empty.String("backend", "memory"))
}

// TestConfig_NilMap tests that a nil map yields a usable empty config.
func TestConfig_NilMap(t *testing.T) {
	cfg := New(nil)
	assert.Equal(t, "default", cfg.String("anything", "default"))
	assert.False(t, cfg.Has("anything"))
	assert.NotNil(t, cfg.Raw())
}

// TestFromYAML tests YAML parsing.
func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte("backend: sqlite\nworkers: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.String("backend", ""))
	assert.Equal(t, 4, cfg.Int("workers", 0))
}

// TestFromYAML_Invalid tests YAML parse errors.
func TestFromYAML_Invalid(t *testing.T) {
	_, err := FromYAML([]byte("backend: [unclosed"))
	assert.Error(t, err)
}

// TestFromJSON tests JSON parsing, including float64 number handling.
func TestFromJSON(t *testing.T) {
	cfg, err := FromJSON([]byte(`{"backend":"memory","workers":2}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.String("backend", ""))
	assert.Equal(t, 2, cfg.Int("workers", 0)) // JSON numbers arrive as float64
}

// TestFromFile tests file loading with extension detection.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("backend: sqlite\n"), 0o644))

	cfg, err := FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.String("backend", ""))

	_, err = FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	tomlPath := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("x = 1"), 0o644))
	_, err = FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")
}

// TestFromFile_EnvOverrides tests that ATOMFLOW_* variables win over the file.
func TestFromFile_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"storage:\n  backend: memory\nstrategy:\n  name: serial\n  workers: 2\n",
	), 0o644))

	t.Setenv("ATOMFLOW_STORAGE_BACKEND", "sqlite")
	t.Setenv("ATOMFLOW_STORAGE_PATH", filepath.Join(dir, "runs.db"))
	t.Setenv("ATOMFLOW_STRATEGY_WORKERS", "8")
	t.Setenv("ATOMFLOW_OWNER", "worker-7")

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Sub("storage").String("backend", ""))
	assert.Equal(t, filepath.Join(dir, "runs.db"), cfg.Sub("storage").String("path", ""))
	assert.Equal(t, 8, cfg.Sub("strategy").Int("workers", 0))
	assert.Equal(t, "worker-7", cfg.String("owner", ""))
	// Keys without an override keep the file's value.
	assert.Equal(t, "serial", cfg.Sub("strategy").String("name", ""))
}

// TestFromFile_EnvOverrideBadWorkers tests that a non-numeric workers
// override is ignored rather than corrupting the config.
func TestFromFile_EnvOverrideBadWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("strategy:\n  workers: 2\n"), 0o644))

	t.Setenv("ATOMFLOW_STRATEGY_WORKERS", "many")

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sub("strategy").Int("workers", 0))
}
