package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envOverrides maps environment variables onto the engine configuration
// keys that atomflow.FromConfig reads. A deployment can switch the journal
// backend or pool size without editing the file, e.g.
// ATOMFLOW_STORAGE_BACKEND=sqlite.
var envOverrides = map[string][]string{
	"ATOMFLOW_STORAGE_BACKEND":  {"storage", "backend"},
	"ATOMFLOW_STORAGE_PATH":     {"storage", "path"},
	"ATOMFLOW_STRATEGY_NAME":    {"strategy", "name"},
	"ATOMFLOW_STRATEGY_WORKERS": {"strategy", "workers"},
	"ATOMFLOW_OWNER":            {"owner"},
}

// FromFile loads an engine configuration file, auto-detecting the format by
// extension (.yaml, .yml, .json), and applies ATOMFLOW_* environment
// overrides on top of the file's values.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = FromYAML(data)
	case ".json":
		cfg, err = FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
	if err != nil {
		return Config{}, err
	}

	applyEnvOverrides(cfg.data)
	return cfg, nil
}

// FromYAML parses YAML data into a Config. No environment overrides are
// applied; callers holding raw bytes are expected to manage their own
// precedence.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}

// applyEnvOverrides writes set ATOMFLOW_* variables into m, creating nested
// sections as needed. Numeric keys (workers) must parse as integers or the
// variable is ignored.
func applyEnvOverrides(m map[string]any) {
	for env, path := range envOverrides {
		raw, ok := os.LookupEnv(env)
		if !ok || raw == "" {
			continue
		}
		var val any = raw
		if path[len(path)-1] == "workers" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				continue
			}
			val = n
		}
		setPath(m, path, val)
	}
}

// setPath sets a value at a nested key path, replacing non-map intermediate
// values with fresh sections.
func setPath(m map[string]any, path []string, val any) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = val
}
