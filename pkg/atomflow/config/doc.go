/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Engine construction and journal backend factories consume Config values, so
an engine can be wired entirely from a YAML or JSON file.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "backend":  "sqlite",
	    "path":     "./runs.db",
	    "workers":  4,
	    "claim_ttl": "30s",
	})

	backend := cfg.String("backend", "memory") // "sqlite"
	workers := cfg.Int("workers", 1)           // 4
	ttl := cfg.Duration("claim_ttl", time.Minute)

# File Loading

Load configuration from YAML or JSON files:

	cfg, err := config.FromFile("engine.yaml")
	if err != nil {
	    log.Fatal(err)
	}

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
