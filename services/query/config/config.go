// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the query service configuration.
//
// Defaults are embedded in the binary; an optional config file overrides
// them field by field. The loaded struct is validated before use so a bad
// deployment fails at startup, not on the first request.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/intentql/intentql/services/query/routing"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxConfigFileSize bounds the config file read.
const MaxConfigFileSize = 1 * 1024 * 1024

// Config is the full query service configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Catalog configures template loading and hot reload.
	Catalog CatalogConfig `yaml:"catalog"`

	// Environments is the path to the environments YAML file. Required
	// for serving; "catalog validate" runs without it.
	Environments string `yaml:"environments"`

	// Matcher configures intent matching thresholds.
	Matcher routing.MatcherConfig `yaml:"matcher"`

	// Cache configures the match decision cache.
	Cache CacheConfig `yaml:"cache"`

	// Session configures per-session history retention.
	Session SessionConfig `yaml:"session"`

	// Defaults configures fallbacks applied to sparse requests.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing enables OpenTelemetry span export to stdout.
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr" validate:"required"`

	// ShutdownGrace bounds graceful shutdown after SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"min=0"`
}

type CatalogConfig struct {
	// Path points at the templates YAML file. Empty selects the embedded
	// default catalog.
	Path string `yaml:"path"`

	// Watch enables fsnotify hot reload of the catalog file.
	Watch bool `yaml:"watch"`
}

type CacheConfig struct {
	// Dir is the BadgerDB directory for the match decision cache. Empty
	// disables the cache.
	Dir string `yaml:"dir"`

	// TTL is the lifetime of a cached decision.
	TTL time.Duration `yaml:"ttl" validate:"min=0"`
}

type SessionConfig struct {
	// MaxEntries bounds each session's history.
	MaxEntries int `yaml:"max_entries" validate:"min=1"`
}

type DefaultsConfig struct {
	// Environment is used when a request names no environment and none is
	// detected in its text.
	Environment string `yaml:"environment" validate:"required"`

	// SessionID is used when a request carries no session identifier.
	SessionID string `yaml:"session_id" validate:"required"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"required,oneof=debug info warn error"`

	// Format is text or json.
	Format string `yaml:"format" validate:"required,oneof=text json"`
}

type TracingConfig struct {
	// Enabled turns on the stdout span exporter.
	Enabled bool `yaml:"enabled"`
}

// LoadDefault parses the embedded defaults.
func LoadDefault() (*Config, error) {
	return load(defaultsYAML, nil)
}

// Load parses the embedded defaults and then applies the file at path over
// them. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
	}
	overlay, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return load(defaultsYAML, overlay)
}

func load(base, overlay []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(base, &cfg); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}
	if overlay != nil {
		if err := yaml.Unmarshal(overlay, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.Defaults.Environment = strings.ToUpper(strings.TrimSpace(cfg.Defaults.Environment))

	// Environment variables override file paths only; everything else is
	// file-driven so a deployment's behavior is readable from its config.
	if v := os.Getenv("INTENTQL_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("INTENTQL_ENVIRONMENTS_PATH"); v != "" {
		cfg.Environments = v
	}
	if v := os.Getenv("INTENTQL_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := cfg.Matcher.Validate(); err != nil {
		return nil, fmt.Errorf("validating matcher config: %w", err)
	}
	return &cfg, nil
}
