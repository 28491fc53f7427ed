// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envpool resolves environment names to database connection pools.
//
// An environment is an isolated database target (DEV, UAT, PROD, ...) with
// its own credentials and pool limits. The registry is the authority on which
// environments exist; the router owns one lazily created pool per
// environment and never lets a connection cross environments.
package envpool

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/intentql/intentql/services/query/qerr"
)

// MaxEnvFileSize bounds the environments file read to prevent accidental
// memory exhaustion from a mis-pointed path.
const MaxEnvFileSize = 1 * 1024 * 1024

// Default pool limits applied when an environment omits them.
const (
	DefaultMaxConns       = 5
	DefaultAcquireTimeout = 5 * time.Second
)

// envSpec is the YAML shape of one environment in the environments file.
// The password is read into a memguard enclave immediately after parse and
// never kept as a plain field.
type envSpec struct {
	Name           string        `yaml:"name" validate:"required"`
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Database       string        `yaml:"database" validate:"required"`
	User           string        `yaml:"user" validate:"required"`
	Password       string        `yaml:"password"`
	PasswordEnv    string        `yaml:"password_env"`
	SSLMode        string        `yaml:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MinConns       int32         `yaml:"min_conns" validate:"omitempty,min=0"`
	MaxConns       int32         `yaml:"max_conns" validate:"omitempty,min=1"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	RatePerMinute  int           `yaml:"rate_per_minute" validate:"omitempty,min=1"`
	LogLevel       string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

type envFile struct {
	Environments []envSpec `yaml:"environments" validate:"required,min=1,dive"`
}

// Environment is one registered database target. The password lives in a
// memguard enclave and is only opened for the duration of DSN construction.
type Environment struct {
	// Name is the canonical (upper-case) environment name.
	Name string

	// Host, Port, Database, User, SSLMode describe the PostgreSQL target.
	Host     string
	Port     int
	Database string
	User     string
	SSLMode  string

	// MinConns is the number of connections the pool keeps warm. Zero
	// means no idle floor.
	MinConns int32

	// MaxConns caps the environment's pool size.
	MaxConns int32

	// AcquireTimeout bounds how long a request waits for a pooled
	// connection before failing with a pool-exhausted error.
	AcquireTimeout time.Duration

	// RatePerMinute caps requests per minute against this environment.
	// Zero means unlimited.
	RatePerMinute int

	// LogLevel is the level for per-query logs against this environment.
	// Defaults to debug, except environments named PROD* which default to
	// info to keep production logs quiet.
	LogLevel slog.Level

	password *memguard.Enclave
}

// DSN materializes a PostgreSQL connection string for this environment.
//
// # Description
//
// The sealed password is opened only for the lifetime of this call; the
// returned string necessarily contains it, so callers must hand it straight
// to the pool constructor and not log or retain it.
func (e *Environment) DSN() (string, error) {
	pass := ""
	if e.password != nil {
		buf, err := e.password.Open()
		if err != nil {
			return "", fmt.Errorf("opening credential enclave for %s: %w", e.Name, err)
		}
		defer buf.Destroy()
		pass = buf.String()
	}

	port := e.Port
	if port == 0 {
		port = 5432
	}
	sslmode := e.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.User, pass),
		Host:   fmt.Sprintf("%s:%d", e.Host, port),
		Path:   "/" + e.Database,
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Registry is the fixed set of known environments, resolved by
// case-insensitive name.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type Registry struct {
	envs  map[string]*Environment
	names []string
}

// LoadRegistry parses an environments YAML document into a Registry.
//
// # Inputs
//
//   - data: Raw YAML with a top-level "environments" list.
//
// # Outputs
//
//   - *Registry: Validated registry. Never nil on success.
//   - error: Non-nil on parse failure, validation failure, duplicate
//     environment names, or a missing password source.
func LoadRegistry(data []byte) (*Registry, error) {
	var file envFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing environments: %w", err)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("validating environments: %w", err)
	}

	envs := make(map[string]*Environment, len(file.Environments))
	names := make([]string, 0, len(file.Environments))
	for i := range file.Environments {
		spec := &file.Environments[i]
		canonical := strings.ToUpper(strings.TrimSpace(spec.Name))
		if _, dup := envs[canonical]; dup {
			return nil, fmt.Errorf("duplicate environment name %q", canonical)
		}

		password := spec.Password
		if password == "" && spec.PasswordEnv != "" {
			password = os.Getenv(spec.PasswordEnv)
			if password == "" {
				return nil, fmt.Errorf("environment %s: password_env %s is unset", canonical, spec.PasswordEnv)
			}
		}

		env := &Environment{
			Name:           canonical,
			Host:           spec.Host,
			Port:           spec.Port,
			Database:       spec.Database,
			User:           spec.User,
			SSLMode:        spec.SSLMode,
			MinConns:       spec.MinConns,
			MaxConns:       spec.MaxConns,
			AcquireTimeout: spec.AcquireTimeout,
			RatePerMinute:  spec.RatePerMinute,
			LogLevel:       queryLogLevel(spec.LogLevel, canonical),
		}
		if env.MaxConns <= 0 {
			env.MaxConns = DefaultMaxConns
		}
		if env.MinConns > env.MaxConns {
			return nil, fmt.Errorf("environment %s: min_conns %d exceeds max_conns %d", canonical, env.MinConns, env.MaxConns)
		}
		if env.AcquireTimeout <= 0 {
			env.AcquireTimeout = DefaultAcquireTimeout
		}
		if password != "" {
			env.password = memguard.NewEnclave([]byte(password))
		}
		// Scrub the parsed plain-text copy.
		spec.Password = ""

		envs[canonical] = env
		names = append(names, canonical)
	}
	sort.Strings(names)

	return &Registry{envs: envs, names: names}, nil
}

// queryLogLevel resolves an environment's per-query log level from its
// declared hint, falling back on name convention.
func queryLogLevel(declared, canonical string) slog.Level {
	switch declared {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if strings.HasPrefix(canonical, "PROD") {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// LoadRegistryFile reads and parses the environments file at path.
func LoadRegistryFile(path string) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat environments file: %w", err)
	}
	if info.Size() > MaxEnvFileSize {
		return nil, fmt.Errorf("environments file %s exceeds %d bytes", path, MaxEnvFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environments file: %w", err)
	}
	reg, err := LoadRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return reg, nil
}

// Resolve looks up an environment by case-insensitive name.
//
// # Outputs
//
//   - *Environment: The registered environment.
//   - error: qerr.KindUnknownEnvironment when the name is not registered.
func (r *Registry) Resolve(name string) (*Environment, error) {
	env, ok := r.envs[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, qerr.Newf(qerr.KindUnknownEnvironment, "unknown environment %q", name).
			WithEnvironment(name)
	}
	return env, nil
}

// Names returns the canonical environment names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// DetectInText scans free text for a token naming a registered environment
// ("... from UAT database"). Returns the canonical name and true on the
// first hit, or "" and false when no token matches.
func (r *Registry) DetectInText(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		trimmed := strings.ToUpper(strings.Trim(tok, ".,;:!?\"'()"))
		if _, ok := r.envs[trimmed]; ok {
			return trimmed, true
		}
	}
	return "", false
}
