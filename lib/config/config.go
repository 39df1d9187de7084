// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for elevate.
//
// Configuration is loaded from a single file specified by:
//   - the ELEVATE_CONFIG environment variable, or
//   - the default path /etc/elevate/config.yaml.
//
// There are no search paths or automatic discovery. A privilege
// boundary must read deterministic, auditable configuration with no
// hidden overrides. A missing file yields the built-in defaults;
// a present but malformed file is an error, never a silent fallback.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file lives unless ELEVATE_CONFIG
// overrides it.
const DefaultPath = "/etc/elevate/config.yaml"

// Config is the configuration for the elevate binary. Every field has
// a usable zero-adjacent default from Defaults; the file only needs to
// state deviations.
type Config struct {
	// UsePTY allocates a pseudo-terminal for the command and runs the
	// full terminal supervisor. When false the command inherits the
	// invoker's standard streams directly.
	UsePTY bool `yaml:"use_pty"`

	// NoExec installs the seccomp filter that blocks the command's
	// descendants from calling exec.
	NoExec bool `yaml:"noexec"`

	// TTYGroup is the group that receives ownership of the allocated
	// pseudo-terminal device, conventionally "tty".
	TTYGroup string `yaml:"tty_group"`

	// Umask is the file creation mask applied to the command, as an
	// octal string (e.g. "022"). Empty means inherit the invoker's.
	Umask string `yaml:"umask"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the built-in configuration used when no file is
// present.
func Defaults() Config {
	return Config{
		UsePTY:   true,
		NoExec:   false,
		TTYGroup: "tty",
		Umask:    "",
		LogLevel: "warn",
	}
}

// Load reads the configuration from ELEVATE_CONFIG or DefaultPath.
// A missing file is not an error: the defaults are returned.
func Load() (Config, error) {
	path := os.Getenv("ELEVATE_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg, err := LoadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Defaults(), nil
		}
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and validates the configuration file at path,
// layered over the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values that cannot be expressed by the YAML
// schema alone.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.TTYGroup == "" {
		return errors.New("tty_group must not be empty")
	}
	if _, _, err := c.UmaskBits(); err != nil {
		return err
	}
	return nil
}

// UmaskBits parses the Umask field. The boolean reports whether a
// umask was configured at all.
func (c Config) UmaskBits() (int, bool, error) {
	if c.Umask == "" {
		return 0, false, nil
	}
	bits, err := strconv.ParseUint(c.Umask, 8, 12)
	if err != nil {
		return 0, false, fmt.Errorf("umask must be an octal mode, got %q", c.Umask)
	}
	return int(bits), true, nil
}
