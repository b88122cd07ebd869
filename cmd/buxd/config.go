// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/buxtehude-foundation/buxtehude/wire"
)

// Config is buxd's on-disk configuration. Every field has a flag
// counterpart; explicitly-set flags win over file values.
type Config struct {
	// UnixPath is the Unix socket path to listen on.
	UnixPath string `yaml:"unix_path"`

	// TCPPort is the TCP port to listen on.
	TCPPort uint16 `yaml:"tcp_port"`

	// DisableUnix turns the Unix listener off.
	DisableUnix bool `yaml:"disable_unix"`

	// DisableTCP turns the TCP listener off.
	DisableTCP bool `yaml:"disable_tcp"`

	// MaxMessageLength caps accepted payload lengths in bytes.
	MaxMessageLength uint32 `yaml:"max_message_length"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		UnixPath:         wire.DefaultUnixPath,
		TCPPort:          wire.DefaultPort,
		MaxMessageLength: wire.DefaultMaxMessageLength,
		LogLevel:         "info",
	}
}

// loadConfig reads a YAML config file over the defaults. Unknown keys
// are rejected so a typo cannot silently fall back to a default.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	config := defaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}
