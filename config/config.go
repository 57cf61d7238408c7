// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the tunables a Connection/Channel pair may
// override from the normative defaults in §6. The zero value of Config
// (after Defaults is applied) reproduces the spec's own constants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionConfig governs a single Connection's framing and retry policy.
type ConnectionConfig struct {
	Brokers             []string      `yaml:"brokers" json:"brokers"`
	MaxPayloadLen       int           `yaml:"max_payload_len" json:"max_payload_len"`
	MaxCompressionLen   int           `yaml:"max_compression_len" json:"max_compression_len"`
	SuggestedMaxOutbox  int           `yaml:"suggested_max_outbox" json:"suggested_max_outbox"`
	ResendTimeout       time.Duration `yaml:"resend_timeout" json:"resend_timeout"`
	MaxSendRetries      int           `yaml:"max_send_retries" json:"max_send_retries"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff" json:"reconnect_backoff"`
	MaxReconnectRetries int           `yaml:"max_reconnect_retries" json:"max_reconnect_retries"`
}

// TokenStoreConfig optionally backs a Session's issued-token ledger with
// durable storage (supplementing the original's process-lifetime dict).
type TokenStoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// MetricsConfig controls the Prometheus registry's listen address.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Config is the top-level configuration document.
type Config struct {
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	TokenStore TokenStoreConfig `yaml:"token_store" json:"token_store"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// Defaults returns the normative constants from §6 as a Config: every
// implementer-visible default is reproduced exactly here, so overriding
// a YAML file only needs to mention what it changes.
func Defaults() Config {
	return Config{
		Connection: ConnectionConfig{
			MaxPayloadLen:       1 << 19, // 524288
			MaxCompressionLen:   1 << 19, // 524288
			SuggestedMaxOutbox:  16,
			ResendTimeout:       2 * time.Second,
			MaxSendRetries:      3,
			HandshakeTimeout:    15 * time.Second,
			ReconnectBackoff:    1 * time.Second,
			MaxReconnectRetries: 11,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load reads a YAML document at path and merges it over Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
