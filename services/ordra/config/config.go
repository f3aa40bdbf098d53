// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ordra service configuration.
//
// Values come from three layers, later layers winning: DefaultConfig, an
// optional YAML file, then ORDRA_* environment variables. The result is
// validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/ordra/services/telemetry"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORDRA_"

// Storage backends.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Storage   StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Engine    EngineConfig     `yaml:"engine" envPrefix:"ENGINE_"`
	ERP       ERPConfig        `yaml:"erp" envPrefix:"ERP_"`
	Logging   LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"OTEL_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// StorageConfig selects where jobs, overrides and audit records live.
//
// Jobs are kept in badger or in memory. The audit ledger may instead
// use SQLite, whose triggers refuse UPDATE and DELETE.
type StorageConfig struct {
	Backend      string `yaml:"backend" env:"BACKEND" validate:"oneof=badger memory"`
	Path         string `yaml:"path" env:"PATH" validate:"required_if=Backend badger"`
	AuditBackend string `yaml:"audit_backend" env:"AUDIT_BACKEND" validate:"omitempty,oneof=badger sqlite memory"`
	SQLitePath   string `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=AuditBackend sqlite"`
}

// EngineConfig configures pipeline execution.
type EngineConfig struct {
	// Workers bounds concurrent stages per layer. Zero means one per CPU.
	Workers int `yaml:"workers" env:"WORKERS" validate:"gte=0"`

	// PipelineFile is the pipeline definition. Empty selects the built-in
	// order-intake pipeline.
	PipelineFile string `yaml:"pipeline_file" env:"PIPELINE_FILE"`

	// PolicyFile is the gate policy. Empty selects the built-in policy.
	PolicyFile string `yaml:"policy_file" env:"POLICY_FILE"`

	// WatchPipeline reloads PipelineFile when it changes on disk.
	WatchPipeline  bool          `yaml:"watch_pipeline" env:"WATCH_PIPELINE"`
	ReloadDebounce time.Duration `yaml:"reload_debounce" env:"RELOAD_DEBOUNCE" validate:"gte=0"`
}

// ERPConfig configures the stub ERP connector and its master data.
type ERPConfig struct {
	CustomersFile string  `yaml:"customers_file" env:"CUSTOMERS_FILE"`
	MaterialsFile string  `yaml:"materials_file" env:"MATERIALS_FILE"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND" validate:"gte=0"`
	Burst         int     `yaml:"burst" env:"BURST" validate:"gte=0"`
	OrderNumber   string  `yaml:"order_number" env:"ORDER_NUMBER"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// DefaultConfig returns a configuration that runs the built-in pipeline
// against badger storage under ./data.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendBadger,
			Path:    "data/badger",
		},
		Engine: EngineConfig{
			ReloadDebounce: 500 * time.Millisecond,
		},
		ERP: ERPConfig{
			RatePerSecond: 20,
			Burst:         5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from path (may be empty) and the
// environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := telemetry.LoadEnv(&cfg.Telemetry); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LedgerBackend returns the audit backend, defaulting to the job backend.
func (s StorageConfig) LedgerBackend() string {
	if s.AuditBackend == "" {
		return s.Backend
	}
	return s.AuditBackend
}
