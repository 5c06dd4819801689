// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the opqueue server configuration.
//
// # Description
//
// Values are resolved in this order, later wins:
//
//  1. Defaults (applyConfigDefaults fills zero values)
//  2. YAML file, when a path is given
//  3. OPQUEUE_* environment variables
//
// The result is validated before it is returned. Only the grace period and
// the log level can change while the server runs (see Watch); everything
// else needs a restart.
//
// # Example File
//
//	server:
//	  port: 12230
//	  base_path: /api
//	store:
//	  backend: badger
//	badger:
//	  path: ./data/opqueue
//	engine:
//	  grace_period: 50ms
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/opqueue/pkg/logging"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

// Store backends.
const (
	BackendBadger = "badger"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Badger    BadgerConfig    `yaml:"badger"`
	GCS       GCSConfig       `yaml:"gcs"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP port. Default: 12230
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// BasePath prefixes the dy-queue route, e.g. "/api". Default: ""
	BasePath string `yaml:"base_path" validate:"omitempty,startswith=/"`

	// GinMode is debug, release or test. Default: release
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir"`
}

// StoreConfig selects the backend and the persisted names.
type StoreConfig struct {
	Backend         string        `yaml:"backend" validate:"oneof=badger gcs memory"`
	PartitionPrefix string        `yaml:"partition_prefix" validate:"required,excludesall=/"`
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	HeadKey         string        `yaml:"head_key" validate:"required"`
	SnapshotPrefix  string        `yaml:"snapshot_prefix" validate:"required"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// GCSConfig configures the object storage backend.
type GCSConfig struct {
	ProjectID       string `yaml:"project_id"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
}

// EngineConfig tunes the convergence engine.
type EngineConfig struct {
	// GracePeriod is the wait between append and log read-back.
	// Default: 50ms. Reloadable.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`
}

// TelemetryConfig selects OTel exporters.
type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=otlp stdout none"`
	Metrics      string `yaml:"metrics" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return applyConfigDefaults(Config{})
}

// Load reads path (optional), applies OPQUEUE_* overrides and defaults,
// and validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file; a missing file is an error.
//
// # Outputs
//
//   - Config: Resolved configuration.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalid.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg = applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyConfigDefaults fills zero values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 12230
	}
	if cfg.Server.GinMode == "" {
		cfg.Server.GinMode = "release"
	}
	cfg.Server.BasePath = strings.TrimSuffix(cfg.Server.BasePath, "/")

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendBadger
	}
	layout := stores.DefaultLayout()
	if cfg.Store.PartitionPrefix == "" {
		cfg.Store.PartitionPrefix = layout.PartitionPrefix
	}
	if cfg.Store.TTL == 0 {
		cfg.Store.TTL = stores.DefaultTTL
	}
	if cfg.Store.HeadKey == "" {
		cfg.Store.HeadKey = layout.HeadKey
	}
	if cfg.Store.SnapshotPrefix == "" {
		cfg.Store.SnapshotPrefix = layout.SnapshotPrefix
	}

	if cfg.Badger.Path == "" && !cfg.Badger.InMemory {
		cfg.Badger.Path = "./data/opqueue"
	}

	if cfg.Engine.GracePeriod == 0 {
		cfg.Engine.GracePeriod = engine.DefaultGracePeriod
	}

	if cfg.Telemetry.Traces == "" {
		cfg.Telemetry.Traces = "none"
	}
	if cfg.Telemetry.Metrics == "" {
		cfg.Telemetry.Metrics = "prometheus"
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	return cfg
}

// applyEnv overlays OPQUEUE_* variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("OPQUEUE_PORT", cfg.Server.Port)
	cfg.Server.BasePath = getEnvString("OPQUEUE_BASE_PATH", cfg.Server.BasePath)
	cfg.Server.GinMode = getEnvString("OPQUEUE_GIN_MODE", cfg.Server.GinMode)

	cfg.Log.Level = getEnvString("OPQUEUE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("OPQUEUE_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Dir = getEnvString("OPQUEUE_LOG_DIR", cfg.Log.Dir)

	cfg.Store.Backend = getEnvString("OPQUEUE_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PartitionPrefix = getEnvString("OPQUEUE_PARTITION_PREFIX", cfg.Store.PartitionPrefix)
	cfg.Store.TTL = getEnvDuration("OPQUEUE_STORE_TTL", cfg.Store.TTL)

	cfg.Badger.Path = getEnvString("OPQUEUE_BADGER_PATH", cfg.Badger.Path)
	cfg.Badger.InMemory = getEnvBool("OPQUEUE_BADGER_IN_MEMORY", cfg.Badger.InMemory)

	cfg.GCS.ProjectID = getEnvString("OPQUEUE_GCS_PROJECT_ID", cfg.GCS.ProjectID)
	cfg.GCS.Bucket = getEnvString("OPQUEUE_GCS_BUCKET", cfg.GCS.Bucket)
	cfg.GCS.CredentialsFile = getEnvString("OPQUEUE_GCS_CREDENTIALS_FILE", cfg.GCS.CredentialsFile)
	cfg.GCS.Endpoint = getEnvString("OPQUEUE_GCS_ENDPOINT", cfg.GCS.Endpoint)

	cfg.Engine.GracePeriod = getEnvDuration("OPQUEUE_GRACE_PERIOD", cfg.Engine.GracePeriod)

	cfg.Telemetry.Traces = getEnvString("OPQUEUE_TRACES_EXPORTER", cfg.Telemetry.Traces)
	cfg.Telemetry.Metrics = getEnvString("OPQUEUE_METRICS_EXPORTER", cfg.Telemetry.Metrics)
	cfg.Telemetry.OTLPEndpoint = getEnvString("OPQUEUE_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

// =============================================================================
// Validation
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(backendRules, Config{})
	return v
}

// backendRules checks the settings the chosen backend depends on.
func backendRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	switch cfg.Store.Backend {
	case BackendBadger:
		if cfg.Badger.Path == "" && !cfg.Badger.InMemory {
			sl.ReportError(cfg.Badger.Path, "Badger.Path", "Path", "required_for_badger", "")
		}
	case BackendGCS:
		if cfg.GCS.Bucket == "" {
			sl.ReportError(cfg.GCS.Bucket, "GCS.Bucket", "Bucket", "required_for_gcs", "")
		}
	}
}

// Validate checks cfg. Failures wrap ErrInvalid and name every bad field.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// =============================================================================
// Derived values
// =============================================================================

// Layout returns the persisted names as a stores.Layout.
func (c Config) Layout() stores.Layout {
	return stores.Layout{
		PartitionPrefix: c.Store.PartitionPrefix,
		HeadKey:         c.Store.HeadKey,
		SnapshotPrefix:  c.Store.SnapshotPrefix,
	}
}

// Logging returns the pkg/logging configuration for service.
func (c Config) Logging(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		Format:  logging.Format(c.Log.Format),
	}
}

// =============================================================================
// Environment helpers
// =============================================================================

// getEnvString returns an environment variable as string, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if not set/invalid.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("75ms").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
