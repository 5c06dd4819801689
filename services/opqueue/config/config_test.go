// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opqueue/pkg/logging"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/stores"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "opqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// =============================================================================
// Load
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12230, cfg.Server.Port)
	assert.Equal(t, "", cfg.Server.BasePath)
	assert.Equal(t, "release", cfg.Server.GinMode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
	assert.Equal(t, "TEST", cfg.Store.PartitionPrefix)
	assert.Equal(t, stores.DefaultTTL, cfg.Store.TTL)
	assert.Equal(t, "db.json", cfg.Store.HeadKey)
	assert.Equal(t, "snapshot/", cfg.Store.SnapshotPrefix)
	assert.Equal(t, "./data/opqueue", cfg.Badger.Path)
	assert.Equal(t, engine.DefaultGracePeriod, cfg.Engine.GracePeriod)
	assert.Equal(t, "none", cfg.Telemetry.Traces)
	assert.Equal(t, "prometheus", cfg.Telemetry.Metrics)
	assert.Equal(t, cfg, Default())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  port: 8080
  base_path: /api/
log:
  level: debug
  format: json
store:
  backend: memory
  partition_prefix: PROD
engine:
  grace_period: 75ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 75*time.Millisecond, cfg.Engine.GracePeriod)

	layout := cfg.Layout()
	assert.Equal(t, "PROD_OPE", layout.OpsPartition())
	assert.Equal(t, "PROD_META", layout.MetaPartition())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  port: 8080\nengine:\n  grace_period: 75ms\n")
	t.Setenv("OPQUEUE_PORT", "9090")
	t.Setenv("OPQUEUE_GRACE_PERIOD", "20ms")
	t.Setenv("OPQUEUE_STORE_BACKEND", "gcs")
	t.Setenv("OPQUEUE_GCS_BUCKET", "opqueue-test")
	t.Setenv("OPQUEUE_BADGER_IN_MEMORY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.GracePeriod)
	assert.Equal(t, BackendGCS, cfg.Store.Backend)
	assert.Equal(t, "opqueue-test", cfg.GCS.Bucket)
	assert.True(t, cfg.Badger.InMemory)
	assert.Empty(t, cfg.Badger.Path)
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("OPQUEUE_PORT", "not-a-port")
	t.Setenv("OPQUEUE_GRACE_PERIOD", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12230, cfg.Server.Port)
	assert.Equal(t, engine.DefaultGracePeriod, cfg.Engine.GracePeriod)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server: [unclosed\n")
	_, err := Load(path)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "Port"},
		{"base path without slash", func(c *Config) { c.Server.BasePath = "api" }, "BasePath"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }, "Backend"},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, "Level"},
		{"negative grace", func(c *Config) { c.Engine.GracePeriod = -time.Second }, "GracePeriod"},
		{"zero ttl", func(c *Config) { c.Store.TTL = 0 }, "TTL"},
		{"prefix with slash", func(c *Config) { c.Store.PartitionPrefix = "a/b" }, "PartitionPrefix"},
		{"gcs without bucket", func(c *Config) { c.Store.Backend = BackendGCS }, "Bucket"},
		{"gcs with bucket", func(c *Config) {
			c.Store.Backend = BackendGCS
			c.GCS.Bucket = "b"
		}, ""},
		{"badger without path", func(c *Config) { c.Badger.Path = "" }, "Path"},
		{"badger in memory", func(c *Config) {
			c.Badger.Path = ""
			c.Badger.InMemory = true
		}, ""},
		{"memory ignores badger", func(c *Config) {
			c.Store.Backend = BackendMemory
			c.Badger.Path = ""
		}, ""},
		{"bad endpoint", func(c *Config) { c.GCS.Endpoint = "not a url" }, "Endpoint"},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.Traces = "zipkin" }, "Traces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Logging(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	cfg.Log.Dir = "/tmp/opqueue-logs"

	lc := cfg.Logging("opqueue")
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "/tmp/opqueue-logs", lc.LogDir)
	assert.Equal(t, "opqueue", lc.Service)
}

// =============================================================================
// Watch
// =============================================================================

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  backend: memory\nengine:\n  grace_period: 50ms\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 8)
	require.NoError(t, Watch(ctx, path, nil, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))

	writeConfig(t, dir, "store:\n  backend: memory\nlog:\n  level: debug\nengine:\n  grace_period: 75ms\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 75*time.Millisecond, cfg.Engine.GracePeriod)
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file changed")
	}
}

func TestWatch_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  backend: memory\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 8)
	require.NoError(t, Watch(ctx, path, nil, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))

	writeConfig(t, dir, "store:\n  backend: dynamo\n")
	select {
	case <-reloaded:
		t.Fatal("an invalid file must not be applied")
	case <-time.After(4 * DefaultDebounce):
	}

	writeConfig(t, dir, "store:\n  backend: memory\nengine:\n  grace_period: 10ms\n")
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 10*time.Millisecond, cfg.Engine.GracePeriod)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file was fixed")
	}
}

func TestWatch_RequiresPath(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "", nil, func(Config) {}))
}
