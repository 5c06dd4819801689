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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events one editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated after
// a change to the watched file.
type ReloadFunc func(Config)

// Watch reloads path whenever it changes and passes the result to apply.
//
// # Description
//
// The parent directory is watched rather than the file, so saves that
// replace the file (write to temp, rename) are seen. Events are debounced.
// A file that fails to load is logged and skipped; the previous
// configuration stays in effect.
//
// # Inputs
//
//   - ctx: Watching stops when ctx is done.
//   - path: The YAML file passed to Load.
//   - logger: May be nil.
//   - apply: Called from the watcher goroutine.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be started.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply ReloadFunc) error {
	if path == "" {
		return errors.New("watch requires a config file path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "config"), slog.String("path", path))

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go watchLoop(ctx, watcher, abs, logger, apply)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger, apply ReloadFunc) {
	defer watcher.Close()

	timer := time.NewTimer(DefaultDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(DefaultDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected", slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded",
				slog.Duration("grace_period", cfg.Engine.GracePeriod),
				slog.String("log_level", cfg.Log.Level))
			apply(cfg)
		}
	}
}
