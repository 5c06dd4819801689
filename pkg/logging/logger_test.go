// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Service: "opqueue"})
	defer logger.Close()

	logger.Slog().Info("submission applied", "id", "01J")

	out := buf.String()
	if !strings.Contains(out, "msg=\"submission applied\"") {
		t.Errorf("expected text output, got %q", out)
	}
	if !strings.Contains(out, "service=opqueue") {
		t.Errorf("expected service attribute, got %q", out)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatJSON})
	defer logger.Close()

	logger.Slog().Warn("pointer conflict", "rounds", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "pointer conflict" || entry["level"] != "WARN" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestUseJSON(t *testing.T) {
	var buf bytes.Buffer
	if useJSON(FormatAuto, &buf) {
		t.Error("non-file writers default to text")
	}
	if !useJSON(FormatJSON, &buf) {
		t.Error("explicit JSON must win")
	}

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !useJSON(FormatAuto, f) {
		t.Error("a regular file is not a terminal, expected JSON")
	}
	if useJSON(FormatText, f) {
		t.Error("explicit text must win")
	}
}

func TestLogger_LevelFilteringAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})
	defer logger.Close()

	logger.Slog().Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn, got %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", logger.Level())
	}
	logger.Slog().Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug should pass after SetLevel, got %q", buf.String())
	}
}

func TestLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelError})
	defer logger.Close()

	child := logger.With("component", "engine")
	logger.SetLevel(LevelInfo)
	child.Slog().Info("from child")

	if !strings.Contains(buf.String(), "component=engine") {
		t.Errorf("child should log with its attribute after parent level change, got %q", buf.String())
	}
	if err := child.Close(); err != nil {
		t.Errorf("closing a child is a no-op, got %v", err)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: dir, Service: "verify"})

	logger.Slog().Info("to file", "trial", 7)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	name := filepath.Join(dir, "verify_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"trial":7`) {
		t.Errorf("file should hold JSON entries, got %q", data)
	}
	if !strings.Contains(buf.String(), "to file") {
		t.Errorf("stderr copy missing, got %q", buf.String())
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: filepath.Join(blocker, "logs")})
	defer logger.Close()

	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected a warning about the log dir, got %q", buf.String())
	}
	logger.Slog().Info("still logging")
	if !strings.Contains(buf.String(), "still logging") {
		t.Error("stderr must keep working when the file cannot be opened")
	}
}

func TestNew_QuietFallsBackWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Quiet: true})
	defer logger.Close()

	logger.Slog().Info("fallback")
	if !strings.Contains(buf.String(), "fallback") {
		t.Errorf("quiet without a file still needs a destination, got %q", buf.String())
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Output: writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Slog().Info("concurrent", "g", i, "j", j)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if n := strings.Count(buf.String(), "\n"); n != 500 {
		t.Errorf("expected 500 lines, got %d", n)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Handle(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("debug is enabled on the first handler")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))
	logger.Info("only text")
	logger.Error("both")

	if !strings.Contains(a.String(), "only text") || !strings.Contains(a.String(), "both") {
		t.Errorf("text handler missing entries: %q", a.String())
	}
	if strings.Contains(b.String(), "only text") || !strings.Contains(b.String(), `"k":"v"`) {
		t.Errorf("json handler should only hold the error with attrs: %q", b.String())
	}
}

func TestMultiHandler_WithGroup(t *testing.T) {
	var a bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{slog.NewJSONHandler(&a, nil)}}
	slog.New(h.WithGroup("req")).Info("grouped", "id", 1)

	if !strings.Contains(a.String(), `"req":{"id":1}`) {
		t.Errorf("expected grouped attrs, got %q", a.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute paths are unchanged, got %q", got)
	}
}
