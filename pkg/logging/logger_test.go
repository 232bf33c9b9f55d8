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
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

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
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
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

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})
	l.Slog().Info("hidden")
	l.Slog().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestSetLevel_AppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})
	derived := l.Slog().With(slog.String("component", "scheduler"))

	derived.Debug("before")
	l.SetLevel(LevelDebug)
	derived.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Errorf("debug before SetLevel should be filtered: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Errorf("debug after SetLevel missing: %s", out)
	}
}

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Service: "rollout", Output: &buf})
	l.Slog().Info("hello", "target", "checkout.v2")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["service"] != "rollout" || rec["target"] != "checkout.v2" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Quiet: true, Output: &buf})
	l.Slog().Error("nobody hears this")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote to console: %s", buf.String())
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	l := New(Config{LogDir: dir, Service: "rollout-test", Output: &console})
	l.Slog().Info("to both")

	path := l.FilePath()
	if !strings.HasPrefix(filepath.Base(path), "rollout-test_") {
		t.Fatalf("unexpected log file name %q", path)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to both"`) {
		t.Errorf("file missing record: %s", data)
	}
	if !strings.Contains(console.String(), "to both") {
		t.Errorf("console missing record: %s", console.String())
	}
}

func TestNew_BadLogDirFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	l := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	if l.FilePath() != "" {
		t.Errorf("expected no log file, got %q", l.FilePath())
	}
	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected a warning, got %s", buf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath = %q", got)
	}
}
