// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package drlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStampFormat(t *testing.T) {
	ts := time.Date(2009, time.May, 9, 7, 3, 45, 0, time.UTC)
	if got := Stamp(ts); got != "[May/09/2009 07:03:45]" {
		t.Errorf("Stamp = %q", got)
	}
}

func TestHandlerWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, "t1", slog.LevelInfo, slog.LevelError)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	log := slog.New(h)
	log.Info("restarting replica", "replica", 3)
	log.Debug("suppressed")
	log.With("slot", 2).Info("node obtained")

	b, err := os.ReadFile(filepath.Join(dir, "t1.log"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(b)
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), text)
	}
	if !strings.Contains(lines[0], "restarting replica replica=3") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[0], "[") || !strings.Contains(lines[0], "] ") {
		t.Errorf("missing timestamp prefix: %q", lines[0])
	}
	if !strings.Contains(lines[1], "node obtained slot=2") {
		t.Errorf("With attrs lost: %q", lines[1])
	}
}

func TestHandlerAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		h, err := Open(dir, "t1", slog.LevelInfo, slog.LevelError)
		if err != nil {
			t.Fatal(err)
		}
		slog.New(h).Info("run")
		h.Close()
	}
	b, _ := os.ReadFile(filepath.Join(dir, "t1.log"))
	if got := strings.Count(string(b), "run"); got != 2 {
		t.Errorf("log not append-only: %d entries", got)
	}
}
