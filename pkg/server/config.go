// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options carries the operational knobs that are not part of the
// simulation script: where to log, what to load, where to expose
// metrics. They layer: built-in defaults, then the optional dr.yaml
// sidecar, then command-line flags.
type Options struct {
	// SnapshotPath, when set, is loaded before the listener starts.
	SnapshotPath string `yaml:"snapshot"`

	// StartTime is the wall-clock second this server instance started on
	// its host, as reported by a mobile predecessor; zero means now.
	StartTime int64 `yaml:"-"`

	LogDir    string `yaml:"log_dir"`
	Verbosity int    `yaml:"verbosity"`

	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics"`

	// ConfigPath is where the sidecar itself lives; the server watches
	// it for runtime-safe option changes.
	ConfigPath string `yaml:"-"`

	// Seed pins the RNG for reproducible runs; zero seeds from the
	// clock.
	Seed int64 `yaml:"seed"`

	// SubmitCommand is the queue-submission shell invoked verbatim.
	SubmitCommand string `yaml:"submit_command"`
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{SubmitCommand: "drsub"}
}

// LoadOptions overlays the yaml sidecar at path onto opts. A missing
// file is not an error; a malformed one is.
func LoadOptions(path string, opts *Options) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read options file: %w", err)
	}
	if err := yaml.Unmarshal(b, opts); err != nil {
		return fmt.Errorf("parse options file %s: %w", path, err)
	}
	return nil
}

// TitleFromScript derives the two-character simulation title from a
// script path of the form title.script.
func TitleFromScript(path string) (string, error) {
	base := filepath.Base(path)
	title, _, ok := strings.Cut(base, ".")
	if !ok || len(title) != 2 {
		return "", fmt.Errorf("script file should be named like t1.script with a two-character title")
	}
	return title, nil
}
