// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command drserver runs the Distributed Replica coordination server.
//
// Usage:
//
//	drserver <script> [-s snapshot] [-t start_time] [-d log_dir] [-v level]
//
// The script file must be named like t1.script, where t1 is the
// two-character simulation title. The server listens on the script's
// PORT, coordinates every connected sampling client, and exits 0 on
// clean termination or 1 on a startup error.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/dr/internal/ui"
	"github.com/kraklabs/dr/pkg/drlog"
	"github.com/kraklabs/dr/pkg/script"
	"github.com/kraklabs/dr/pkg/server"
)

func main() {
	opt := server.DefaultOptions()
	var configPath string

	flag.StringVarP(&opt.SnapshotPath, "snapshot", "s", "", "Snapshot file to load before starting")
	flag.Int64VarP(&opt.StartTime, "start-time", "t", 0, "Wall-clock second this host started running (mobile server)")
	flag.StringVarP(&opt.LogDir, "log-dir", "d", ".", "Directory for the simulation log file")
	flag.IntVarP(&opt.Verbosity, "verbose", "v", 0, "Verbosity: 0=warnings on stderr, 1=info, 2=debug")
	flag.StringVar(&opt.MetricsAddr, "metrics", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	flag.StringVarP(&configPath, "config", "c", "dr.yaml", "Optional operator options file")
	flag.Parse()

	if flag.NArg() != 1 {
		ui.Errorf("usage: drserver <script> [-s snapshot] [-t start_time] [-d log_dir] [-v level]")
		os.Exit(1)
	}
	scriptPath := flag.Arg(0)

	// File options fill in whatever the flags left at their defaults.
	fileOpt := server.DefaultOptions()
	if err := server.LoadOptions(configPath, &fileOpt); err != nil {
		ui.Fatalf("%v", err)
	}
	mergeOptions(&opt, fileOpt)
	opt.ConfigPath = configPath

	title, err := server.TitleFromScript(scriptPath)
	if err != nil {
		ui.Fatalf("%v", err)
	}
	cfg, err := script.Load(scriptPath)
	if err != nil {
		ui.Fatalf("%v", err)
	}

	mirror := slog.LevelWarn
	level := slog.LevelInfo
	switch {
	case opt.Verbosity >= 2:
		level = slog.LevelDebug
		mirror = slog.LevelDebug
	case opt.Verbosity == 1:
		mirror = slog.LevelInfo
	}
	handler, err := drlog.Open(opt.LogDir, title, level, mirror)
	if err != nil {
		ui.Fatalf("%v", err)
	}
	defer handler.Close()
	log := slog.New(handler)
	slog.SetDefault(log)

	c, err := server.New(cfg, title, opt, log, time.Now())
	if err != nil {
		log.Error("startup failed", "err", err)
		ui.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui.Infof("drserver %s listening on port %d (%v/%v, %d replicas)",
		title, cfg.Port, cfg.Coordinate, cfg.Move, cfg.NReplicas())
	if err := c.Run(ctx); err != nil {
		log.Error("server failed", "err", err)
		ui.Fatalf("server failed: %v", err)
	}
	ui.Successf("drserver %s finished cleanly", title)
}

// mergeOptions overlays file-sourced values onto flag defaults; a flag
// the operator set explicitly wins.
func mergeOptions(opt *server.Options, file server.Options) {
	def := server.DefaultOptions()
	if opt.SnapshotPath == def.SnapshotPath && file.SnapshotPath != "" {
		opt.SnapshotPath = file.SnapshotPath
	}
	if opt.LogDir == "." && file.LogDir != "" {
		opt.LogDir = file.LogDir
	}
	if opt.Verbosity == def.Verbosity && file.Verbosity != 0 {
		opt.Verbosity = file.Verbosity
	}
	if opt.MetricsAddr == "" {
		opt.MetricsAddr = file.MetricsAddr
	}
	if file.Seed != 0 && opt.Seed == 0 {
		opt.Seed = file.Seed
	}
	if file.SubmitCommand != "" && opt.SubmitCommand == def.SubmitCommand {
		opt.SubmitCommand = file.SubmitCommand
	}
}
