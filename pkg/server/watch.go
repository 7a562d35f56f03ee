// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 2 * time.Second

// watchOptions follows the operator sidecar for rewrites and reloads
// the knobs that are safe to change mid-run (currently the
// queue-submission command). The simulation script itself stays
// immutable; this only touches operational policy. The watch is placed
// on the sidecar's directory, since editors typically replace the file
// rather than write it in place.
func (c *Context) watchOptions(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.Log.Warn("options watch unavailable", "err", err)
		return nil
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		c.Log.Warn("options watch failed", "dir", dir, "err", err)
		return nil
	}
	target := filepath.Base(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.Log.Warn("options watch error", "err", err)
		case <-pending:
			pending = nil
			c.reloadOptions(path)
		}
	}
}

// reloadOptions re-reads the sidecar and applies the runtime-safe
// fields.
func (c *Context) reloadOptions(path string) {
	opts := DefaultOptions()
	if err := LoadOptions(path, &opts); err != nil {
		c.Log.Warn("options reload failed", "path", path, "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.SubmitCommand != "" && opts.SubmitCommand != c.Opt.SubmitCommand {
		c.Log.Info("submit command reloaded", "from", c.Opt.SubmitCommand, "to", opts.SubmitCommand)
		c.Opt.SubmitCommand = opts.SubmitCommand
		c.nFailedSubsInARow = 0
		c.submitDisabled = false
	}
}
