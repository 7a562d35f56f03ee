// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kraklabs/dr/pkg/replica"
)

const (
	// QueueInterval forces a queue submission every hour no matter what.
	QueueInterval = 3600 * time.Second

	DiskAlmostFullCheckSeconds  = 600 * time.Second
	FinishOnAverageCheckSeconds = 600 * time.Second
	NodeDisplaySeconds          = 600 * time.Second
	MobilityCheckSeconds        = 600 * time.Second

	// MinDiskSpaceToRun is the free-space floor in bytes (1 GB).
	MinDiskSpaceToRun = 1 << 30

	// MaxFailuresForSubmission disables queue submission after this many
	// consecutive failures.
	MaxFailuresForSubmission = 1000
)

// Supervisor is the main housekeeping task. It wakes each second and
// fires its subtasks on their own schedules; it returns once the run
// reaches a terminal status, cancelling the rest of the server.
func (c *Context) Supervisor(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := c.Cfg
	crashEvery := time.Duration(cfg.JobTimeout) * time.Second / 2
	if crashEvery < time.Second {
		crashEvery = time.Second
	}
	queueEvery := time.Duration(cfg.NodeTime) * time.Second / time.Duration(c.Nodes.N())
	if queueEvery < time.Second {
		queueEvery = time.Second
	}
	snapEvery := time.Duration(cfg.SnapshotSaveInterval) * time.Second

	start := time.Now()
	lastCrash, lastQueue, lastHourly := start, start, start
	lastDisk, lastFinish, lastSnap := start, start, start
	lastMobility, lastDisplay := start, start

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()

		if now.Sub(lastCrash) >= crashEvery {
			lastCrash = now
			c.crashCheck(now)
		}

		if cfg.SubmitJobs {
			crashed := c.CrashedJobs() > 0
			if now.Sub(lastQueue) >= queueEvery || crashed {
				lastQueue = now
				c.maybeSubmit(false)
			}
			if now.Sub(lastHourly) >= QueueInterval {
				lastHourly = now
				c.maybeSubmit(true)
			}
		}

		if now.Sub(lastDisk) >= DiskAlmostFullCheckSeconds {
			lastDisk = now
			c.diskGuard()
		}

		if cfg.StopOnAverageTimeExceeded && now.Sub(lastFinish) >= FinishOnAverageCheckSeconds {
			lastFinish = now
			c.finishOnAverage()
		}

		c.mu.Lock()
		snapNow := c.saveSnapshotNow
		c.mu.Unlock()
		if snapNow || (snapEvery > 0 && now.Sub(lastSnap) >= snapEvery) {
			lastSnap = now
			if _, err := c.SaveSnapshot(now); err != nil {
				c.Log.Error("snapshot save failed", "err", err)
			}
		}

		if cfg.AllottedTimeForServer > 0 &&
			c.Uptime(now) > time.Duration(cfg.AllottedTimeForServer)*time.Second {
			c.mu.Lock()
			c.setStatus(AllottedTimeOver)
			c.mu.Unlock()
		}

		if cfg.MobilityTime > 0 && now.Sub(lastMobility) >= MobilityCheckSeconds {
			lastMobility = now
			c.attemptMobility(now)
		}

		if now.Sub(lastDisplay) >= NodeDisplaySeconds {
			lastDisplay = now
			c.displayNodes()
		}

		switch c.Status() {
		case Finished, AllottedTimeOver:
			return nil
		}
	}
}

// crashCheck reclaims every running replica whose client has gone
// silent past the job timeout.
func (c *Context) crashCheck(now time.Time) {
	timeout := time.Duration(c.Cfg.JobTimeout) * time.Second
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.Table.Replicas {
		if r.Status != replica.Running {
			continue
		}
		idle := now.Sub(r.LastActivity)
		if idle < 0 {
			c.Log.Warn("clock skew observed", "err", &ClockError{Detail: "replica activity in the future"}, "replica", i)
			continue
		}
		if idle > timeout {
			c.Log.Info("restarting replica", "replica", i, "idle", idle.Round(time.Second))
			slot := r.NodeSlot
			if slot >= 0 {
				c.releaseNodeLocked(slot)
			} else {
				r.Status = replica.Idle
			}
			c.nCrashedJobs++
			c.Metrics.CrashedJobs.Inc()
		}
	}
}

// maybeSubmit invokes the external queue-submission shell when fewer
// than a full node table's worth of queue slots are reserved, or
// unconditionally on the hourly schedule. Submission failures
// accumulate; a long run of them trips the fuse.
func (c *Context) maybeSubmit(unconditional bool) {
	c.mu.Lock()
	if c.submitDisabled {
		c.mu.Unlock()
		return
	}
	reserved := c.nReservedQueueSlots
	crashed := c.nCrashedJobs
	submitCmd := c.Opt.SubmitCommand
	c.mu.Unlock()

	if !unconditional && int(reserved) >= c.Nodes.N() && crashed == 0 {
		return
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	cmd := exec.Command("/bin/sh", "-c", submitCmd)
	err := cmd.Run()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.nFailedSubsInARow++
		c.Metrics.SubmitFailures.Inc()
		c.Log.Warn("queue submission failed", "err", &SubmitError{Cmd: submitCmd, Err: err}, "consecutive", c.nFailedSubsInARow)
		if c.nFailedSubsInARow >= MaxFailuresForSubmission {
			c.submitDisabled = true
			c.Log.Error("queue submission disabled after too many consecutive failures")
		}
		return
	}
	c.nFailedSubsInARow = 0
	c.nReservedQueueSlots++
	if c.nCrashedJobs > 0 {
		c.nCrashedJobs--
	}
	c.Metrics.QueueSubmissions.Inc()
	c.Log.Info("queue submission succeeded", "reserved", c.nReservedQueueSlots)
}

// diskGuard suspends dispatching while the working directory's free
// space sits under the floor, and recovers when it returns.
func (c *Context) diskGuard() {
	var st unix.Statfs_t
	if err := unix.Statfs(".", &st); err != nil {
		c.Log.Warn("statfs failed", "err", err)
		return
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case free < MinDiskSpaceToRun && c.status == Running:
		c.setStatus(DiskAlmostFull)
		c.Metrics.DiskAlmostFull.Set(1)
	case free >= MinDiskSpaceToRun && c.status == DiskAlmostFull:
		c.setStatus(Running)
		c.Metrics.DiskAlmostFull.Set(0)
	}
}

// finishOnAverage ends the run once the committed-round total passes
// the configured target total.
func (c *Context) finishOnAverage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Table.SequenceSum() > c.Table.SamplingRunsSum() {
		c.setStatus(Finished)
	}
}

// displayNodes logs the node table for operator visibility.
func (c *Context) displayNodes() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.Nodes.N(); i++ {
		n := c.Nodes.Slot(i)
		if !n.Active {
			continue
		}
		c.Log.Info("node", "slot", i, "ip", n.IP,
			"age", time.Since(n.StartTime).Round(time.Second),
			"awaiting_dump", n.AwaitingDump, "message_waiting", n.MessageWaiting)
	}
	c.Log.Info("node table", "active", c.Nodes.NActive(), "slots", c.Nodes.N(),
		"crashed_jobs", c.nCrashedJobs, "status", c.status)
}
