// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"time"
)

// attemptMobility relocates the server to a worker host with more
// remaining wall time. When a successor qualifies, the state is
// checkpointed, the force database is closed for good, and every active
// node is told what to do next over its piggyback message: the chosen
// node becomes the new server, the rest hold and recontact it. The
// handoff then waits — still running crash detection — until every
// message is delivered or its node has been reclaimed, and finishes the
// run without a final snapshot.
func (c *Context) attemptMobility(now time.Time) {
	cfg := c.Cfg
	if cfg.MobilityTime <= 0 || cfg.AllottedTimeForServer == 0 {
		return
	}
	uptime := c.Uptime(now)
	timeLeft := time.Duration(cfg.AllottedTimeForServer)*time.Second - uptime
	if timeLeft >= time.Duration(cfg.MobilityTime)*time.Second {
		return
	}
	if uptime <= 2*time.Duration(cfg.JobTimeout)*time.Second {
		return
	}

	c.mu.Lock()
	successor := c.pickSuccessorLocked(now, timeLeft)
	if successor < 0 {
		c.mu.Unlock()
		return
	}

	path, err := c.saveSnapshotLocked(now)
	if err != nil {
		c.Log.Error("mobility aborted: snapshot failed", "err", err)
		c.mu.Unlock()
		return
	}
	c.handedOff = true
	newIP := c.Nodes.Slot(successor).IP
	c.Nodes.QueueMessage(successor, fmt.Sprintf("BECOME_NEW_SERVER %s", path))
	for i := 0; i < c.Nodes.N(); i++ {
		if i == successor || !c.Nodes.Slot(i).Active {
			continue
		}
		c.Nodes.QueueMessage(i, fmt.Sprintf("HOLD_AND_CONTACT %s", newIP))
	}
	c.mu.Unlock()

	if err := c.DB.Close(); err != nil {
		c.Log.Error("force database close failed during handoff", "err", err)
	}
	c.Log.Info("mobile handoff started", "successor_slot", successor, "successor_ip", newIP, "snapshot", path)

	for {
		c.crashCheck(time.Now())
		c.mu.Lock()
		pending := false
		for i := 0; i < c.Nodes.N(); i++ {
			n := c.Nodes.Slot(i)
			if n.Active && n.MessageWaiting {
				pending = true
				break
			}
		}
		if !pending {
			c.setStatus(Finished)
			c.mu.Unlock()
			c.Log.Info("mobile handoff complete")
			return
		}
		c.mu.Unlock()
		time.Sleep(time.Second)
	}
}

// pickSuccessorLocked chooses the most recently started active node
// whose remaining allotted time beats the server's by the required
// gain. Caller holds the lock.
func (c *Context) pickSuccessorLocked(now time.Time, serverTimeLeft time.Duration) int {
	nodeTime := time.Duration(c.Cfg.NodeTime) * time.Second
	gain := time.Duration(c.Cfg.MobilityRequiredTimeGain) * time.Second
	best := -1
	var bestStart time.Time
	for i := 0; i < c.Nodes.N(); i++ {
		n := c.Nodes.Slot(i)
		if !n.Active {
			continue
		}
		remaining := nodeTime - now.Sub(n.StartTime)
		if remaining-serverTimeLeft < gain {
			continue
		}
		if best == -1 || n.StartTime.After(bestStart) {
			best = i
			bestStart = n.StartTime
		}
	}
	return best
}
