// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server runs the Distributed Replica coordination service: the
// TCP listener, one session per connected client, and the supervisor
// task. All shared state hangs off a single Context.
//
// Lock order, part of this type's contract: replica lock, then database
// lock, then queue lock, then vRE lock, then log lock. Sessions never
// hold the replica lock across socket I/O.
package server

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/kraklabs/dr/pkg/forcedb"
	"github.com/kraklabs/dr/pkg/moves"
	"github.com/kraklabs/dr/pkg/node"
	"github.com/kraklabs/dr/pkg/replica"
	"github.com/kraklabs/dr/pkg/script"
	"github.com/kraklabs/dr/pkg/snapshot"
	"github.com/kraklabs/dr/pkg/vre"
)

// SimulationStatus is the server-wide run state.
type SimulationStatus int

const (
	Running SimulationStatus = iota
	DiskAlmostFull
	Finished
	AllottedTimeOver
)

func (s SimulationStatus) String() string {
	switch s {
	case Running:
		return "Running"
	case DiskAlmostFull:
		return "DiskAlmostFull"
	case Finished:
		return "Finished"
	case AllottedTimeOver:
		return "AllottedTimeOver"
	}
	return "Unknown"
}

// CancellationStatus tracks the energy-cancellation activation pass.
type CancellationStatus int

const (
	CancellationDisabled CancellationStatus = iota
	CancellationPending
	CancellationActive
	CancellationActivePrinted
)

// StartPositionsFile lists one starting nominal index per replica,
// overriding the post-load positions when DEFINE_STARTING_POSITIONS is
// set.
const StartPositionsFile = "./switchStart.txt"

// Context owns every piece of shared server state. Sessions and the
// supervisor receive the same handle.
type Context struct {
	Cfg   *script.Config
	Title string
	Opt   Options
	Log   *slog.Logger

	// mu is the replica lock: it guards the replica table, the node
	// table, the counters below, and the engine's RNG.
	mu     sync.Mutex
	Table  *replica.Table
	Nodes  *node.Manager
	Engine *moves.Engine
	VRE    *vre.Store // nil unless the move type is vRE
	DB     *forcedb.DB

	rng *rand.Rand

	status              SimulationStatus
	saveSnapshotNow     bool
	cancellation        CancellationStatus
	nCrashedJobs        uint
	nConnectedClients   int
	nReservedQueueSlots uint
	nFailedSubsInARow   int
	submitDisabled      bool
	handedOff           bool

	serverStart time.Time

	queueMu sync.Mutex

	Metrics *Metrics
}

// New assembles a context from a loaded script, opening the force
// database and allocating the tables. A snapshot, when configured, is
// loaded before the listener starts.
func New(cfg *script.Config, title string, opt Options, log *slog.Logger, now time.Time) (*Context, error) {
	db, err := forcedb.Open(title)
	if err != nil {
		return nil, err
	}
	seed := now.UnixNano()
	if opt.Seed != 0 {
		seed = opt.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	start := now
	if opt.StartTime > 0 {
		start = time.Unix(opt.StartTime, 0)
	}

	c := &Context{
		Cfg:         cfg,
		Title:       title,
		Opt:         opt,
		Log:         log,
		Table:       replica.NewTable(cfg, now),
		Nodes:       node.NewManager(cfg.NNodes()),
		Engine:      moves.New(cfg, rng),
		DB:          db,
		rng:         rng,
		serverStart: start,
		Metrics:     newMetrics(),
	}
	if cfg.Move == script.VRE {
		c.VRE = vre.New(cfg.NReplicas(), -1, cfg.VRESecondarySize, rng)
	}
	if cfg.CancellationThreshold > 0 {
		c.cancellation = CancellationPending
	}
	if cfg.LoadedCancel {
		// Cancellation energies arrived preloaded from the script.
		c.cancellation = CancellationActive
	}

	nenergies := uint32(c.Engine.ExpectedEnergyCount())
	if err := db.EnsureHeader(uint32(cfg.NLigands), uint32(cfg.NSamplesPerRun), nenergies, uint32(cfg.NAdditionalData)); err != nil {
		db.Close()
		return nil, err
	}

	if opt.SnapshotPath != "" {
		if err := snapshot.Load(opt.SnapshotPath, c.Table, c.VRE, now); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("snapshot loaded", "path", opt.SnapshotPath)
	}
	if cfg.DefineStartPos {
		if err := c.applyStartPositions(); err != nil {
			db.Close()
			return nil, err
		}
	}
	if c.VRE != nil {
		for i, r := range c.Table.Replicas {
			if err := c.VRE.LoadSeedFile(i, r.VREFile); err != nil {
				db.Close()
				return nil, err
			}
		}
	}
	return c, nil
}

// applyStartPositions reads switchStart.txt and overrides every
// replica's starting coordinate.
func (c *Context) applyStartPositions() error {
	f, err := os.Open(StartPositionsFile)
	if err != nil {
		return fmt.Errorf("open starting positions file: %w", err)
	}
	defer f.Close()
	var indices []int
	for {
		var idx int
		_, err := fmt.Fscan(f, &idx)
		if err != nil {
			break
		}
		indices = append(indices, idx)
	}
	return c.Table.ApplyStartOverrides(indices)
}

// Status returns the simulation status under the lock.
func (c *Context) Status() SimulationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatus transitions the run state; caller holds the lock.
func (c *Context) setStatus(s SimulationStatus) {
	if c.status != s {
		c.Log.Info("simulation status change", "from", c.status, "to", s)
		c.status = s
	}
}

// RequestExit flips the run to Finished (the privileged Exit command).
func (c *Context) RequestExit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatus(Finished)
}

// RequestSnapshot arms the snapshot-now flag (the privileged Snapshot
// command).
func (c *Context) RequestSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveSnapshotNow = true
}

// SaveSnapshot writes a checkpoint under the replica lock and returns
// its filename.
func (c *Context) SaveSnapshot(now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveSnapshotLocked(now)
}

func (c *Context) saveSnapshotLocked(now time.Time) (string, error) {
	path := snapshot.Filename(c.Title, now)
	if err := snapshot.Save(path, c.Table, c.VRE); err != nil {
		return "", err
	}
	c.saveSnapshotNow = false
	c.Metrics.SnapshotSaves.Inc()
	c.Log.Info("snapshot saved", "path", path)
	return path, nil
}

// scalars returns the DRPE weights in effect: the post-threshold pair
// once cancellation has activated. Caller holds the lock.
func (c *Context) scalars() (float64, float64) {
	if c.cancellation >= CancellationActive {
		return c.Cfg.PotentialScalar1AfterThreshold, c.Cfg.PotentialScalar2AfterThreshold
	}
	return c.Cfg.PotentialScalar1, c.Cfg.PotentialScalar2
}

// moveState builds the consistent view the move engine decides against.
// Caller holds the lock.
func (c *Context) moveState() *moves.State {
	t := c.Table
	st := &moves.State{
		Positions:      t.Positions(),
		Cancellation:   make([]float64, t.N()),
		ForceConstants: make([]float64, t.N()),
		MinRunning:     t.MinRunning,
		MaxRunning:     t.MaxRunning,
	}
	for i, r := range t.Replicas {
		if c.cancellation >= CancellationActive {
			st.Cancellation[i] = r.CancellationEnergy
		}
		if !math.IsNaN(r.Force) {
			st.ForceConstants[i] = r.Force
		}
	}
	st.Scalar1, st.Scalar2 = c.scalars()
	return st
}

// cancellationPass flips Pending to Active once every bin has
// accumulated the threshold sample count. Caller holds the lock.
func (c *Context) cancellationPass() {
	if c.cancellation != CancellationPending {
		return
	}
	for _, r := range c.Table.Replicas {
		if uint(r.CancellationCount) < c.Cfg.CancellationThreshold {
			return
		}
	}
	c.cancellation = CancellationActive
	for _, r := range c.Table.Replicas {
		if r.CancellationAccumulator[1] > 0 {
			r.CancellationEnergy = r.CancellationAccumulator[0] / r.CancellationAccumulator[1]
		}
	}
	c.Log.Info("energy cancellation activated", "threshold", c.Cfg.CancellationThreshold)
}

// releaseNodeLocked frees a node slot and severs the replica link.
// Caller holds the lock.
func (c *Context) releaseNodeLocked(slot int) {
	for _, r := range c.Table.Replicas {
		if r.NodeSlot == slot {
			r.NodeSlot = -1
			if r.Status == replica.Running {
				r.Status = replica.Idle
			}
		}
	}
	c.Nodes.Release(slot)
	c.Metrics.ActiveNodes.Set(float64(c.Nodes.NActive()))
}

// assignReplicaLocked picks the next replica to dispatch: idle, inside
// the suspension fence, with rounds left to run; smallest sequence
// number wins. Returns -1 when no work is available. Caller holds the
// lock.
func (c *Context) assignReplicaLocked() int {
	// With uncoupled copies sharing a job slot, only the first block of
	// indices roots a job.
	limit := c.Cfg.NReplicas()
	if c.Cfg.NSamesystemUncoupled > 1 {
		limit = c.Cfg.NNodes()
	}
	best := -1
	for i, r := range c.Table.Replicas[:limit] {
		if r.Status != replica.Idle {
			continue
		}
		if r.SequenceNumber >= r.SamplingRuns {
			continue
		}
		bin := c.Engine.BinOf(r.W)
		if bin < c.Table.MinRunning || bin > c.Table.MaxRunning {
			continue
		}
		if best == -1 || r.SequenceNumber < c.Table.Replicas[best].SequenceNumber {
			best = i
		}
	}
	return best
}

// allDoneLocked reports whether every replica has met its target.
func (c *Context) allDoneLocked() bool {
	for _, r := range c.Table.Replicas {
		if r.SequenceNumber < r.SamplingRuns {
			return false
		}
	}
	return true
}

// Uptime is the wall time since the server started (or since the start
// time a mobile predecessor recorded for this host).
func (c *Context) Uptime(now time.Time) time.Duration {
	return now.Sub(c.serverStart)
}

// CrashedJobs returns the crash counter under the lock.
func (c *Context) CrashedJobs() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nCrashedJobs
}
