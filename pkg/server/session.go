// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kraklabs/dr/pkg/moves"
	"github.com/kraklabs/dr/pkg/protocol"
	"github.com/kraklabs/dr/pkg/replica"
	"github.com/kraklabs/dr/pkg/script"
)

// IntegrityError rejects a whole round at commit time: a size mismatch
// or the wrong replica state. The node is released and the round is
// resubmitted elsewhere.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "integrity: " + e.Reason }

func integrityf(format string, args ...any) error {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// copyData is the payload of one non-interacting copy within a round.
type copyData struct {
	energy      []float32
	samples     []float32
	additionals [][]float32
	coords      []float32
}

// session drives one client conversation: greeting, replica
// identification, round collection, commit, dispatch.
type session struct {
	c    *Context
	conn net.Conn
	r    *bufio.Reader
	ip   string

	id  protocol.ID
	tcs float32
	jid float32

	copies  []copyData
	restart []byte

	// boundSlot is the node slot this session is responsible for; -1
	// until known. On error exit the slot is released.
	boundSlot int
}

// Serve handles one accepted connection to completion.
func (c *Context) Serve(conn net.Conn) {
	c.Metrics.ConnectedClients.Inc()
	defer c.Metrics.ConnectedClients.Dec()
	defer conn.Close()

	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	s := &session{c: c, conn: conn, r: bufio.NewReader(conn), ip: ip, boundSlot: -1}
	if err := s.run(); err != nil {
		c.Log.Warn("session ended with error", "ip", ip, "err", err)
		c.Metrics.RejectedRounds.Inc()
		s.releaseOnError()
	}
}

// releaseOnError frees the session's node slot after a failure; the
// round is treated as crashed and will be resubmitted.
func (s *session) releaseOnError() {
	if s.boundSlot < 0 {
		return
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.releaseNodeLocked(s.boundSlot)
}

func (s *session) run() error {
	if err := protocol.ReadVersion(s.r); err != nil {
		return err
	}

	// Collect TCS, JID, and the replica ID; the handshake path sends the
	// ID last, a returning client sends it first.
	for {
		h, err := protocol.ReadHeader(s.r)
		if err != nil {
			return err
		}
		if h.Cmd.Privileged() {
			if !h.Privileged {
				return &protocol.Error{Reason: h.Cmd.String() + " requires the privileged key"}
			}
			return s.command(h.Cmd)
		}
		switch h.Cmd {
		case protocol.TakeTCS:
			if s.tcs, err = s.readOneFloat(); err != nil {
				return err
			}
		case protocol.TakeJID:
			if s.jid, err = s.readOneFloat(); err != nil {
				return err
			}
		case protocol.ReplicaID:
			s.id, err = protocol.ReadID(s.r)
			if err != nil {
				return err
			}
			if s.id.NewNode() {
				return s.handshake()
			}
			return s.round()
		default:
			return &protocol.Error{Reason: "unexpected " + h.Cmd.String() + " before replica ID"}
		}
	}
}

// command executes a privileged control frame.
func (s *session) command(cmd protocol.Command) error {
	switch cmd {
	case protocol.Exit:
		s.c.Log.Info("exit requested by commander", "ip", s.ip)
		s.c.RequestExit()
	case protocol.Snapshot:
		s.c.Log.Info("snapshot requested by commander", "ip", s.ip)
		s.c.RequestSnapshot()
	}
	return nil
}

func (s *session) readOneFloat() (float32, error) {
	b, err := protocol.ReadSized(s.r, 4)
	if err != nil {
		return 0, err
	}
	vals, err := protocol.DecodeFloats(b)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, &protocol.Error{Reason: "expected exactly one float"}
	}
	return vals[0], nil
}

// handshake claims a node slot for a fresh client and dispatches its
// first job. No data is committed.
func (s *session) handshake() error {
	now := time.Now()
	slot, err := s.claimSlot(now)
	if err != nil {
		return err
	}
	d := s.assignFirst(slot, now)
	return s.sendDispatch(d)
}

// claimSlot finds a free node slot, invoking the dump-oldest policy and
// waiting out the victim when the table is full. The replica lock is
// dropped for every wait tick.
func (s *session) claimSlot(now time.Time) (int, error) {
	cfg := s.c.Cfg
	for {
		s.c.mu.Lock()
		slot := s.c.Nodes.FindInactive()
		if slot >= 0 {
			var clientStart time.Time
			if s.tcs > 0 {
				clientStart = time.Unix(int64(s.tcs), 0)
			}
			s.c.Nodes.Obtain(slot, s.ip, clientStart, now)
			if s.c.nReservedQueueSlots > 0 {
				s.c.nReservedQueueSlots--
			}
			s.c.Metrics.ActiveNodes.Set(float64(s.c.Nodes.NActive()))
			s.c.mu.Unlock()
			s.boundSlot = slot
			s.c.Log.Info("node obtained", "slot", slot, "ip", s.ip, "jid", s.jid)
			return slot, nil
		}
		victim := s.c.Nodes.DropOldest(cfg.NodeTime, cfg.CycleClients, now)
		if victim < 0 {
			s.c.mu.Unlock()
			return -1, integrityf("no free node slot for %s", s.ip)
		}
		s.c.Log.Info("dumping oldest node", "slot", victim)
		for s.c.Nodes.AwaitingDump(victim) {
			s.c.mu.Unlock()
			time.Sleep(time.Second)
			s.c.mu.Lock()
		}
		s.c.mu.Unlock()
	}
}

// assignFirst binds the next runnable replica to a fresh slot.
func (s *session) assignFirst(slot int, now time.Time) dispatch {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.status != Running {
		s.c.releaseNodeLocked(slot)
		return s.noWorkLocked(slot)
	}
	base := s.c.assignReplicaLocked()
	if base < 0 {
		s.c.releaseNodeLocked(slot)
		return s.noWorkLocked(slot)
	}
	s.bindLocked(base, slot, now)
	return s.dispatchLocked(base, slot)
}

// bindLocked marks the base replica and its NNI copies running on slot.
func (s *session) bindLocked(base, slot int, now time.Time) {
	for _, idx := range s.c.copyIndices(base) {
		r := s.c.Table.Replicas[idx]
		r.Status = replica.Running
		r.NodeSlot = slot
		r.StartTimeOnNode = now
		r.LastActivity = now
	}
}

// copyIndices lists the replica indices covered by a job for base: the
// base itself plus one copy per extra non-interacting system, spaced by
// the node-table size.
func (c *Context) copyIndices(base int) []int {
	k := int(c.Cfg.NSamesystemUncoupled)
	idx := make([]int, 0, k)
	for j := 0; j < k; j++ {
		idx = append(idx, base+j*c.Cfg.NNodes())
	}
	return idx
}

// round collects, commits, and redispatches one full sampling round.
// The first copy closes with its restart file, each further
// non-interacting copy with a NextNonInteracting marker.
func (s *session) round() error {
	k := int(s.c.Cfg.NSamesystemUncoupled)
	s.copies = []copyData{{}}
	closed := 0
	for closed < k {
		h, err := protocol.ReadHeader(s.r)
		if err != nil {
			return err
		}
		closedCopy, err := s.frame(h)
		if err != nil {
			return err
		}
		if closedCopy {
			closed++
			if closed < k {
				s.copies = append(s.copies, copyData{})
			}
		}
	}
	return s.commit()
}

// frame folds one wire message into the round being collected and
// reports whether it closed the current copy.
func (s *session) frame(h protocol.Header) (bool, error) {
	cfg := s.c.Cfg
	cur := &s.copies[len(s.copies)-1]
	switch h.Cmd {
	case protocol.TakeTCS:
		v, err := s.readOneFloat()
		if err != nil {
			return false, err
		}
		s.tcs = v
	case protocol.TakeJID:
		v, err := s.readOneFloat()
		if err != nil {
			return false, err
		}
		s.jid = v
	case protocol.TakeMoveEnergyData:
		limit := uint32(4 * cfg.NReplicas())
		if limit < 8 {
			limit = 8
		}
		b, err := protocol.ReadSized(s.r, limit)
		if err != nil {
			return false, err
		}
		vals, err := protocol.DecodeFloats(b)
		if err != nil {
			return false, err
		}
		cur.energy = vals
	case protocol.TakeSampleData:
		b, err := protocol.ReadSized(s.r, uint32(4*cfg.NSamplesPerRun*cfg.NLigands))
		if err != nil {
			return false, err
		}
		vals, err := protocol.DecodeFloats(b)
		if err != nil {
			return false, err
		}
		if cur.samples == nil {
			cur.samples = vals
		} else {
			cur.additionals = append(cur.additionals, vals)
		}
	case protocol.TakeCoordinateData:
		limit := uint32(protocol.MaxFrameSize)
		if s.c.Table.NAtoms > 0 {
			limit = uint32(12 * s.c.Table.NAtoms)
		}
		b, err := protocol.ReadSized(s.r, limit)
		if err != nil {
			return false, err
		}
		vals, err := protocol.DecodeFloats(b)
		if err != nil {
			return false, err
		}
		cur.coords = vals
	case protocol.TakeRestartFile:
		if s.restart != nil {
			return false, &protocol.Error{Reason: "restart file outside the first non-interacting copy"}
		}
		b, err := protocol.ReadSized(s.r, 0)
		if err != nil {
			return false, err
		}
		s.restart = b
		return true, nil
	case protocol.NextNonInteracting:
		if s.restart == nil {
			return false, &protocol.Error{Reason: "NextNonInteracting before the first copy's restart file"}
		}
		return true, nil
	case protocol.TakeThisFile:
		return false, s.takeFile()
	default:
		return false, &protocol.Error{Reason: "unexpected " + h.Cmd.String() + " inside a round"}
	}
	return false, nil
}

// takeFile receives an auxiliary named file and writes it out. The
// original marks this path untested; the file is treated as a transient
// write-through and plays no part in round integrity.
func (s *session) takeFile() error {
	n, pr, err := protocol.ReadSizedReader(s.r, 0)
	if err != nil {
		return err
	}
	name := make([]byte, 0, protocol.MaxFilenameSize)
	for {
		var b [1]byte
		if _, err := io.ReadFull(pr, b[:]); err != nil {
			return &protocol.Error{Reason: "short read on filename"}
		}
		if b[0] == 0 {
			break
		}
		if len(name) >= protocol.MaxFilenameSize {
			return &protocol.Error{Reason: "filename exceeds maximum length"}
		}
		name = append(name, b[0])
	}
	if int(n) < len(name)+1 {
		return &protocol.Error{Reason: "file frame smaller than its filename"}
	}
	content := make([]byte, int(n)-len(name)-1)
	if _, err := io.ReadFull(pr, content); err != nil {
		return &protocol.Error{Reason: "short read on file contents"}
	}
	s.c.Log.Info("received auxiliary file", "name", string(name), "size", len(content))
	if err := writeFileExact(string(name), content); err != nil {
		return err
	}
	return nil
}

// commit validates the collected round, applies it to the replica set,
// runs the move decision, and redispatches the node.
func (s *session) commit() error {
	now := time.Now()
	c := s.c
	cfg := c.Cfg

	c.mu.Lock()

	base := int(s.id.Replica)
	maxBase := cfg.NReplicas()
	if cfg.NSamesystemUncoupled > 1 {
		maxBase = cfg.NNodes()
	}
	if base < 0 || base >= maxBase {
		c.mu.Unlock()
		return integrityf("replica number %d out of range", base)
	}
	r := c.Table.Replicas[base]
	if r.Status != replica.Running || s.id.Sequence != r.SequenceNumber {
		if cfg.AllowRequeue {
			// A late client is welcomed back as a fresh node instead of
			// being treated as a protocol violation.
			c.mu.Unlock()
			c.Log.Info("late round requeued as new node", "replica", base, "ip", s.ip)
			return s.handshake()
		}
		c.mu.Unlock()
		return integrityf("replica %d is %v at sequence %d, round claims %d",
			base, r.Status, r.SequenceNumber, s.id.Sequence)
	}
	slot := r.NodeSlot
	if slot < 0 {
		c.mu.Unlock()
		return integrityf("running replica %d has no node slot", base)
	}
	s.boundSlot = slot

	if err := s.verifyRoundLocked(); err != nil {
		c.releaseNodeLocked(slot)
		c.mu.Unlock()
		return err
	}

	// The round is good: apply every copy, then move every copy.
	indices := c.copyIndices(base)
	recs := s.applyLocked(indices, now)
	s.restartBlob(indices)
	c.cancellationPass()
	d := s.redispatchLocked(base, slot, now)
	c.mu.Unlock()

	// The force database has its own lock and is written outside the
	// replica lock, per the lock order.
	for _, rec := range recs {
		if err := c.DB.Append(rec); err != nil {
			c.Log.Error("force database append failed", "err", err)
			return err
		}
		c.Metrics.CommittedRounds.Inc()
	}
	return s.sendDispatch(d)
}

// verifyRoundLocked runs the commit-time integrity checks.
func (s *session) verifyRoundLocked() error {
	cfg := s.c.Cfg
	if len(s.restart) == 0 {
		return integrityf("restart file is empty")
	}
	wantE := s.c.Engine.ExpectedEnergyCount()
	for i := range s.copies[:int(cfg.NSamesystemUncoupled)] {
		cp := &s.copies[i]
		if len(cp.energy) != wantE {
			return integrityf("copy %d: move energy has %d values, want %d", i, len(cp.energy), wantE)
		}
		if cfg.NeedSampleData {
			want := int(cfg.NSamplesPerRun * cfg.NLigands)
			if len(cp.samples) != want {
				return integrityf("copy %d: sample data has %d values, want %d", i, len(cp.samples), want)
			}
			if len(cp.additionals) != int(cfg.NAdditionalData) {
				return integrityf("copy %d: %d additional channels, want %d", i, len(cp.additionals), cfg.NAdditionalData)
			}
			for j, add := range cp.additionals {
				if len(add) != int(cfg.NSamplesPerRun) {
					return integrityf("copy %d: additional channel %d has %d values, want %d", i, j, len(add), cfg.NSamplesPerRun)
				}
			}
		}
		if cfg.NeedCoordinateData {
			if len(cp.coords) == 0 || len(cp.coords)%3 != 0 {
				return integrityf("copy %d: coordinate data has %d values", i, len(cp.coords))
			}
			if s.c.Table.NAtoms > 0 && len(cp.coords) != 3*s.c.Table.NAtoms {
				return integrityf("copy %d: coordinate data for %d atoms, want %d", i, len(cp.coords)/3, s.c.Table.NAtoms)
			}
		}
	}
	return nil
}

// applyLocked commits each copy: bookkeeping, cancellation
// accumulation, coordinate sums, the move decision, and the force
// records to be appended after the lock drops.
func (s *session) applyLocked(indices []int, now time.Time) []dbRecord {
	c := s.c
	cfg := c.Cfg
	var recs []dbRecord
	st := c.moveState()

	for j, idx := range indices {
		r := c.Table.Replicas[idx]
		cp := &s.copies[j]

		wSampled := r.W
		r.WPrev = wSampled
		seq := r.SequenceNumber
		r.MarkPresent(seq)
		r.SequenceNumber++
		r.LastActivity = now

		if cfg.NeedSampleData && cfg.CancellationThreshold > 0 && len(cp.samples) > 0 {
			var sum float64
			for _, v := range cp.samples {
				sum += float64(v)
			}
			r.AccumulateCancellation(sum/float64(len(cp.samples)), cfg.CancellationThreshold)
		}
		if cfg.NeedCoordinateData && len(cp.coords) > 0 {
			s.foldCoordinatesLocked(r, cp.coords)
		}

		if cfg.NeedSampleData {
			recs = append(recs, makeRecord(idx, seq, wSampled, cp))
		}

		s.moveLocked(st, idx, r, cp, seq)
		st.Positions[idx] = r.W
	}
	return recs
}

// foldCoordinatesLocked accumulates a copy's coordinates into the
// replica's averaged sums; the first payload fixes the atom count.
func (s *session) foldCoordinatesLocked(r *replica.Replica, coords []float32) {
	t := s.c.Table
	natoms := len(coords) / 3
	if t.NAtoms == 0 {
		t.NAtoms = natoms
	}
	if len(r.Atoms) != t.NAtoms {
		r.Atoms = make([]replica.AtomSum, t.NAtoms)
	}
	for i := 0; i < natoms && i < t.NAtoms; i++ {
		r.Atoms[i].X += float64(coords[3*i])
		r.Atoms[i].Y += float64(coords[3*i+1])
		r.Atoms[i].Z += float64(coords[3*i+2])
		r.Atoms[i].Weight++
	}
}

// moveLocked runs the configured move algorithm for one committed copy.
func (s *session) moveLocked(st *moves.State, idx int, r *replica.Replica, cp *copyData, seq uint32) {
	c := s.c
	var res moves.Result
	var err error
	switch c.Cfg.Move {
	case script.NoMoves:
		return
	case script.MonteCarlo, script.VRE:
		var eSample float32
		if len(cp.energy) > 0 {
			eSample = cp.energy[0]
		}
		res, err = c.Engine.Metropolis(st, idx, r.W, cp.energy, seq, c.VRE, eSample)
	case script.BoltzmannJumping:
		res, err = c.Engine.BoltzmannJump(st, idx, r.W, cp.energy)
	case script.Continuous:
		res, err = c.Engine.ContinuousJump(st, idx, cp.energy)
	}
	if err != nil {
		c.Log.Warn("move decision failed", "replica", idx, "err", err)
		return
	}
	if res.Accepted {
		r.W = res.WNew
		c.Metrics.AcceptedMoves.Inc()
		if res.Unproductive {
			c.Log.Debug("unproductive jump", "replica", idx)
		}
	} else {
		c.Metrics.RejectedMoves.Inc()
	}
}

// restartBlob installs the round's restart file on every covered
// replica, replacing the previous blob.
func (s *session) restartBlob(indices []int) {
	for _, idx := range indices {
		s.c.Table.Replicas[idx].SetRestart(s.restart)
	}
}

// redispatchLocked decides the node's next job after a commit: continue
// the same replica, rotate to another after REPLICACHANGETIME, or
// release the slot when the node is being dumped or no work remains.
func (s *session) redispatchLocked(base, slot int, now time.Time) dispatch {
	c := s.c
	cfg := c.Cfg
	r := c.Table.Replicas[base]

	if c.Nodes.Slot(slot).AwaitingDump {
		c.Log.Info("releasing dumped node", "slot", slot)
		c.releaseNodeLocked(slot)
		return s.noWorkLocked(slot)
	}
	if c.status != Running {
		c.releaseNodeLocked(slot)
		return s.noWorkLocked(slot)
	}

	sameOK := r.SequenceNumber < r.SamplingRuns
	if sameOK {
		bin := c.Engine.BinOf(r.W)
		sameOK = bin >= c.Table.MinRunning && bin <= c.Table.MaxRunning
	}
	if sameOK && cfg.ReplicaChangeTime > 0 &&
		now.Sub(r.StartTimeOnNode) >= time.Duration(cfg.ReplicaChangeTime)*time.Second {
		sameOK = false
	}
	if sameOK {
		return s.dispatchLocked(base, slot)
	}

	// Unbind the finished (or rotated-out) job and look for other work.
	for _, idx := range c.copyIndices(base) {
		cr := c.Table.Replicas[idx]
		cr.Status = replica.Idle
		cr.NodeSlot = -1
	}
	next := c.assignReplicaLocked()
	if next < 0 {
		if c.allDoneLocked() {
			c.setStatus(Finished)
		}
		c.releaseNodeLocked(slot)
		return s.noWorkLocked(slot)
	}
	s.bindLocked(next, slot, now)
	return s.dispatchLocked(next, slot)
}
