// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/kraklabs/dr/pkg/forcedb"
	"github.com/kraklabs/dr/pkg/protocol"
	"github.com/kraklabs/dr/pkg/script"
)

// dispatch is the reply assembled under the replica lock and written to
// the socket after it drops: the next job assignment, the restart blob
// to hand over, and the parameter block.
type dispatch struct {
	id      protocol.ID
	restart []byte
	params  []byte

	// slot carries a pending piggyback message to confirm once the
	// parameter block is on the wire; -1 when none.
	slot int
}

// dbRecord aliases the force-database record type.
type dbRecord = forcedb.Record

// makeRecord flattens one committed copy into a force record: the force
// samples, then the move values, then the additional channels.
func makeRecord(idx int, seq uint32, w float64, cp *copyData) dbRecord {
	generic := make([]float32, 0, len(cp.samples)+len(cp.energy)+len(cp.additionals)*len(cp.samples))
	generic = append(generic, cp.samples...)
	generic = append(generic, cp.energy...)
	for _, add := range cp.additionals {
		generic = append(generic, add...)
	}
	return dbRecord{
		Replica:  int32(idx),
		Sequence: seq,
		W:        float32(w),
		Generic:  generic,
	}
}

// noWorkLocked builds the reply for a node with nothing to run: replica
// number -1 and a bare parameter block. A pending node message still
// rides along so HOLD_AND_CONTACT reaches a client that is being turned
// away. Caller holds the lock.
func (s *session) noWorkLocked(slot int) dispatch {
	c := s.c
	var sb strings.Builder
	fmt.Fprintf(&sb, "sampNsteps 0\n")
	fmt.Fprintf(&sb, "rnd %d\n", c.rng.Int31())
	msgSlot := -1
	if slot >= 0 && c.Nodes.Slot(slot).MessageWaiting {
		fmt.Fprintf(&sb, "MESSAGE %s\n", c.Nodes.Slot(slot).Message)
		msgSlot = slot
	}
	return dispatch{
		id:     protocol.MakeID(c.Title, -1, 0),
		params: []byte(sb.String()),
		slot:   msgSlot,
	}
}

// dispatchLocked builds the assignment reply for the job rooted at
// base. Caller holds the lock; the replica set is already bound.
func (s *session) dispatchLocked(base, slot int) dispatch {
	c := s.c
	r := c.Table.Replicas[base]
	d := dispatch{
		id:   protocol.MakeID(c.Title, int32(base), r.SequenceNumber),
		slot: -1,
	}
	if len(r.Restart) > 0 {
		d.restart = append([]byte(nil), r.Restart...)
	}
	d.params = c.buildParamsLocked(base)
	if slot >= 0 && c.Nodes.Slot(slot).MessageWaiting {
		d.params = append(d.params, []byte(fmt.Sprintf("MESSAGE %s\n", c.Nodes.Slot(slot).Message))...)
		d.slot = slot
	}
	return d
}

// buildParamsLocked renders the simulation parameter block: newline
// separated keys, each followed by one value per non-interacting copy
// where applicable.
func (c *Context) buildParamsLocked(base int) []byte {
	cfg := c.Cfg
	indices := c.copyIndices(base)
	var sb strings.Builder

	hasForce := false
	for _, idx := range indices {
		if !math.IsNaN(c.Table.Replicas[idx].Force) {
			hasForce = true
		}
	}
	if hasForce {
		sb.WriteString("force")
		for _, idx := range indices {
			fmt.Fprintf(&sb, " %f", c.Table.Replicas[idx].Force)
		}
		sb.WriteByte('\n')
	}

	spatialMC := cfg.Coordinate == script.Spatial && cfg.Move == script.MonteCarlo
	sb.WriteString("wref")
	for _, idx := range indices {
		r := c.Table.Replicas[idx]
		if spatialMC {
			fmt.Fprintf(&sb, " %f", r.WPrev)
		} else {
			fmt.Fprintf(&sb, " %f", r.W)
		}
	}
	sb.WriteByte('\n')

	hasW2 := false
	for _, idx := range indices {
		if !math.IsNaN(c.Table.Replicas[idx].W2Nominal) {
			hasW2 = true
		}
	}
	if hasW2 {
		sb.WriteString("wref2")
		for _, idx := range indices {
			fmt.Fprintf(&sb, " %f", c.Table.Replicas[idx].W2Nominal)
		}
		sb.WriteByte('\n')
	}

	if spatialMC {
		sb.WriteString("wrefchange")
		for _, idx := range indices {
			fmt.Fprintf(&sb, " %f", c.Table.Replicas[idx].W)
		}
		sb.WriteByte('\n')
		if hasW2 {
			// The secondary coordinate is assigned once per job, not per
			// copy; every copy repeats the base value. This mirrors the
			// long-standing behavior of the reference servers.
			sb.WriteString("wrefchange2")
			for range indices {
				fmt.Fprintf(&sb, " %f", c.Table.Replicas[base].W2Nominal)
			}
			sb.WriteByte('\n')
		}
	}

	fmt.Fprintf(&sb, "sampNsteps %d\n", c.Table.Replicas[base].SamplingSteps)
	fmt.Fprintf(&sb, "rnd %d\n", c.rng.Int31())

	p := sb.String()
	if len(p) > protocol.MaxParameterBlock {
		c.Log.Warn("parameter block exceeds the protocol maximum", "size", len(p))
	}
	return []byte(p)
}

// sendDispatch writes the assignment reply: ReplicaID, the restart blob
// when one exists, and the parameter block. All socket I/O happens
// outside the replica lock. A piggybacked node message counts as
// delivered only once the parameter block is on the wire.
func (s *session) sendDispatch(d dispatch) error {
	if err := protocol.WriteIDFrame(s.conn, d.id); err != nil {
		return err
	}
	if d.restart != nil {
		if err := protocol.WriteFrame(s.conn, protocol.RegularKey, protocol.TakeRestartFile, d.restart); err != nil {
			return err
		}
	}
	if err := protocol.WriteFrame(s.conn, protocol.RegularKey, protocol.TakeSimulationParameters, d.params); err != nil {
		return err
	}
	if d.slot >= 0 {
		s.c.confirmMessageDelivered(d.slot)
	}
	return nil
}

// confirmMessageDelivered clears a node's piggyback flag after its
// message reached the wire.
func (c *Context) confirmMessageDelivered(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.Nodes.Slot(slot)
	n.MessageWaiting = false
	n.Message = ""
}

// writeFileExact writes an auxiliary file received over the wire,
// checking for short writes.
func writeFileExact(name string, content []byte) error {
	if err := os.WriteFile(name, content, 0o644); err != nil {
		return fmt.Errorf("write auxiliary file: %w", err)
	}
	return nil
}
