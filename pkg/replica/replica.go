// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package replica holds the in-memory model of the replica set: one
// entity per discrete reaction-coordinate slot, carrying its position,
// round bookkeeping, restart blob, and cancellation state.
//
// The table itself is not internally locked. The server owns one coarse
// lock that guards the replica table, the node table, and the running
// counters together; see the server package.
package replica

import (
	"fmt"
	"math"
	"time"

	"github.com/kraklabs/dr/pkg/script"
)

// NPresenceBits is the size of each replica's committed-round bitmap.
const NPresenceBits = 100000

// Status is the replica lifecycle state.
type Status byte

const (
	Idle      Status = 'N'
	Running   Status = 'R'
	Suspended Status = 'S'
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	}
	return fmt.Sprintf("Status(%c)", byte(s))
}

// AtomSum accumulates averaged coordinates over committed rounds.
type AtomSum struct {
	X, Y, Z float64
	Weight  uint32
}

// Replica is one reaction-coordinate slot.
type Replica struct {
	Status Status

	// W is the current coordinate; WNominal the immutable grid position
	// (strictly monotone across the set). For Temperature runs both are
	// carried as beta. WSorted is scratch for the DRPE sort.
	W         float64
	WNominal  float64
	WPrev     float64
	WStart    float64
	W2Nominal float64
	WSorted   float64

	// Force is the umbrella force constant (NaN when absent).
	Force float64

	SequenceNumber uint32
	SampleCount    uint32
	SamplingRuns   uint32
	SamplingSteps  uint32

	CancellationAccumulator [2]float64
	CancellationCount       uint16
	CancellationEnergy      float64

	LastActivity    time.Time
	StartTimeOnNode time.Time

	// Restart is the opaque blob replacing its predecessor on each
	// committed round.
	Restart []byte

	Atoms    []AtomSum
	presence []uint32

	VREFile string

	// NodeSlot indexes the node table, -1 when unbound. Status == Running
	// iff NodeSlot >= 0.
	NodeSlot int
}

// New builds a replica from its script row.
func New(spec script.ReplicaSpec, now time.Time) *Replica {
	return &Replica{
		Status:             Idle,
		W:                  spec.WStart,
		WPrev:              spec.WStart,
		WNominal:           spec.W,
		WStart:             spec.WStart,
		W2Nominal:          spec.W2,
		Force:              spec.Force,
		SamplingRuns:       uint32(spec.SamplingRuns),
		SamplingSteps:      uint32(spec.SamplingSteps),
		CancellationEnergy: spec.CancelEnergy,
		LastActivity:       now,
		StartTimeOnNode:    now,
		presence:           make([]uint32, NPresenceBits/32),
		VREFile:            spec.VREFile,
		NodeSlot:           -1,
	}
}

// Bound reports whether the replica references a node slot.
func (r *Replica) Bound() bool { return r.NodeSlot >= 0 }

// MarkPresent records a committed sequence number in the presence bitmap
// and bumps the sample count. Sequence numbers past the bitmap are
// counted but not recorded.
func (r *Replica) MarkPresent(seq uint32) {
	if seq < NPresenceBits {
		r.presence[seq/32] |= 1 << (seq % 32)
	}
	r.SampleCount++
}

// PresenceCount returns the number of set bits in the bitmap.
func (r *Replica) PresenceCount() uint32 {
	var n uint32
	for _, w := range r.presence {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// PresenceBytes exposes the bitmap as NPresenceBits/8 bytes for the
// snapshot, in word order.
func (r *Replica) PresenceBytes() []byte {
	b := make([]byte, 0, NPresenceBits/8)
	for _, w := range r.presence {
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return b
}

// SetPresenceBytes restores the bitmap from snapshot bytes.
func (r *Replica) SetPresenceBytes(b []byte) error {
	if len(b) != NPresenceBits/8 {
		return fmt.Errorf("presence bitmap is %d bytes, want %d", len(b), NPresenceBits/8)
	}
	for i := range r.presence {
		r.presence[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 |
			uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
	return nil
}

// SetRestart replaces the restart blob, releasing the previous one.
func (r *Replica) SetRestart(blob []byte) {
	r.Restart = blob
}

// Table is the owning collection of replicas plus the nominal grid.
type Table struct {
	Replicas []*Replica

	// MinRunning and MaxRunning form the suspension fence: nominal
	// indices outside the closed interval are suspended.
	MinRunning int
	MaxRunning int

	// NAtoms is fixed by the first committed coordinate payload (or the
	// loaded snapshot); zero until known.
	NAtoms int
}

// NewTable builds the table from a loaded script.
func NewTable(cfg *script.Config, now time.Time) *Table {
	t := &Table{
		MinRunning: cfg.MinUnsuspendedReplica,
		MaxRunning: cfg.MaxUnsuspendedReplica,
	}
	for _, spec := range cfg.Replicas {
		t.Replicas = append(t.Replicas, New(spec, now))
	}
	return t
}

// N returns the replica count.
func (t *Table) N() int { return len(t.Replicas) }

// Nominals returns the nominal grid in index order.
func (t *Table) Nominals() []float64 {
	ws := make([]float64, len(t.Replicas))
	for i, r := range t.Replicas {
		ws[i] = r.WNominal
	}
	return ws
}

// Positions returns every replica's current coordinate in index order.
func (t *Table) Positions() []float64 {
	ws := make([]float64, len(t.Replicas))
	for i, r := range t.Replicas {
		ws[i] = r.W
	}
	return ws
}

// SequenceSum returns the total committed rounds across the set.
func (t *Table) SequenceSum() uint64 {
	var sum uint64
	for _, r := range t.Replicas {
		sum += uint64(r.SequenceNumber)
	}
	return sum
}

// SamplingRunsSum returns the total target rounds across the set.
func (t *Table) SamplingRunsSum() uint64 {
	var sum uint64
	for _, r := range t.Replicas {
		sum += uint64(r.SamplingRuns)
	}
	return sum
}

// ApplyStartOverrides replaces each replica's starting coordinate with
// the nominal position named by the override list (one nominal index per
// replica, as read from switchStart.txt).
func (t *Table) ApplyStartOverrides(indices []int) error {
	if len(indices) != len(t.Replicas) {
		return fmt.Errorf("starting position list has %d entries, want %d", len(indices), len(t.Replicas))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= len(t.Replicas) {
			return fmt.Errorf("starting position %d out of range for replica %d", idx, i)
		}
		t.Replicas[i].W = t.Replicas[idx].WNominal
	}
	return nil
}

// AccumulateCancellation folds one round's mean sample value into the
// per-bin accumulator; the running cancellation energy is refreshed once
// the bin reaches the activation threshold.
func (r *Replica) AccumulateCancellation(mean float64, threshold uint) {
	r.CancellationAccumulator[0] += mean
	r.CancellationAccumulator[1]++
	if r.CancellationCount < math.MaxUint16 {
		r.CancellationCount++
	}
	if threshold > 0 && uint(r.CancellationCount) >= threshold && r.CancellationAccumulator[1] > 0 {
		r.CancellationEnergy = r.CancellationAccumulator[0] / r.CancellationAccumulator[1]
	}
}
