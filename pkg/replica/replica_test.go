// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package replica

import (
	"math"
	"testing"
	"time"

	"github.com/kraklabs/dr/pkg/script"
)

func testSpec(w float64) script.ReplicaSpec {
	return script.ReplicaSpec{
		W: w, WStart: w, W2: math.NaN(), Force: math.NaN(),
		SamplingRuns: 10, SamplingSteps: 100,
	}
}

func TestPresenceTracksSampleCount(t *testing.T) {
	r := New(testSpec(0), time.Now())
	seqs := []uint32{0, 1, 2, 5, 99, 99999}
	for _, s := range seqs {
		r.MarkPresent(s)
	}
	if got := r.PresenceCount(); got != uint32(len(seqs)) {
		t.Errorf("PresenceCount = %d, want %d", got, len(seqs))
	}
	if r.SampleCount != uint32(len(seqs)) {
		t.Errorf("SampleCount = %d, want %d", r.SampleCount, len(seqs))
	}

	// Past the bitmap, the count still advances.
	r.MarkPresent(NPresenceBits + 5)
	if r.SampleCount != uint32(len(seqs))+1 {
		t.Errorf("SampleCount = %d after out-of-range mark", r.SampleCount)
	}
	if got := r.PresenceCount(); got != uint32(len(seqs)) {
		t.Errorf("PresenceCount changed for an out-of-range sequence: %d", got)
	}
}

func TestPresenceBytesRoundTrip(t *testing.T) {
	r := New(testSpec(0), time.Now())
	for _, s := range []uint32{0, 31, 32, 33, 12345} {
		r.MarkPresent(s)
	}
	b := r.PresenceBytes()
	if len(b) != NPresenceBits/8 {
		t.Fatalf("presence bytes = %d, want %d", len(b), NPresenceBits/8)
	}
	r2 := New(testSpec(0), time.Now())
	if err := r2.SetPresenceBytes(b); err != nil {
		t.Fatal(err)
	}
	if r2.PresenceCount() != r.PresenceCount() {
		t.Errorf("round trip lost bits: %d != %d", r2.PresenceCount(), r.PresenceCount())
	}
	if err := r2.SetPresenceBytes(b[:10]); err == nil {
		t.Error("short bitmap accepted")
	}
}

func TestTableSums(t *testing.T) {
	cfg := &script.Config{Replicas: []script.ReplicaSpec{testSpec(0), testSpec(1), testSpec(2)}}
	cfg.MaxUnsuspendedReplica = 2
	tab := NewTable(cfg, time.Now())
	tab.Replicas[0].SequenceNumber = 3
	tab.Replicas[2].SequenceNumber = 7
	if got := tab.SequenceSum(); got != 10 {
		t.Errorf("SequenceSum = %d", got)
	}
	if got := tab.SamplingRunsSum(); got != 30 {
		t.Errorf("SamplingRunsSum = %d", got)
	}
	if got := tab.Positions(); got[1] != 1 {
		t.Errorf("Positions = %v", got)
	}
}

func TestApplyStartOverrides(t *testing.T) {
	cfg := &script.Config{Replicas: []script.ReplicaSpec{testSpec(0), testSpec(1), testSpec(2)}}
	tab := NewTable(cfg, time.Now())
	if err := tab.ApplyStartOverrides([]int{2, 1, 0}); err != nil {
		t.Fatal(err)
	}
	if tab.Replicas[0].W != 2 || tab.Replicas[2].W != 0 {
		t.Errorf("overrides not applied: %v", tab.Positions())
	}
	if err := tab.ApplyStartOverrides([]int{0}); err == nil {
		t.Error("wrong-length override list accepted")
	}
	if err := tab.ApplyStartOverrides([]int{0, 1, 5}); err == nil {
		t.Error("out-of-range override accepted")
	}
}

func TestAccumulateCancellation(t *testing.T) {
	r := New(testSpec(0), time.Now())
	r.AccumulateCancellation(2.0, 3)
	r.AccumulateCancellation(4.0, 3)
	if r.CancellationEnergy != 0 {
		t.Errorf("cancellation energy set before threshold: %f", r.CancellationEnergy)
	}
	r.AccumulateCancellation(6.0, 3)
	if r.CancellationCount != 3 {
		t.Errorf("count = %d", r.CancellationCount)
	}
	if r.CancellationEnergy != 4.0 {
		t.Errorf("cancellation energy = %f, want the mean 4.0", r.CancellationEnergy)
	}
}

func TestStatusBinding(t *testing.T) {
	r := New(testSpec(0), time.Now())
	if r.Status != Idle || r.Bound() {
		t.Fatalf("fresh replica: status=%v bound=%v", r.Status, r.Bound())
	}
	r.Status = Running
	r.NodeSlot = 2
	if !r.Bound() {
		t.Error("running replica not bound")
	}
}
