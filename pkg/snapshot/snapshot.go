// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package snapshot writes and restores the self-describing binary
// checkpoint of all replica state, sufficient to restart a simulation:
// a version stamp, the replica records, each replica's restart blob,
// averaged-coordinate sums and presence bitmap, and — for vRE runs —
// both vRE stores.
//
// Snapshots are host-endian, like every other binary artifact of this
// suite. Saving goes through a temp file and rename so a crash mid-save
// never destroys the previous checkpoint.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/kraklabs/dr/pkg/replica"
	"github.com/kraklabs/dr/pkg/vre"
)

// Version is the current snapshot format version. LegacyVersion (1.0)
// files predate the vRE stores and may only be loaded for non-vRE runs.
const (
	Version       = 2.0
	LegacyVersion = 1.0
)

// vreFileLen is the fixed width of the per-replica seed-file path field.
const vreFileLen = 500

// replicaRecordSize is the fixed on-disk size of one replica record.
// Layout: status u8 + pad[3], six f32 coordinates, four u32 counters,
// two f64 accumulators, cancellation u16 + pad[2] + f32, two u32 times,
// restart size u32, node slot i32, seed path [500].
const replicaRecordSize = 4 + 6*4 + 4*4 + 2*8 + 8 + 2*4 + 4 + 4 + vreFileLen

// atomSize is the on-disk size of one averaged-coordinate sum.
const atomSize = 3*8 + 4 + 4

// Filename returns the checkpoint path for a title at the given time.
func Filename(title string, now time.Time) string {
	return fmt.Sprintf("%s.%d.snapshot", title, now.Unix())
}

type writer struct {
	w   *bufio.Writer
	err error
}

func (e *writer) u8(v uint8) { e.bytes([]byte{v}) }
func (e *writer) pad(n int)  { e.bytes(make([]byte, n)) }
func (e *writer) u16(v uint16) {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	e.bytes(b[:])
}
func (e *writer) u32(v uint32) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	e.bytes(b[:])
}
func (e *writer) i32(v int32) { e.u32(uint32(v)) }
func (e *writer) i64(v int64) { e.u64(uint64(v)) }
func (e *writer) u64(v uint64) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	e.bytes(b[:])
}
func (e *writer) f32(v float64) { e.u32(math.Float32bits(float32(v))) }
func (e *writer) f64(v float64) { e.u64(math.Float64bits(v)) }
func (e *writer) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

type reader struct {
	r   io.Reader
	err error
}

func (d *reader) bytes(n int) []byte {
	b := make([]byte, n)
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, b)
	}
	return b
}
func (d *reader) u8() uint8    { return d.bytes(1)[0] }
func (d *reader) u16() uint16  { return binary.NativeEndian.Uint16(d.bytes(2)) }
func (d *reader) u32() uint32  { return binary.NativeEndian.Uint32(d.bytes(4)) }
func (d *reader) i32() int32   { return int32(d.u32()) }
func (d *reader) u64() uint64  { return binary.NativeEndian.Uint64(d.bytes(8)) }
func (d *reader) i64() int64   { return int64(d.u64()) }
func (d *reader) f32() float64 { return float64(math.Float32frombits(d.u32())) }
func (d *reader) f64() float64 { return math.Float64frombits(d.u64()) }

// Save writes the checkpoint to path. The caller holds the replica
// lock. store is nil for non-vRE runs.
func Save(path string, table *replica.Table, store *vre.Store) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	e := &writer{w: bufio.NewWriter(f)}

	e.f32(Version)
	e.u32(uint32(table.N()))
	e.u32(uint32(table.NAtoms))

	for _, r := range table.Replicas {
		writeReplica(e, r)
	}
	for _, r := range table.Replicas {
		e.bytes(r.Restart)
		for i := 0; i < table.NAtoms; i++ {
			var a replica.AtomSum
			if i < len(r.Atoms) {
				a = r.Atoms[i]
			}
			e.f64(a.X)
			e.f64(a.Y)
			e.f64(a.Z)
			e.u32(a.Weight)
			e.pad(4)
		}
		e.bytes(r.PresenceBytes())
	}

	if store != nil {
		prim, sec := store.Snapshot()
		for i := range prim {
			e.i64(prim[i].NAllocated)
			e.i64(prim[i].NLastUsed)
			for _, it := range prim[i].Items {
				e.f32(float64(it.Val))
				e.i32(it.Source)
			}
		}
		for i := range sec {
			e.i64(sec[i].NAllocated)
			e.i64(sec[i].NLastUsed)
			e.i64(sec[i].NRecyclePush)
			for _, v := range sec[i].Vals {
				e.f32(float64(v))
			}
		}
	}

	if e.err == nil {
		e.err = e.w.Flush()
	}
	if cerr := f.Close(); e.err == nil {
		e.err = cerr
	}
	if e.err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", e.err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize snapshot: %w", err)
	}
	return nil
}

func writeReplica(e *writer, r *replica.Replica) {
	e.u8(uint8(r.Status))
	e.pad(3)
	e.f32(r.W)
	e.f32(r.WNominal)
	e.f32(r.WStart)
	e.f32(r.W2Nominal)
	e.f32(r.WSorted)
	e.f32(r.Force)
	e.u32(r.SequenceNumber)
	e.u32(r.SampleCount)
	e.u32(r.SamplingRuns)
	e.u32(r.SamplingSteps)
	e.f64(r.CancellationAccumulator[0])
	e.f64(r.CancellationAccumulator[1])
	e.u16(r.CancellationCount)
	e.pad(2)
	e.f32(r.CancellationEnergy)
	e.u32(uint32(r.LastActivity.Unix()))
	e.u32(uint32(r.StartTimeOnNode.Unix()))
	e.u32(uint32(len(r.Restart)))
	e.i32(int32(r.NodeSlot))
	var vf [vreFileLen]byte
	copy(vf[:], r.VREFile)
	e.bytes(vf[:])
}

// Load restores table (and store, when non-nil) from the checkpoint at
// path. The caller holds the replica lock. The table's replica count
// must match the file; each replica's SamplingRuns keeps the value the
// current script configured, every Running or Suspended status is
// coerced to Idle, and both activity clocks restart at now.
func Load(path string, table *replica.Table, store *vre.Store, now time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	d := &reader{r: bufio.NewReader(f)}

	version := d.f32()
	if d.err != nil {
		return fmt.Errorf("read snapshot version: %w", d.err)
	}
	current := math.Abs(version-Version) < 1e-6
	legacy := math.Abs(version-LegacyVersion) < 1e-6
	if !current && !legacy {
		return fmt.Errorf("snapshot version %.1f is not loadable", version)
	}
	if legacy && store != nil {
		return fmt.Errorf("a version 1.0 snapshot cannot start a vRE run")
	}

	n := d.u32()
	natoms := d.u32()
	if int(n) != table.N() {
		return fmt.Errorf("snapshot holds %d replicas, script defines %d", n, table.N())
	}

	restartSizes := make([]uint32, n)
	for i, r := range table.Replicas {
		restartSizes[i] = readReplica(d, r, now)
	}
	table.NAtoms = int(natoms)
	for ri, r := range table.Replicas {
		r.SetRestart(d.bytes(int(restartSizes[ri])))
		r.Atoms = make([]replica.AtomSum, natoms)
		for i := range r.Atoms {
			r.Atoms[i].X = d.f64()
			r.Atoms[i].Y = d.f64()
			r.Atoms[i].Z = d.f64()
			r.Atoms[i].Weight = d.u32()
			d.bytes(4)
		}
		if d.err == nil {
			d.err = r.SetPresenceBytes(d.bytes(replica.NPresenceBits / 8))
		}
	}

	if store != nil && current {
		prim := make([]vre.Bag, n)
		sec := make([]vre.Secondary, n)
		for i := range prim {
			prim[i].NAllocated = d.i64()
			prim[i].NLastUsed = d.i64()
			if d.err != nil {
				break
			}
			if prim[i].NLastUsed >= prim[i].NAllocated {
				return fmt.Errorf("snapshot vRE bag %d is inconsistent", i)
			}
			prim[i].Items = make([]vre.Item, prim[i].NLastUsed+1)
			for j := range prim[i].Items {
				prim[i].Items[j].Val = float32(d.f32())
				prim[i].Items[j].Source = d.i32()
			}
		}
		for i := range sec {
			sec[i].NAllocated = d.i64()
			sec[i].NLastUsed = d.i64()
			sec[i].NRecyclePush = d.i64()
			if d.err != nil {
				break
			}
			if sec[i].NLastUsed >= sec[i].NAllocated {
				return fmt.Errorf("snapshot vRE secondary %d is inconsistent", i)
			}
			sec[i].Vals = make([]float32, sec[i].NLastUsed+1)
			for j := range sec[i].Vals {
				sec[i].Vals[j] = float32(d.f32())
			}
		}
		if d.err == nil {
			if err := store.Restore(prim, sec); err != nil {
				return err
			}
		}
	}

	if d.err != nil {
		return fmt.Errorf("read snapshot: %w", d.err)
	}
	return nil
}

// readReplica restores one replica record and returns its restart size.
func readReplica(d *reader, r *replica.Replica, now time.Time) uint32 {
	status := replica.Status(d.u8())
	d.bytes(3)
	r.W = d.f32()
	r.WNominal = d.f32()
	r.WStart = d.f32()
	r.W2Nominal = d.f32()
	r.WSorted = d.f32()
	r.Force = d.f32()
	r.SequenceNumber = d.u32()
	r.SampleCount = d.u32()
	d.u32() // sampling_runs: the current script's value wins
	r.SamplingSteps = d.u32()
	r.CancellationAccumulator[0] = d.f64()
	r.CancellationAccumulator[1] = d.f64()
	r.CancellationCount = d.u16()
	d.bytes(2)
	r.CancellationEnergy = d.f32()
	d.u32() // last_activity
	d.u32() // start_time_on_current_node
	size := d.u32()
	d.i32() // node_slot: nothing is bound after a restart
	vf := d.bytes(vreFileLen)
	if d.err == nil {
		for i, b := range vf {
			if b == 0 {
				vf = vf[:i]
				break
			}
		}
		r.VREFile = string(vf)
	}

	// A snapshot never resumes into a live round.
	if status == replica.Running || status == replica.Suspended {
		status = replica.Idle
	}
	r.Status = status
	r.WPrev = r.W
	r.NodeSlot = -1
	r.LastActivity = now
	r.StartTimeOnNode = now
	return size
}
