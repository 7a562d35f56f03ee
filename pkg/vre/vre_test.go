// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package vre

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(n int, primary, secondary int64) *Store {
	return New(n, primary, secondary, rand.New(rand.NewSource(1)))
}

func TestPushPop(t *testing.T) {
	s := newTestStore(3, 10, 5)
	s.Push(1, 7, 1.5)
	s.Push(1, 8, 2.5)

	// Pop scans from the end: the last entry with a different source.
	val, src, ok := s.Pop(1, 9)
	if !ok || val != 2.5 || src != 8 {
		t.Fatalf("Pop = (%f,%d,%v), want (2.5,8,true)", val, src, ok)
	}
	val, src, ok = s.Pop(1, 9)
	if !ok || val != 1.5 || src != 7 {
		t.Fatalf("second Pop = (%f,%d,%v), want (1.5,7,true)", val, src, ok)
	}
}

func TestPopSkipsOwnSource(t *testing.T) {
	s := newTestStore(1, 10, 5)
	s.Push(0, 3, 1.0)
	s.Push(0, 5, 2.0)
	s.Push(0, 3, 3.0)

	// Requester 3 must skip its own entries; the last foreign one wins.
	val, src, ok := s.Pop(0, 3)
	if !ok || val != 2.0 || src != 5 {
		t.Fatalf("Pop = (%f,%d,%v), want (2.0,5,true)", val, src, ok)
	}
	// Only requester-3 entries remain in the primary and nothing sits in
	// the secondary beyond the one recycled value.
	val, src, ok = s.Pop(0, 3)
	if !ok || src != SecondarySource || val != 2.0 {
		t.Fatalf("Pop fell back wrong: (%f,%d,%v)", val, src, ok)
	}
}

func TestPopEmpty(t *testing.T) {
	s := newTestStore(1, 10, 5)
	if _, _, ok := s.Pop(0, 1); ok {
		t.Fatal("Pop on empty store succeeded")
	}
}

func TestPopDepositsIntoSecondary(t *testing.T) {
	s := newTestStore(1, 10, 5)
	for i := 0; i < 4; i++ {
		s.Push(0, int32(i), float32(i))
	}
	for i := 0; i < 4; i++ {
		if _, _, ok := s.Pop(0, 99); !ok {
			t.Fatalf("Pop %d failed", i)
		}
	}
	// Primary drained; every pop must now come from the secondary.
	val, src, ok := s.Pop(0, 99)
	if !ok || src != SecondarySource {
		t.Fatalf("secondary fallback = (%f,%d,%v)", val, src, ok)
	}
}

func TestPrimaryFullDropsSilently(t *testing.T) {
	s := newTestStore(1, 2, 2)
	s.Push(0, 1, 1)
	s.Push(0, 2, 2)
	s.Push(0, 3, 3) // dropped, not an error
	val, src, ok := s.Pop(0, 99)
	if !ok || val != 2 || src != 2 {
		t.Fatalf("Pop = (%f,%d,%v): overfull push corrupted the bag", val, src, ok)
	}
}

func TestSecondaryRecycleCursor(t *testing.T) {
	s := newTestStore(1, 10, 2)
	for i := 1; i <= 5; i++ {
		s.Push(0, int32(i), float32(i))
	}
	// Five pops push five values through a secondary of capacity two:
	// the first two fill it, the rest overwrite via the rotating cursor.
	for i := 0; i < 5; i++ {
		if _, _, ok := s.Pop(0, 99); !ok {
			t.Fatalf("Pop %d failed", i)
		}
	}
	sec := s.secondary[0]
	if sec.NLastUsed != 1 {
		t.Errorf("secondary NLastUsed = %d, want 1 (full)", sec.NLastUsed)
	}
	if sec.NRecyclePush < 0 {
		t.Errorf("recycle cursor never engaged: %d", sec.NRecyclePush)
	}
	// Pops drain the primary from the end: values 5,4,3,2,1. The first
	// two fill the secondary with {5,4}; 3 and 2 recycle over both
	// slots; 1 recycles over slot 0 again after the cursor wraps.
	if sec.Vals[0] != 1 || sec.Vals[1] != 2 {
		t.Errorf("recycle contents = %v, want [1 2]", sec.Vals)
	}
}

func TestDefaultsAndSizes(t *testing.T) {
	s := New(2, -1, -1, rand.New(rand.NewSource(1)))
	if s.primary[0].NAllocated != DefaultPrimarySize {
		t.Errorf("primary default = %d", s.primary[0].NAllocated)
	}
	if s.secondary[0].NAllocated != DefaultSecondarySize {
		t.Errorf("secondary default = %d", s.secondary[0].NAllocated)
	}
	if s.N() != 2 {
		t.Errorf("N = %d", s.N())
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.txt")
	if err := os.WriteFile(path, []byte("1.5\nnot-a-number\n2.5\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(1, 10, 5)
	if err := s.LoadSeedFile(0, path); err != nil {
		t.Fatal(err)
	}
	if s.primary[0].NLastUsed != 1 {
		t.Fatalf("loaded %d values, want 2", s.primary[0].NLastUsed+1)
	}
	if s.primary[0].Items[0].Source != SeedSource {
		t.Errorf("seed source = %d, want %d", s.primary[0].Items[0].Source, SeedSource)
	}
	if err := s.LoadSeedFile(0, ""); err != nil {
		t.Errorf("empty path should be a no-op: %v", err)
	}
	if err := s.LoadSeedFile(0, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing seed file accepted")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestStore(2, 5, 3)
	s.Push(0, 1, 1.5)
	s.Push(1, 2, 2.5)
	s.Pop(1, 9) // moves 2.5 into the secondary of position 1

	prim, sec := s.Snapshot()
	s2 := newTestStore(2, 5, 3)
	if err := s2.Restore(prim, sec); err != nil {
		t.Fatal(err)
	}
	val, src, ok := s2.Pop(0, 9)
	if !ok || val != 1.5 || src != 1 {
		t.Fatalf("restored Pop = (%f,%d,%v)", val, src, ok)
	}
	val, src, ok = s2.Pop(1, 9)
	if !ok || src != SecondarySource || val != 2.5 {
		t.Fatalf("restored secondary Pop = (%f,%d,%v)", val, src, ok)
	}

	tooSmall := newTestStore(1, 5, 3)
	if err := tooSmall.Restore(prim, sec); err == nil {
		t.Error("size-mismatched restore accepted")
	}
}
