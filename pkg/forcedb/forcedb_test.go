// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package forcedb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.forcedatabase")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "t1.forcedatabase", Filename("t1"))
	assert.Equal(t, "/tmp/x.forcedatabase", Filename("/tmp/x.forcedatabase"))
}

func TestHeaderLifecycle(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureHeader(1, 100, 2, 0))
	h := db.Header()
	assert.Equal(t, uint32(0), h.NRecords)
	assert.Equal(t, uint32(100), h.NForces)

	// Re-ensuring with the same shape is fine; a different shape is not.
	require.NoError(t, db.EnsureHeader(1, 100, 2, 0))
	require.Error(t, db.EnsureHeader(2, 100, 2, 0))
}

func TestAppendReadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureHeader(1, 3, 2, 1))
	// generic = 3*1 forces + 2 energies + 3*1 additionals = 8 floats
	rec := Record{
		Replica:  4,
		Sequence: 9,
		W:        1.25,
		Generic:  []float32{1, 2, 3, 10, 20, 7, 8, 9},
	}
	require.NoError(t, db.Append(rec))
	require.Equal(t, uint32(1), db.NRecords())

	got, err := db.ReadRecord(0)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = db.ReadRecord(1)
	require.Error(t, err)
}

func TestAppendValidatesShape(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureHeader(1, 3, 0, 0))
	err := db.Append(Record{Replica: 0, Generic: []float32{1, 2}})
	require.Error(t, err)
}

func TestAppendWithoutHeader(t *testing.T) {
	db := openTestDB(t)
	require.Error(t, db.Append(Record{}))
}

func TestReopenPreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "re.forcedatabase")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureHeader(1, 2, 0, 0))
	require.NoError(t, db.Append(Record{Replica: 1, Sequence: 0, W: 0.5, Generic: []float32{1, 2}}))
	require.NoError(t, db.Append(Record{Replica: 1, Sequence: 1, W: 0.5, Generic: []float32{3, 4}}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	require.Equal(t, uint32(2), db2.NRecords())
	got, err := db2.ReadRecord(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got.Generic)
}

// The write path reserves by bumping the on-disk record count before
// the payload lands.
func TestAppendReservesCountFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsv.forcedatabase")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureHeader(1, 1, 0, 0))
	require.NoError(t, db.Append(Record{Replica: 0, Generic: []float32{1}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), headerSize)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(raw[:4]))
}

// Duplicate (replica, sequence) pairs are allowed on write; dedup is
// the analysis tool's job.
func TestDuplicatesAllowed(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureHeader(1, 1, 0, 0))
	require.NoError(t, db.Append(Record{Replica: 2, Sequence: 5, Generic: []float32{1}}))
	require.NoError(t, db.Append(Record{Replica: 2, Sequence: 5, Generic: []float32{2}}))
	require.Equal(t, uint32(2), db.NRecords())
}

func TestClosedRejectsAppends(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.EnsureHeader(1, 1, 0, 0))
	require.NoError(t, db.Close())
	require.Error(t, db.Append(Record{Replica: 0, Generic: []float32{1}}))
}
