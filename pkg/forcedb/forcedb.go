// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package forcedb is the append-only binary database of per-round force
// records. The file opens with a five-field header; records follow at
// fixed stride. Appends reserve space by bumping the record count in the
// header first, then writing the payload at the reserved offset. The
// write path never deduplicates; the analysis tooling drops duplicate
// (replica, sequence) pairs on read.
//
// The file is host-endian and therefore not byte-order-portable, by the
// same historical decision as the wire protocol.
package forcedb

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
)

const headerSize = 20

// Header describes the record shape. NForces counts force samples per
// ligand; NAdditional counts extra per-sample channels, each NForces
// long.
type Header struct {
	NRecords    uint32
	NLigands    uint32
	NForces     uint32
	NEnergies   uint32
	NAdditional uint32
}

// Record is one committed round.
type Record struct {
	Replica  int32
	Sequence uint32
	W        float32

	// Generic holds Nforces*Nligands force samples, then Nenergies move
	// values, then Nforces*Nadditional extra samples, flattened.
	Generic []float32
}

// DB is an open force database. Appends are serialized internally; this
// is the database lock of the server's lock order.
type DB struct {
	mu        sync.Mutex
	f         *os.File
	hdr       Header
	hasHeader bool
	closed    bool
}

// Filename returns the database path for a simulation title. A string
// longer than the two-character title is taken as a literal path.
func Filename(title string) string {
	if len(title) == 2 {
		return title + ".forcedatabase"
	}
	return title
}

// Open opens or creates the database for title and loads the header if
// the file already holds one.
func Open(title string) (*DB, error) {
	f, err := os.OpenFile(Filename(title), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open force database: %w", err)
	}
	db := &DB{f: f}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat force database: %w", err)
	}
	if st.Size() >= headerSize {
		if err := db.readHeader(); err != nil {
			f.Close()
			return nil, err
		}
		db.hasHeader = true
	}
	return db, nil
}

func (db *DB) readHeader() error {
	var b [headerSize]byte
	if _, err := db.f.ReadAt(b[:], 0); err != nil {
		return fmt.Errorf("read force database header: %w", err)
	}
	db.hdr.NRecords = binary.NativeEndian.Uint32(b[0:])
	db.hdr.NLigands = binary.NativeEndian.Uint32(b[4:])
	db.hdr.NForces = binary.NativeEndian.Uint32(b[8:])
	db.hdr.NEnergies = binary.NativeEndian.Uint32(b[12:])
	db.hdr.NAdditional = binary.NativeEndian.Uint32(b[16:])
	return nil
}

func (db *DB) writeHeader() error {
	var b [headerSize]byte
	binary.NativeEndian.PutUint32(b[0:], db.hdr.NRecords)
	binary.NativeEndian.PutUint32(b[4:], db.hdr.NLigands)
	binary.NativeEndian.PutUint32(b[8:], db.hdr.NForces)
	binary.NativeEndian.PutUint32(b[12:], db.hdr.NEnergies)
	binary.NativeEndian.PutUint32(b[16:], db.hdr.NAdditional)
	if _, err := db.f.WriteAt(b[:], 0); err != nil {
		return fmt.Errorf("write force database header: %w", err)
	}
	return nil
}

// genericLen is the float count of a record's flattened data vector.
func (h Header) genericLen() int {
	return int(h.NForces*h.NLigands + h.NEnergies + h.NForces*h.NAdditional)
}

// recordSize is the on-disk stride of one record.
func (h Header) recordSize() int64 {
	return 12 + 4*int64(h.genericLen())
}

// EnsureHeader verifies the header against the script's record shape,
// creating it when the file is new. A shape mismatch against an existing
// database is fatal to startup.
func (db *DB) EnsureHeader(nligands, nforces, nenergies, nadditional uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.hasHeader {
		h := db.hdr
		if h.NLigands != nligands || h.NForces != nforces ||
			h.NEnergies != nenergies || h.NAdditional != nadditional {
			return fmt.Errorf("force database header %+v does not match the script's record shape", h)
		}
		return nil
	}
	db.hdr = Header{
		NLigands:    nligands,
		NForces:     nforces,
		NEnergies:   nenergies,
		NAdditional: nadditional,
	}
	if err := db.writeHeader(); err != nil {
		return err
	}
	db.hasHeader = true
	return nil
}

// NRecords returns the committed record count.
func (db *DB) NRecords() uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.hdr.NRecords
}

// Header returns a copy of the current header.
func (db *DB) Header() Header {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.hdr
}

// Append reserves the next record slot by bumping NRecords in the
// header, then writes the record payload at the reserved offset.
func (db *DB) Append(rec Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return fmt.Errorf("force database is closed")
	}
	if !db.hasHeader {
		return fmt.Errorf("cannot write a record before the header exists")
	}
	if len(rec.Generic) != db.hdr.genericLen() {
		return fmt.Errorf("record carries %d data values, header requires %d", len(rec.Generic), db.hdr.genericLen())
	}

	db.hdr.NRecords++
	var cnt [4]byte
	binary.NativeEndian.PutUint32(cnt[:], db.hdr.NRecords)
	if _, err := db.f.WriteAt(cnt[:], 0); err != nil {
		db.hdr.NRecords--
		return fmt.Errorf("reserve force database record: %w", err)
	}

	size := db.hdr.recordSize()
	b := make([]byte, 0, size)
	b = binary.NativeEndian.AppendUint32(b, uint32(rec.Replica))
	b = binary.NativeEndian.AppendUint32(b, rec.Sequence)
	b = binary.NativeEndian.AppendUint32(b, math.Float32bits(rec.W))
	for _, v := range rec.Generic {
		b = binary.NativeEndian.AppendUint32(b, math.Float32bits(v))
	}
	off := headerSize + int64(db.hdr.NRecords-1)*size
	if _, err := db.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("write force database record: %w", err)
	}
	return nil
}

// ReadRecord reads record i.
func (db *DB) ReadRecord(i uint32) (Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.hasHeader || i >= db.hdr.NRecords {
		return Record{}, fmt.Errorf("record %d does not exist", i)
	}
	size := db.hdr.recordSize()
	b := make([]byte, size)
	if _, err := db.f.ReadAt(b, headerSize+int64(i)*size); err != nil {
		return Record{}, fmt.Errorf("read force database record: %w", err)
	}
	rec := Record{
		Replica:  int32(binary.NativeEndian.Uint32(b[0:])),
		Sequence: binary.NativeEndian.Uint32(b[4:]),
		W:        math.Float32frombits(binary.NativeEndian.Uint32(b[8:])),
		Generic:  make([]float32, db.hdr.genericLen()),
	}
	for j := range rec.Generic {
		rec.Generic[j] = math.Float32frombits(binary.NativeEndian.Uint32(b[12+4*j:]))
	}
	return rec, nil
}

// Close closes the database. A server that hands off to a mobile
// successor closes the database and must not reopen it.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.f.Close()
}
