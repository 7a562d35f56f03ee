// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersion(&buf))
	require.Equal(t, VersionSize, buf.Len())
	require.NoError(t, ReadVersion(&buf))
}

func TestVersionMismatch(t *testing.T) {
	var b [VersionSize]byte
	binary.LittleEndian.PutUint32(b[:], Version+1)
	err := ReadVersion(bytes.NewReader(b[:]))
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestKeyConstants(t *testing.T) {
	require.Len(t, RegularKey, KeySize)
	require.Len(t, PrivilegedKey, KeySize)
}

func TestFrameRoundTripBySize(t *testing.T) {
	sizes := []int{0, 1, 4096, 4097}
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		b, err := EncodeFrame(RegularKey, TakeRestartFile, payload)
		require.NoError(t, err, "size %d", n)

		r := bytes.NewReader(b)
		h, err := ReadHeader(r)
		require.NoError(t, err)
		assert.False(t, h.Privileged)
		assert.Equal(t, TakeRestartFile, h.Cmd)
		got, err := ReadSized(r, 0)
		require.NoError(t, err)
		assert.Equal(t, payload, got, "size %d", n)
	}
}

func TestFrameRoundTripAllCommands(t *testing.T) {
	sized := []Command{
		TakeThisFile, TakeRestartFile, TakeSampleData, TakeMoveEnergyData,
		TakeSimulationParameters, TakeCoordinateData, TakeTCS, TakeJID,
	}
	for _, cmd := range sized {
		b, err := EncodeFrame(RegularKey, cmd, []byte("abc"))
		require.NoError(t, err)
		r := bytes.NewReader(b)
		h, err := ReadHeader(r)
		require.NoError(t, err)
		assert.Equal(t, cmd, h.Cmd)
		got, err := ReadSized(r, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)
	}

	for _, cmd := range []Command{NextNonInteracting, Exit, Snapshot} {
		key := RegularKey
		if cmd.Privileged() {
			key = PrivilegedKey
		}
		b, err := EncodeFrame(key, cmd, nil)
		require.NoError(t, err)
		assert.Len(t, b, KeySize+1)
		h, err := ReadHeader(bytes.NewReader(b))
		require.NoError(t, err)
		assert.Equal(t, cmd, h.Cmd)
		assert.Equal(t, cmd.Privileged(), h.Privileged)
	}
}

func TestIDRoundTrip(t *testing.T) {
	ids := []ID{
		MakeID("t1", 0, 0),
		MakeID("t1", 3, 17),
		MakeID("**", -1, 0),
		MakeID("xy", 2147483647, 4294967295),
	}
	for _, id := range ids {
		b := AppendID(nil, id)
		require.Len(t, b, IDSize)
		got, err := ParseID(b)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	assert.True(t, MakeID("**", 0, 0).NewNode())
	assert.False(t, MakeID("t1", 0, 0).NewNode())
	assert.Equal(t, "t1", MakeID("t1", 0, 0).TitleString())
}

func TestReplicaIDFrame(t *testing.T) {
	id := MakeID("t1", 5, 9)
	var buf bytes.Buffer
	require.NoError(t, WriteIDFrame(&buf, id))
	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, ReplicaID, h.Cmd)
	got, err := ReadID(&buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestBadKeyRejected(t *testing.T) {
	b, err := EncodeFrame(RegularKey, Exit, nil)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = ReadHeader(bytes.NewReader(b))
	require.Error(t, err)
}

func TestUnknownTagRejected(t *testing.T) {
	b := append([]byte(RegularKey), byte(InvalidCommand))
	_, err := ReadHeader(bytes.NewReader(b))
	require.Error(t, err)
}

func TestSizeCeiling(t *testing.T) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], MaxFrameSize+1)
	_, _, err := ReadSizedReader(bytes.NewReader(b[:]), 0)
	require.Error(t, err)

	binary.NativeEndian.PutUint32(b[:], 100)
	_, _, err = ReadSizedReader(bytes.NewReader(b[:]), 10)
	require.Error(t, err, "caller limit must apply before allocation")
}

func TestShortReadIsProtocolError(t *testing.T) {
	b, err := EncodeFrame(RegularKey, TakeSampleData, []byte("0123456789"))
	require.NoError(t, err)
	r := bytes.NewReader(b[:len(b)-3])
	h, err := ReadHeader(r)
	require.NoError(t, err)
	require.Equal(t, TakeSampleData, h.Cmd)
	_, err = ReadSized(r, 0)
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestFloatsRoundTrip(t *testing.T) {
	vals := []float32{0, 1.5, -2.25, 3e7}
	got, err := DecodeFloats(EncodeFloats(vals))
	require.NoError(t, err)
	assert.Equal(t, vals, got)

	_, err = DecodeFloats([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCompressBlobRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 4096, 4097, 100000} {
		blob := make([]byte, n)
		for i := range blob {
			blob[i] = byte(i * 7)
		}
		packed, err := CompressBlob(blob)
		require.NoError(t, err)
		got, err := DecompressBlob(packed)
		require.NoError(t, err)
		if n == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, blob, got, "size %d", n)
		}
	}
}

func TestParseParams(t *testing.T) {
	block := "force 10.000000 10.000000\nwref 0.500000 1.500000\nsampNsteps 250\nrnd 12345\nMESSAGE HOLD_AND_CONTACT 10.0.0.7\n"
	p, err := ParseParams([]byte(block))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 10}, p.Force)
	assert.Equal(t, []float64{0.5, 1.5}, p.WRef)
	assert.Equal(t, 250, p.SampNSteps)
	assert.Equal(t, int64(12345), p.Rnd)
	assert.Equal(t, "HOLD_AND_CONTACT 10.0.0.7", p.Message)
	assert.Len(t, p.Lines, 5)
}

func TestReadSizedReaderStreams(t *testing.T) {
	b, err := EncodeFrame(RegularKey, TakeThisFile, []byte("name\x00contents"))
	require.NoError(t, err)
	r := bytes.NewReader(b)
	_, err = ReadHeader(r)
	require.NoError(t, err)
	n, pr, err := ReadSizedReader(r, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(13), n)
	got, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "name\x00contents", string(got))
}
