// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command drclient is the per-round communication helper run on each
// worker host. It ships a finished sampling round to the server —
// energies, force samples, additional channels, coordinates, and the
// restart file — then receives the next job assignment and rewrites the
// parameter block into a setup file for the simulation engine.
//
// Usage:
//
//	drclient <ip> <port> <replica-id|**> <client_start_time> <job_id>
//
// A replica id looks like t1w3.5: title t1, replica 3, sequence 5.
// Passing ** performs the new-node handshake instead; no round data is
// sent. client_start_time is seconds since the epoch (0 if unknown, the
// server then tracks time itself); job_id is for tracking only.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/dr/internal/ui"
	"github.com/kraklabs/dr/pkg/protocol"
)

func main() {
	flag.Parse()
	if flag.NArg() != 5 {
		ui.Errorf("usage: drclient <ip> <port> <replica-id|**> <client_start_time> <job_id>")
		ui.Plainf("  client_start_time: seconds since January 1, 1970; send 0 and the server tracks times internally")
		ui.Plainf("  job_id: queue job id for tracking; send 0 if unknown")
		os.Exit(1)
	}
	addr := net.JoinHostPort(flag.Arg(0), flag.Arg(1))
	idArg := flag.Arg(2)
	tcs, _ := strconv.Atoi(flag.Arg(3))
	jid, _ := strconv.Atoi(flag.Arg(4))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		ui.Fatalf("connect %s: %v", addr, err)
	}
	defer conn.Close()
	if err := protocol.WriteVersion(conn); err != nil {
		ui.Fatalf("send protocol version: %v", err)
	}

	cl := &client{conn: conn, r: bufio.NewReader(conn)}

	if strings.HasPrefix(idArg, "**") {
		cl.id = protocol.MakeID("**", 0, 0)
		cl.sendFloat(protocol.TakeTCS, float32(tcs))
		cl.sendFloat(protocol.TakeJID, float32(jid))
		cl.send(protocol.ReplicaID, protocol.AppendID(nil, cl.id))
	} else {
		id, base, err := parseReplicaID(idArg)
		if err != nil {
			ui.Fatalf("%v", err)
		}
		cl.id = id
		cl.send(protocol.ReplicaID, protocol.AppendID(nil, id))
		cl.sendFloat(protocol.TakeTCS, float32(tcs))
		cl.sendFloat(protocol.TakeJID, float32(jid))
		cl.sendRound(base)
	}

	cl.receive()
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
	id   protocol.ID
}

func (cl *client) send(cmd protocol.Command, payload []byte) {
	if err := protocol.WriteFrame(cl.conn, protocol.RegularKey, cmd, payload); err != nil {
		ui.Fatalf("send %v: %v", cmd, err)
	}
}

func (cl *client) sendFloat(cmd protocol.Command, v float32) {
	cl.send(cmd, protocol.EncodeFloats([]float32{v}))
}

// parseReplicaID splits an id like t1w3.5 into its wire form and the
// lowercased file base name.
func parseReplicaID(arg string) (protocol.ID, string, error) {
	if len(arg) < 5 {
		return protocol.ID{}, "", fmt.Errorf("wrong id %q", arg)
	}
	arg = strings.ToLower(arg[:3]) + arg[3:]
	if arg[2] != 'w' {
		return protocol.ID{}, "", fmt.Errorf("wrong id %q: expected title followed by 'w'", arg)
	}
	title := arg[:2]
	rest := arg[3:]
	repStr, seqStr, ok := strings.Cut(rest, ".")
	if !ok {
		return protocol.ID{}, "", fmt.Errorf("wrong id %q: missing sequence number", arg)
	}
	rep, err := strconv.Atoi(repStr)
	if err != nil {
		return protocol.ID{}, "", fmt.Errorf("wrong id %q: bad replica number", arg)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return protocol.ID{}, "", fmt.Errorf("wrong id %q: bad sequence number", arg)
	}
	return protocol.MakeID(title, int32(rep), uint32(seq)), arg, nil
}

// sendRound ships the round's files: one block per non-interacting
// copy, detected by the presence of its energy file. The sample data
// must go before the additional data; the first copy closes with the
// compressed restart file, later copies with a NextNonInteracting
// marker.
func (cl *client) sendRound(base string) {
	for nni := 1; ; nni++ {
		energy, err := readASCIIFloats(fmt.Sprintf("%s.energy.nni%d", base, nni))
		if os.IsNotExist(err) {
			// End of the non-interacting systems; not an error.
			break
		}
		if err != nil {
			ui.Fatalf("%v", err)
		}
		cl.send(protocol.TakeMoveEnergyData, protocol.EncodeFloats(energy))

		force, err := readASCIIFloats(fmt.Sprintf("%s.force.nni%d", base, nni))
		if err != nil {
			if !os.IsNotExist(err) {
				ui.Fatalf("%v", err)
			}
		} else {
			cl.send(protocol.TakeSampleData, protocol.EncodeFloats(force))
		}

		for add := 1; ; add++ {
			vals, err := readASCIIFloats(fmt.Sprintf("%s.add%d.nni%d", base, add, nni))
			if os.IsNotExist(err) {
				break
			}
			if err != nil {
				ui.Fatalf("%v", err)
			}
			cl.send(protocol.TakeSampleData, protocol.EncodeFloats(vals))
		}

		if xyz, err := readCrd(fmt.Sprintf("%s.crd.nni%d", base, nni)); err == nil {
			cl.send(protocol.TakeCoordinateData, protocol.EncodeFloats(xyz))
		}

		if nni == 1 {
			blob, err := os.ReadFile(base + ".rst")
			if err != nil {
				ui.Fatalf("read restart file: %v", err)
			}
			packed, err := protocol.CompressBlob(blob)
			if err != nil {
				ui.Fatalf("compress restart file: %v", err)
			}
			cl.send(protocol.TakeRestartFile, packed)
		} else {
			cl.send(protocol.NextNonInteracting, nil)
		}
	}
}

// receive handles the server's reply: the next assignment, optionally a
// restart file, and finally the parameter block, which ends the
// conversation.
func (cl *client) receive() {
	for {
		h, err := protocol.ReadHeader(cl.r)
		if err != nil {
			ui.Fatalf("read command: %v", err)
		}
		switch h.Cmd {
		case protocol.ReplicaID:
			cl.id, err = protocol.ReadID(cl.r)
			if err != nil {
				ui.Fatalf("read replica id: %v", err)
			}
			fmt.Printf("%sw%d.%d\n", cl.id.TitleString(), cl.id.Replica, cl.id.Sequence)
		case protocol.TakeRestartFile:
			blob, err := protocol.ReadSized(cl.r, 0)
			if err != nil {
				ui.Fatalf("read restart file: %v", err)
			}
			raw, err := protocol.DecompressBlob(blob)
			if err != nil {
				ui.Fatalf("%v", err)
			}
			name := fmt.Sprintf("%sw%d.%d.rst", cl.id.TitleString(), cl.id.Replica, cl.id.Sequence-1)
			if err := os.WriteFile(name, raw, 0o644); err != nil {
				ui.Fatalf("write restart file: %v", err)
			}
		case protocol.TakeThisFile:
			cl.takeFile()
		case protocol.TakeSimulationParameters:
			b, err := protocol.ReadSized(cl.r, protocol.MaxParameterBlock)
			if err != nil {
				ui.Fatalf("read parameter block: %v", err)
			}
			if err := writeSetup(b, cl.id); err != nil {
				ui.Fatalf("%v", err)
			}
			return
		default:
			ui.Fatalf("received an unexpected command: %v", h.Cmd)
		}
	}
}

// takeFile stores an auxiliary named file sent by the server.
func (cl *client) takeFile() {
	n, pr, err := protocol.ReadSizedReader(cl.r, 0)
	if err != nil {
		ui.Fatalf("read file frame: %v", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(pr, buf); err != nil {
		ui.Fatalf("read file contents: %v", err)
	}
	nameEnd := 0
	for nameEnd < len(buf) && buf[nameEnd] != 0 {
		nameEnd++
	}
	if nameEnd == len(buf) || nameEnd > protocol.MaxFilenameSize {
		ui.Fatalf("malformed file frame")
	}
	name := string(buf[:nameEnd])
	if err := os.WriteFile(name, buf[nameEnd+1:], 0o644); err != nil {
		ui.Fatalf("write %s: %v", name, err)
	}
}

// writeSetup rewrites the parameter block as a setup file for the
// simulation engine: every line gains a "set " prefix, then the
// previous and current job names are appended.
func writeSetup(params []byte, id protocol.ID) error {
	p, err := protocol.ParseParams(params)
	if err != nil {
		return err
	}
	base1 := fmt.Sprintf("%sw%d.", id.TitleString(), id.Replica)
	var sb strings.Builder
	for _, line := range p.Lines {
		sb.WriteString("set ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if id.Sequence == 0 {
		sb.WriteString("set iob -1\n")
	} else {
		fmt.Fprintf(&sb, "set iob \"%s%d\"\n", base1, id.Sequence-1)
	}
	fmt.Fprintf(&sb, "set job \"%s%d\"\n", base1, id.Sequence)
	if err := os.WriteFile("setup", []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write setup file: %w", err)
	}
	return nil
}
