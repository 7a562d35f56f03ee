// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kraklabs/dr/internal/ui"
	"github.com/kraklabs/dr/pkg/protocol"
	"github.com/kraklabs/dr/pkg/script"
)

// worker simulates one sampling client: a single particle whose
// position tracks the assigned reference coordinate, plus optional
// noise from a secondary particle.
type worker struct {
	idx   int
	addr  string
	cfg   *script.Config
	opt   options
	exact *exactSamples
	bar   *progressbar.ProgressBar
	rng   *rand.Rand

	id      protocol.ID
	params  protocol.Params
	restart []byte
}

func newWorker(idx int, addr string, cfg *script.Config, opt options, exact *exactSamples, bar *progressbar.ProgressBar) *worker {
	return &worker{
		idx:   idx,
		addr:  addr,
		cfg:   cfg,
		opt:   opt,
		exact: exact,
		bar:   bar,
		rng:   rand.New(rand.NewSource(testerSeed + int64(idx))),
	}
}

// run loops handshake and rounds until the server has no work left.
func (w *worker) run() {
	if err := w.handshake(); err != nil {
		ui.Warnf("worker %d: handshake failed: %v", w.idx, err)
		return
	}
	for w.id.Replica >= 0 {
		time.Sleep(time.Duration(w.opt.sleepTime) * time.Microsecond)
		if err := w.round(); err != nil {
			ui.Warnf("worker %d: round failed: %v", w.idx, err)
			return
		}
	}
	if w.opt.verbose {
		ui.Plainf("worker %d: no more work", w.idx)
	}
}

// handshake registers this worker as a new node and takes the first
// assignment.
func (w *worker) handshake() error {
	conn, err := net.Dial("tcp", w.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := protocol.WriteVersion(conn); err != nil {
		return err
	}
	if err := w.sendFloat(conn, protocol.TakeTCS, 0); err != nil {
		return err
	}
	if err := w.sendFloat(conn, protocol.TakeJID, float32(w.idx)); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.ReplicaID,
		protocol.AppendID(nil, protocol.MakeID("**", 0, 0))); err != nil {
		return err
	}
	return w.readReply(conn)
}

// round simulates one sampling run for every non-interacting copy and
// submits it.
func (w *worker) round() error {
	conn, err := net.Dial("tcp", w.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := protocol.WriteVersion(conn); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.ReplicaID,
		protocol.AppendID(nil, w.id)); err != nil {
		return err
	}
	if err := w.sendFloat(conn, protocol.TakeTCS, 0); err != nil {
		return err
	}
	if err := w.sendFloat(conn, protocol.TakeJID, float32(w.idx)); err != nil {
		return err
	}

	k := int(w.cfg.NSamesystemUncoupled)
	for nni := 0; nni < k; nni++ {
		wref := 0.0
		if nni < len(w.params.WRef) {
			wref = w.params.WRef[nni]
		}
		if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.TakeMoveEnergyData,
			protocol.EncodeFloats(w.moveEnergy(wref))); err != nil {
			return err
		}
		if w.cfg.NeedSampleData {
			if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.TakeSampleData,
				protocol.EncodeFloats(w.samples(int(w.cfg.NSamplesPerRun*w.cfg.NLigands)))); err != nil {
				return err
			}
			for a := 0; a < int(w.cfg.NAdditionalData); a++ {
				if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.TakeSampleData,
					protocol.EncodeFloats(w.samples(int(w.cfg.NSamplesPerRun)))); err != nil {
					return err
				}
			}
		}
		if w.cfg.NeedCoordinateData {
			xyz := []float32{float32(wref), 0, 0}
			if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.TakeCoordinateData,
				protocol.EncodeFloats(xyz)); err != nil {
				return err
			}
		}
		if nni == 0 {
			state := fmt.Sprintf("%f %f %f\n", wref, w.rng.Float64(), w.rng.Float64())
			if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.TakeRestartFile,
				[]byte(state)); err != nil {
				return err
			}
		} else {
			if err := protocol.WriteFrame(conn, protocol.RegularKey, protocol.NextNonInteracting, nil); err != nil {
				return err
			}
		}
	}

	if err := w.readReply(conn); err != nil {
		return err
	}
	_ = w.bar.Add(k)
	if w.opt.verbose {
		ui.Plainf("worker %d: next job %sw%d.%d", w.idx, w.id.TitleString(), w.id.Replica, w.id.Sequence)
	}
	return nil
}

// moveEnergy builds the move payload the current coordinate/move
// combination expects. The landscape is flat, so equal-energy outcomes
// dominate and every algorithm gets exercised without bias.
func (w *worker) moveEnergy(wref float64) []float32 {
	noise := func() float32 {
		if w.opt.includeNoise == 0 {
			return 0
		}
		return float32(w.rng.NormFloat64() * 0.01)
	}
	switch w.cfg.Move {
	case script.NoMoves:
		return nil
	case script.MonteCarlo:
		if w.cfg.Coordinate == script.Spatial {
			wnew := float32(wref) + float32(w.rng.Float64()-0.5)*0.2
			return []float32{wnew, noise()}
		}
		return []float32{w.systemValue(wref, noise())}
	case script.BoltzmannJumping:
		if w.cfg.Coordinate == script.Spatial {
			es := make([]float32, w.cfg.NReplicas())
			for i := range es {
				es[i] = noise()
			}
			return es
		}
		return []float32{w.systemValue(wref, noise())}
	default: // Continuous, vRE
		return []float32{w.systemValue(wref, noise())}
	}
}

// systemValue is the single move float for Temperature and Umbrella
// coordinates: a system energy, or the position the umbrella acts on.
func (w *worker) systemValue(wref float64, noise float32) float32 {
	if w.cfg.Coordinate == script.Umbrella {
		return float32(wref) + noise
	}
	return -1.0 + noise
}

// samples produces one channel of sample data.
func (w *worker) samples(n int) []float32 {
	vals := make([]float32, n)
	for i := range vals {
		if w.exact != nil {
			vals[i] = w.exact.sample()
			continue
		}
		if w.opt.includeNoise != 0 {
			vals[i] = float32(w.rng.NormFloat64())
		}
	}
	return vals
}

// readReply consumes the server's assignment: ReplicaID, an optional
// restart blob, and the parameter block.
func (w *worker) readReply(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		h, err := protocol.ReadHeader(r)
		if err != nil {
			return err
		}
		switch h.Cmd {
		case protocol.ReplicaID:
			if w.id, err = protocol.ReadID(r); err != nil {
				return err
			}
		case protocol.TakeRestartFile:
			if w.restart, err = protocol.ReadSized(r, 0); err != nil {
				return err
			}
		case protocol.TakeSimulationParameters:
			b, err := protocol.ReadSized(r, protocol.MaxParameterBlock)
			if err != nil {
				return err
			}
			if w.params, err = protocol.ParseParams(b); err != nil {
				return err
			}
			return nil
		default:
			return &protocol.Error{Reason: "unexpected " + h.Cmd.String() + " in assignment"}
		}
	}
}

func (w *worker) sendFloat(conn net.Conn, cmd protocol.Command, v float32) error {
	return protocol.WriteFrame(conn, protocol.RegularKey, cmd, protocol.EncodeFloats([]float32{v}))
}
