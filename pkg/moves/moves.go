// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package moves decides how a replica's position along the reaction
// coordinate evolves after a committed round. It implements the four
// move algorithms — Metropolis Monte Carlo on the DRPE, discrete
// Boltzmann jumping, continuous-space Boltzmann jumping, and virtual
// Replica Exchange — over a shared set of grid primitives.
//
// All decisions are made against a consistent snapshot of every
// replica's position (the State), taken by the caller under the replica
// lock.
package moves

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/kraklabs/dr/pkg/script"
	"github.com/kraklabs/dr/pkg/vre"
)

// ReplicaMicrodivisions subdivides each inter-nominal segment for
// continuous Boltzmann jumping. Odd, so a micro point lands on each
// nominal.
const ReplicaMicrodivisions = 51

// Engine evaluates moves over a fixed nominal grid.
type Engine struct {
	Coordinate script.CoordinateType
	Move       script.MoveType

	// Beta is the thermodynamic inverse temperature 1/(kB*T); 1 for
	// Temperature runs, where the coordinate itself is beta.
	Beta float64

	// StepFraction is the Monte Carlo / vRE step as a fraction of a
	// nominal gap.
	StepFraction float64

	Circular     bool
	CircularLo   float64
	CircularHi   float64
	CircularDist float64

	// Nominals is the grid in index order, strictly ascending.
	Nominals []float64

	VREInitialNoMoves int64
	VREInitialNoSave  int64

	rng *rand.Rand
}

// New builds an engine from a loaded script.
func New(cfg *script.Config, rng *rand.Rand) *Engine {
	nominals := make([]float64, len(cfg.Replicas))
	for i, r := range cfg.Replicas {
		nominals[i] = r.W
	}
	return &Engine{
		Coordinate:        cfg.Coordinate,
		Move:              cfg.Move,
		Beta:              cfg.Beta(),
		StepFraction:      cfg.ReplicaStepFraction,
		Circular:          cfg.Circular,
		CircularLo:        cfg.CircularLesserEquality,
		CircularHi:        cfg.CircularGreaterEquality,
		CircularDist:      cfg.CircularEqualityDistance,
		Nominals:          nominals,
		VREInitialNoMoves: cfg.VREInitialNoMoves,
		VREInitialNoSave:  cfg.VREInitialNoSave,
		rng:               rng,
	}
}

// State is the consistent view of the replica set a move decision runs
// against. Slices are indexed by nominal position.
type State struct {
	// Positions holds every replica's current coordinate.
	Positions []float64

	// Cancellation is the per-bin cancellation energy; zeros until the
	// activation pass fires.
	Cancellation []float64

	// ForceConstants is the per-bin umbrella force constant.
	ForceConstants []float64

	// Scalar1 and Scalar2 are the DRPE weights in effect (the
	// post-threshold pair once cancellation activates).
	Scalar1, Scalar2 float64

	// MinRunning and MaxRunning bound the suspension fence.
	MinRunning, MaxRunning int
}

// Result reports a move decision.
type Result struct {
	WNew     float64
	Accepted bool

	// Unproductive marks a Boltzmann jump that selected the current bin;
	// it still counts as a completed step.
	Unproductive bool

	// VirtualReverse and VirtualSource report the popped vRE value when
	// the move used one.
	VirtualReverse float32
	VirtualSource  int32
}

// N returns the grid size.
func (e *Engine) N() int { return len(e.Nominals) }

// Linearize maps a coordinate onto the uniform bin-index-plus-fraction
// scale over the nominal grid, interpolating linearly between neighbors
// and clamping at the extremes.
func (e *Engine) Linearize(w float64) float64 {
	n := e.Nominals
	last := len(n) - 1
	if w <= n[0] {
		return 0
	}
	if w >= n[last] {
		return float64(last)
	}
	i := sort.SearchFloat64s(n, w)
	// n[i-1] < w <= n[i]
	return float64(i-1) + (w-n[i-1])/(n[i]-n[i-1])
}

// Delinearize inverts Linearize for values inside [0, N-1].
func (e *Engine) Delinearize(lin float64) float64 {
	n := e.Nominals
	last := len(n) - 1
	if lin <= 0 {
		return n[0]
	}
	if lin >= float64(last) {
		return n[last]
	}
	i := int(lin)
	frac := lin - float64(i)
	return n[i] + frac*(n[i+1]-n[i])
}

// BinOf returns the nearest nominal index: each gap splits at its
// half-width, edge bins extend outward by the opposite side's
// half-width, and anything beyond that clamps to the edge.
func (e *Engine) BinOf(w float64) int {
	n := e.Nominals
	last := len(n) - 1
	for i := 0; i < last; i++ {
		if w < n[i]+(n[i+1]-n[i])/2 {
			return i
		}
	}
	return last
}

// DRPE evaluates the Distributed Replica Potential Energy for the given
// positions under the weights in effect:
//
//	s1 * sum_{i<j} (lin_j - lin_i - (j-i))^2  +  s2 * (sum_i lin_i - N(N-1)/2)^2
//
// computed over a sorted copy of the linearized positions. It is zero at
// the all-nominal configuration.
func (e *Engine) DRPE(positions []float64, s1, s2 float64) float64 {
	n := len(positions)
	lin := make([]float64, n)
	for i, w := range positions {
		lin[i] = e.Linearize(w)
	}
	sort.Float64s(lin)

	var ordering, sum float64
	for i := 0; i < n; i++ {
		sum += lin[i]
		for j := i + 1; j < n; j++ {
			d := lin[j] - lin[i] - float64(j-i)
			ordering += d * d
		}
	}
	target := float64(n*(n-1)) / 2
	centering := sum - target
	return s1*ordering + s2*centering*centering
}

// deltaDRPE is the DRPE change from moving replica rep from wOld to wNew
// with all other positions fixed.
func (e *Engine) deltaDRPE(st *State, rep int, wOld, wNew float64) float64 {
	positions := append([]float64(nil), st.Positions...)
	positions[rep] = wOld
	before := e.DRPE(positions, st.Scalar1, st.Scalar2)
	positions[rep] = wNew
	after := e.DRPE(positions, st.Scalar1, st.Scalar2)
	return after - before
}

// insideFence reports whether the bin lies within the suspension fence.
func (e *Engine) insideFence(st *State, bin int) bool {
	return bin >= st.MinRunning && bin <= st.MaxRunning
}

// nearestImage maps a coordinate difference to its periodic nearest
// image under CIRCULAR.
func (e *Engine) nearestImage(d float64) float64 {
	if !e.Circular {
		return d
	}
	for d > e.CircularDist/2 {
		d -= e.CircularDist
	}
	for d < -e.CircularDist/2 {
		d += e.CircularDist
	}
	return d
}

// Proposal computes the Monte Carlo trial coordinate from wOld. The step
// is StepFraction of the local nominal gap; direction is random. Steps
// larger than one bin integer-clamp to the valid range. Under CIRCULAR,
// plain Monte Carlo replaces a boundary crossing with one long-range
// exchange to the opposite endpoint, while vRE wraps modulo the equality
// distance.
func (e *Engine) Proposal(wOld float64) float64 {
	n := e.Nominals
	last := len(n) - 1
	sign := 1.0
	if e.rng.Float64() < 0.5 {
		sign = -1
	}
	if !e.Circular {
		lin := e.Linearize(wOld) + sign*e.StepFraction
		if lin < 0 {
			lin = 0
		}
		if lin > float64(last) {
			lin = float64(last)
		}
		return e.Delinearize(lin)
	}

	bin := e.BinOf(wOld)
	gap := n[1] - n[0]
	if bin > 0 {
		gap = n[bin] - n[bin-1]
	}
	wNew := wOld + sign*e.StepFraction*gap
	if wNew < e.CircularLo || wNew > e.CircularHi {
		if e.Move == script.MonteCarlo {
			// One long-range exchange to the opposite endpoint.
			if sign < 0 {
				return n[last]
			}
			return n[0]
		}
		if wNew < e.CircularLo {
			wNew += e.CircularDist
		} else {
			wNew -= e.CircularDist
		}
	}
	return wNew
}

// Metropolis runs one Monte Carlo (or vRE) move decision for replica rep
// sitting at wOld. The wire slice is the round's move-energy payload:
// {wNew, dE} for Spatial, the system energy {E} for Temperature, and the
// position {x} the umbrella acts on for Umbrella. For vRE, the
// sampled energy eSample feeds the primary bag and the popped value
// supplies the virtual reverse contribution.
func (e *Engine) Metropolis(st *State, rep int, wOld float64, wire []float32, seq uint32, store *vre.Store, eSample float32) (Result, error) {
	var wNew float64
	var systemDelta float64

	switch e.Coordinate {
	case script.Spatial:
		if e.Move == script.VRE {
			return Result{}, fmt.Errorf("vRE is not supported for a Spatial coordinate")
		}
		if len(wire) != 2 {
			return Result{}, fmt.Errorf("spatial Monte Carlo expects 2 move values, got %d", len(wire))
		}
		wNew = float64(wire[0])
		systemDelta = float64(wire[1])
	case script.Temperature, script.Umbrella:
		if len(wire) != 1 {
			return Result{}, fmt.Errorf("%v move expects 1 move value, got %d", e.Coordinate, len(wire))
		}
		wNew = e.Proposal(wOld)
	default:
		return Result{}, fmt.Errorf("metropolis move with undefined coordinate type")
	}

	rejected := Result{WNew: wOld}

	isVRE := e.Move == script.VRE
	var popped float32
	var poppedSource int32
	if isVRE {
		oldBin := e.BinOf(wOld)
		if int64(seq) >= e.VREInitialNoSave {
			store.Push(oldBin, int32(rep), eSample)
		}
		if int64(seq) < e.VREInitialNoMoves {
			return rejected, nil
		}
	}

	newBin := e.BinOf(wNew)
	if !e.insideFence(st, newBin) {
		return rejected, nil
	}

	if isVRE {
		var ok bool
		popped, poppedSource, ok = store.Pop(newBin, int32(rep))
		if !ok {
			return rejected, nil
		}
	}

	oldBin := e.BinOf(wOld)
	dDRPE := e.deltaDRPE(st, rep, wOld, wNew)
	cancOld := st.Cancellation[oldBin]
	cancNew := st.Cancellation[newBin]

	var dE float64
	switch e.Coordinate {
	case script.Spatial:
		dE = e.Beta*(systemDelta+cancNew-cancOld) + e.Beta*dDRPE
	case script.Temperature:
		eSys := float64(wire[0])
		dE = (wNew-wOld)*eSys + wOld*cancOld - wNew*cancNew + dDRPE
		if isVRE {
			dE += (wOld - wNew) * float64(popped)
		}
	case script.Umbrella:
		x := float64(wire[0])
		kOld := st.ForceConstants[oldBin]
		kNew := st.ForceConstants[newBin]
		dxNew := e.nearestImage(x - wNew)
		dxOld := e.nearestImage(x - wOld)
		umb := 0.5 * (kNew*dxNew*dxNew - kOld*dxOld*dxOld)
		if isVRE {
			xp := float64(popped)
			dpOld := e.nearestImage(xp - wOld)
			dpNew := e.nearestImage(xp - wNew)
			umb += 0.5 * (kOld*dpOld*dpOld - kNew*dpNew*dpNew)
		}
		dE = e.Beta * (umb + cancNew - cancOld + dDRPE)
	}

	if math.Exp(-dE) > e.rng.Float64() {
		return Result{WNew: wNew, Accepted: true, VirtualReverse: popped, VirtualSource: poppedSource}, nil
	}
	return rejected, nil
}

// binEnergy is the full dimensionless energy of replica rep placed at
// nominal bin i, used by the discrete jump distribution.
func (e *Engine) binEnergy(st *State, rep int, i int, wire []float32) float64 {
	w := e.Nominals[i]
	canc := st.Cancellation[i]
	positions := append([]float64(nil), st.Positions...)
	positions[rep] = w
	drpe := e.DRPE(positions, st.Scalar1, st.Scalar2)

	switch e.Coordinate {
	case script.Spatial:
		return e.Beta * (float64(wire[i]) + canc + drpe)
	case script.Temperature:
		eSys := float64(wire[0])
		return w*eSys - w*canc + drpe
	case script.Umbrella:
		x := float64(wire[0])
		dx := e.nearestImage(x - w)
		return e.Beta * (0.5*st.ForceConstants[i]*dx*dx + canc + drpe)
	}
	return math.Inf(1)
}

// BoltzmannJump selects a destination bin for replica rep from the full
// discrete Boltzmann distribution over the nominal grid. Bins outside
// the suspension fence get infinite energy. Selecting the current bin is
// unproductive but still counts as a step.
func (e *Engine) BoltzmannJump(st *State, rep int, wOld float64, wire []float32) (Result, error) {
	n := e.N()
	if e.Coordinate == script.Spatial && len(wire) != n {
		return Result{}, fmt.Errorf("spatial Boltzmann jump expects %d move values, got %d", n, len(wire))
	}
	if e.Coordinate != script.Spatial && len(wire) != 1 {
		return Result{}, fmt.Errorf("%v Boltzmann jump expects 1 move value, got %d", e.Coordinate, len(wire))
	}

	energies := make([]float64, n)
	minE := math.Inf(1)
	for i := 0; i < n; i++ {
		if !e.insideFence(st, i) {
			energies[i] = math.Inf(1)
			continue
		}
		energies[i] = e.binEnergy(st, rep, i, wire)
		if energies[i] < minE {
			minE = energies[i]
		}
	}
	if math.IsInf(minE, 1) {
		return Result{WNew: wOld}, fmt.Errorf("no bin inside the suspension fence")
	}

	weights := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		if math.IsInf(energies[i], 1) {
			continue
		}
		weights[i] = math.Exp(-(energies[i] - minE))
		total += weights[i]
	}

	u := e.rng.Float64() * total
	chosen := st.MaxRunning
	for i := 0; i < n; i++ {
		u -= weights[i]
		if u < 0 && weights[i] > 0 {
			chosen = i
			break
		}
	}

	res := Result{WNew: e.Nominals[chosen], Accepted: true}
	if chosen == e.BinOf(wOld) {
		res.Unproductive = true
	}
	return res, nil
}

// ContinuousJump samples a new coordinate from the piecewise-linear
// Boltzmann density built over every inter-nominal segment inside the
// running fence [MinRunning, MaxRunning], each subdivided into
// ReplicaMicrodivisions points with the cancellation energy interpolated
// linearly between bin endpoints. A fence of a single nominal returns
// that nominal as an unproductive move. Only Temperature and Umbrella
// coordinates support it.
func (e *Engine) ContinuousJump(st *State, rep int, wire []float32) (Result, error) {
	if e.Coordinate == script.Spatial {
		return Result{}, fmt.Errorf("continuous Boltzmann jumping is not supported for a Spatial coordinate")
	}
	if len(wire) != 1 {
		return Result{}, fmt.Errorf("%v continuous jump expects 1 move value, got %d", e.Coordinate, len(wire))
	}

	lo := st.MinRunning
	hi := st.MaxRunning
	if hi <= lo {
		return Result{WNew: e.Nominals[lo], Accepted: true, Unproductive: true}, nil
	}

	// Micro grid over [lo, hi], ReplicaMicrodivisions points per segment
	// with shared segment endpoints.
	perSeg := ReplicaMicrodivisions - 1
	npts := (hi-lo)*perSeg + 1
	ws := make([]float64, npts)
	energy := make([]float64, npts)
	minE := math.Inf(1)
	for p := 0; p < npts; p++ {
		seg := p / perSeg
		frac := float64(p%perSeg) / float64(perSeg)
		if p == npts-1 {
			seg = hi - lo - 1
			frac = 1
		}
		i := lo + seg
		w := e.Nominals[i] + frac*(e.Nominals[i+1]-e.Nominals[i])
		canc := st.Cancellation[i] + frac*(st.Cancellation[i+1]-st.Cancellation[i])
		ws[p] = w
		energy[p] = e.pointEnergy(st, rep, w, canc, i, frac, wire)
		if energy[p] < minE {
			minE = energy[p]
		}
	}

	// Piecewise-linear PDF, trapezoidal CDF.
	pdf := make([]float64, npts)
	for p := range pdf {
		pdf[p] = math.Exp(-(energy[p] - minE))
	}
	cdf := make([]float64, npts)
	for p := 1; p < npts; p++ {
		h := ws[p] - ws[p-1]
		cdf[p] = cdf[p-1] + 0.5*(pdf[p-1]+pdf[p])*h
	}
	total := cdf[npts-1]
	if total <= 0 {
		return Result{WNew: st.Positions[rep]}, fmt.Errorf("continuous jump normalization vanished")
	}

	target := e.rng.Float64() * total
	p := sort.SearchFloat64s(cdf, target)
	if p == 0 {
		p = 1
	}
	if p >= npts {
		p = npts - 1
	}

	// Inside the micro segment the PDF is linear; the exact position is
	// the root of p0*t + (p1-p0)*t^2/(2h) = area.
	area := target - cdf[p-1]
	h := ws[p] - ws[p-1]
	p0, p1 := pdf[p-1], pdf[p]
	var t float64
	slope := (p1 - p0) / h
	if math.Abs(slope) < 1e-300 {
		t = area / p0
	} else {
		disc := p0*p0 + 2*slope*area
		if disc < 0 {
			disc = 0
		}
		t = (-p0 + math.Sqrt(disc)) / slope
	}
	if t < 0 {
		t = 0
	}
	if t > h {
		t = h
	}
	wNew := ws[p-1] + t

	res := Result{WNew: wNew, Accepted: true}
	if e.BinOf(wNew) == e.BinOf(st.Positions[rep]) {
		res.Unproductive = true
	}
	return res, nil
}

// pointEnergy evaluates the continuous-jump energy at micro point w in
// segment i (frac along it), with canc already interpolated.
func (e *Engine) pointEnergy(st *State, rep int, w, canc float64, i int, frac float64, wire []float32) float64 {
	positions := append([]float64(nil), st.Positions...)
	positions[rep] = w
	drpe := e.DRPE(positions, st.Scalar1, st.Scalar2)

	switch e.Coordinate {
	case script.Temperature:
		eSys := float64(wire[0])
		return w*eSys - w*canc + drpe
	case script.Umbrella:
		x := float64(wire[0])
		k := st.ForceConstants[i] + frac*(st.ForceConstants[i+1]-st.ForceConstants[i])
		dx := e.nearestImage(x - w)
		return e.Beta * (0.5*k*dx*dx + canc + drpe)
	}
	return math.Inf(1)
}

// ExpectedEnergyCount returns how many float32 move values a committed
// round must carry for this coordinate/move combination.
func (e *Engine) ExpectedEnergyCount() int {
	switch e.Move {
	case script.NoMoves:
		return 0
	case script.MonteCarlo:
		if e.Coordinate == script.Spatial {
			return 2
		}
		return 1
	case script.BoltzmannJumping:
		if e.Coordinate == script.Spatial {
			return e.N()
		}
		return 1
	default: // Continuous, vRE
		return 1
	}
}
