// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package moves

import (
	"math"
	"math/rand"
	"testing"

	"github.com/kraklabs/dr/pkg/script"
	"github.com/kraklabs/dr/pkg/vre"
)

func spatialEngine(t *testing.T, move script.MoveType, nominals []float64) *Engine {
	t.Helper()
	e := &Engine{
		Coordinate: script.Spatial,
		Move:       move,
		Beta:       1.0,
		Nominals:   nominals,
		rng:        rand.New(rand.NewSource(42)),
	}
	if move == script.MonteCarlo || move == script.VRE {
		e.StepFraction = 0.5
	}
	return e
}

func flatState(n int) *State {
	return &State{
		Positions:      make([]float64, n),
		Cancellation:   make([]float64, n),
		ForceConstants: make([]float64, n),
		MinRunning:     0,
		MaxRunning:     n - 1,
	}
}

func TestLinearize(t *testing.T) {
	e := spatialEngine(t, script.NoMoves, []float64{0, 1, 3})
	tests := []struct {
		w, want float64
	}{
		{-5, 0}, // clamp low
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{2, 1.5}, // halfway into the wide gap
		{3, 2},
		{9, 2}, // clamp high
	}
	for _, tt := range tests {
		if got := e.Linearize(tt.w); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Linearize(%f) = %f, want %f", tt.w, got, tt.want)
		}
	}
	// Delinearize inverts inside the grid.
	for _, lin := range []float64{0, 0.25, 1, 1.5, 2} {
		if got := e.Linearize(e.Delinearize(lin)); math.Abs(got-lin) > 1e-12 {
			t.Errorf("round trip at %f gives %f", lin, got)
		}
	}
}

func TestBinOf(t *testing.T) {
	e := spatialEngine(t, script.NoMoves, []float64{0, 1, 3})
	tests := []struct {
		w    float64
		want int
	}{
		{-10, 0}, {0, 0}, {0.49, 0},
		{0.51, 1}, {1, 1}, {1.9, 1},
		{2.1, 2}, {3, 2}, {99, 2},
	}
	for _, tt := range tests {
		if got := e.BinOf(tt.w); got != tt.want {
			t.Errorf("BinOf(%f) = %d, want %d", tt.w, got, tt.want)
		}
	}
}

// The DRPE vanishes at the all-nominal configuration for any weights.
func TestDRPEZeroAtNominal(t *testing.T) {
	nominals := []float64{0, 1, 2, 3, 4}
	e := spatialEngine(t, script.NoMoves, nominals)
	for _, scalars := range [][2]float64{{1, 1}, {2.5, 0.3}, {0, 7}} {
		if got := e.DRPE(nominals, scalars[0], scalars[1]); got != 0 {
			t.Errorf("DRPE(nominal; %v) = %g, want 0", scalars, got)
		}
	}
	// Displacing one replica raises it.
	displaced := []float64{0, 1, 2.5, 3, 4}
	if got := e.DRPE(displaced, 1, 1); got <= 0 {
		t.Errorf("DRPE(displaced) = %g, want > 0", got)
	}
}

// A Metropolis decision with dE = 0 accepts with probability 1
// (exp(0) = 1 > U for U drawn from [0,1)).
func TestMetropolisZeroDeltaAlwaysAccepts(t *testing.T) {
	e := spatialEngine(t, script.MonteCarlo, []float64{0, 1, 2})
	st := flatState(3)
	st.Positions = []float64{0, 1, 2}
	for i := 0; i < 1000; i++ {
		// Propose staying in place: dDRPE = 0, system dE = 0.
		res, err := e.Metropolis(st, 1, 1.0, []float32{1.0, 0.0}, 0, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Accepted {
			t.Fatalf("trial %d rejected with dE = 0", i)
		}
		if res.WNew != 1.0 {
			t.Fatalf("accepted position %f, want the wire's 1.0", res.WNew)
		}
	}
}

// With the DRPE weights at zero and a downhill system energy change the
// proposed spatial move is taken: the post-commit coordinate equals the
// wire's proposal.
func TestMetropolisAlwaysAcceptWithZeroScalars(t *testing.T) {
	e := spatialEngine(t, script.MonteCarlo, []float64{0, 1})
	st := flatState(2)
	st.Positions = []float64{0, 1}
	res, err := e.Metropolis(st, 0, 0, []float32{0.35, -5.0}, 0, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || math.Abs(res.WNew-0.35) > 1e-6 {
		t.Fatalf("result = %+v, want acceptance at 0.35", res)
	}
}

func TestMetropolisFenceRejects(t *testing.T) {
	e := spatialEngine(t, script.MonteCarlo, []float64{0, 1, 2})
	st := flatState(3)
	st.Positions = []float64{0, 1, 2}
	st.MinRunning, st.MaxRunning = 0, 1
	res, err := e.Metropolis(st, 1, 1.0, []float32{2.0, -100.0}, 0, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.WNew != 1.0 {
		t.Fatalf("move outside the fence accepted: %+v", res)
	}
}

func TestMetropolisWireSizeChecked(t *testing.T) {
	e := spatialEngine(t, script.MonteCarlo, []float64{0, 1})
	st := flatState(2)
	if _, err := e.Metropolis(st, 0, 0, []float32{1}, 0, nil, 0); err == nil {
		t.Error("short spatial move payload accepted")
	}
}

// vRE on a Spatial coordinate is an unsupported combination and must
// error rather than run with a nonsensical wire contract.
func TestMetropolisRejectsSpatialVRE(t *testing.T) {
	e := spatialEngine(t, script.VRE, []float64{0, 1, 2})
	store := vre.New(3, 10, 5, rand.New(rand.NewSource(1)))
	if _, err := e.Metropolis(flatState(3), 0, 0, []float32{1, 0}, 0, store, 0); err == nil {
		t.Error("spatial vRE move accepted")
	}
}

// Equal energies must select each bin uniformly (chi-squared over
// 10000 trials against the uniform expectation).
func TestBoltzmannJumpUniform(t *testing.T) {
	e := spatialEngine(t, script.BoltzmannJumping, []float64{0, 1, 2})
	st := flatState(3)
	st.Positions = []float64{0, 1, 2}
	st.Scalar1, st.Scalar2 = 0, 0

	const trials = 10000
	counts := [3]int{}
	for i := 0; i < trials; i++ {
		res, err := e.BoltzmannJump(st, 1, 1.0, []float32{0, 0, 0})
		if err != nil {
			t.Fatal(err)
		}
		counts[e.BinOf(res.WNew)]++
	}
	want := float64(trials) / 3
	var chi2 float64
	for _, c := range counts {
		d := float64(c) - want
		chi2 += d * d / want
	}
	// 2 degrees of freedom; 13.8 is p ~ 0.001.
	if chi2 > 13.8 {
		t.Errorf("chi2 = %f for counts %v", chi2, counts)
	}
}

func TestBoltzmannJumpRespectsFence(t *testing.T) {
	e := spatialEngine(t, script.BoltzmannJumping, []float64{0, 1, 2})
	st := flatState(3)
	st.Positions = []float64{0, 1, 2}
	st.MinRunning, st.MaxRunning = 1, 2
	for i := 0; i < 200; i++ {
		res, err := e.BoltzmannJump(st, 1, 1.0, []float32{-1000, 0, 0})
		if err != nil {
			t.Fatal(err)
		}
		if e.BinOf(res.WNew) == 0 {
			t.Fatal("jump landed outside the suspension fence")
		}
	}
}

func TestBoltzmannJumpUnproductive(t *testing.T) {
	e := spatialEngine(t, script.BoltzmannJumping, []float64{0, 1, 2})
	st := flatState(3)
	st.Positions = []float64{0, 1, 2}
	// An overwhelming well at the current bin: always chosen, always
	// unproductive, never an error.
	res, err := e.BoltzmannJump(st, 1, 1.0, []float32{1000, -1000, 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unproductive {
		t.Error("staying put not flagged unproductive")
	}
}

func TestProposalClampsAtEdges(t *testing.T) {
	e := spatialEngine(t, script.MonteCarlo, []float64{0, 1, 2})
	e.StepFraction = 5 // far beyond one bin
	for i := 0; i < 100; i++ {
		w := e.Proposal(0)
		if w < 0 || w > 2 {
			t.Fatalf("proposal %f escaped the grid", w)
		}
	}
}

func TestContinuousJumpStaysInFence(t *testing.T) {
	e := &Engine{
		Coordinate: script.Umbrella,
		Move:       script.Continuous,
		Beta:       1.0,
		Nominals:   []float64{0, 1, 2, 3},
		rng:        rand.New(rand.NewSource(7)),
	}
	st := flatState(4)
	st.Positions = []float64{0, 1, 2, 3}
	st.ForceConstants = []float64{2, 2, 2, 2}
	st.MinRunning, st.MaxRunning = 1, 2
	for i := 0; i < 500; i++ {
		res, err := e.ContinuousJump(st, 0, []float32{1.5})
		if err != nil {
			t.Fatal(err)
		}
		if res.WNew < 1.0-1e-9 || res.WNew > 2.0+1e-9 {
			t.Fatalf("continuous jump to %f escaped [1,2]", res.WNew)
		}
	}
}

func TestContinuousJumpRejectsSpatial(t *testing.T) {
	e := spatialEngine(t, script.Continuous, []float64{0, 1})
	if _, err := e.ContinuousJump(flatState(2), 0, []float32{0}); err == nil {
		t.Error("spatial continuous jump accepted")
	}
}

func TestVREGating(t *testing.T) {
	store := vre.New(3, 10, 5, rand.New(rand.NewSource(3)))
	e := &Engine{
		Coordinate:        script.Temperature,
		Move:              script.VRE,
		Beta:              1.0,
		StepFraction:      0.5,
		Nominals:          []float64{1.0, 1.1, 1.2},
		VREInitialNoMoves: 5,
		VREInitialNoSave:  2,
		rng:               rand.New(rand.NewSource(9)),
	}
	st := flatState(3)
	st.Positions = []float64{1.0, 1.1, 1.2}

	// Below the no-save horizon nothing enters the bag and no move runs.
	res, err := e.Metropolis(st, 0, 1.0, []float32{-1}, 1, store, -1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Error("move ran during the no-move warmup")
	}
	if _, _, ok := store.Pop(0, 99); ok {
		t.Error("value saved below the no-save horizon")
	}

	// Past no-save but still in the no-move window: the sample is
	// banked, the move still skipped.
	res, err = e.Metropolis(st, 0, 1.0, []float32{-1}, 3, store, -1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Error("move ran during the no-move warmup")
	}
	if _, _, ok := store.Pop(0, 99); !ok {
		t.Error("sample not banked past the no-save horizon")
	}
}

// A vRE move whose destination bag (and secondary) are empty is
// rejected outright.
func TestVREPopFailureRejects(t *testing.T) {
	store := vre.New(2, 10, 5, rand.New(rand.NewSource(3)))
	e := &Engine{
		Coordinate:   script.Temperature,
		Move:         script.VRE,
		Beta:         1.0,
		StepFraction: 1.0,
		Nominals:     []float64{1.0, 2.0},
		rng:          rand.New(rand.NewSource(11)),
	}
	st := flatState(2)
	st.Positions = []float64{1.0, 2.0}
	for i := 0; i < 50; i++ {
		res, err := e.Metropolis(st, 0, 1.0, []float32{-1}, 10, store, -1)
		if err != nil {
			t.Fatal(err)
		}
		if res.Accepted && e.BinOf(res.WNew) != e.BinOf(1.0) {
			t.Fatal("cross-bin vRE move accepted with an empty destination bag")
		}
	}
}

func TestExpectedEnergyCount(t *testing.T) {
	tests := []struct {
		coord script.CoordinateType
		move  script.MoveType
		want  int
	}{
		{script.Spatial, script.NoMoves, 0},
		{script.Spatial, script.MonteCarlo, 2},
		{script.Spatial, script.BoltzmannJumping, 3},
		{script.Temperature, script.MonteCarlo, 1},
		{script.Umbrella, script.Continuous, 1},
		{script.Temperature, script.VRE, 1},
	}
	for _, tt := range tests {
		e := &Engine{Coordinate: tt.coord, Move: tt.move, Nominals: []float64{0, 1, 2}}
		if got := e.ExpectedEnergyCount(); got != tt.want {
			t.Errorf("%v/%v: %d, want %d", tt.coord, tt.move, got, tt.want)
		}
	}
}

func TestCircularProposalWraps(t *testing.T) {
	e := &Engine{
		Coordinate:   script.Umbrella,
		Move:         script.VRE,
		Beta:         1.0,
		StepFraction: 1.0,
		Circular:     true,
		CircularLo:   -5,
		CircularHi:   355,
		CircularDist: 360,
		Nominals:     []float64{0, 120, 240},
		rng:          rand.New(rand.NewSource(5)),
	}
	for i := 0; i < 200; i++ {
		w := e.Proposal(0)
		if w < e.CircularLo || w > e.CircularHi {
			t.Fatalf("circular proposal %f escaped [%f,%f]", w, e.CircularLo, e.CircularHi)
		}
	}

	// Plain Monte Carlo swaps the crossing for a long-range exchange to
	// the opposite endpoint.
	e.Move = script.MonteCarlo
	sawEndpoint := false
	for i := 0; i < 200; i++ {
		w := e.Proposal(0)
		if w == 240 {
			sawEndpoint = true
		}
		if w < e.CircularLo || w > e.CircularHi {
			t.Fatalf("circular MC proposal %f escaped", w)
		}
	}
	if !sawEndpoint {
		t.Error("no long-range exchange to the opposite endpoint observed")
	}
}
