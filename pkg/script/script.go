// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package script loads and validates the simulation script file that
// drives a Distributed Replica run. The format is line oriented: a
// keyword followed by whitespace-separated parameters, with // comments.
// A COLUMNS line names the per-replica fields and each following JOB
// line defines one replica.
package script

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// BoltzmannConstant is kB in kcal/(mol*K).
const BoltzmannConstant = 8.31451 / 4184.0

// MaxColumns bounds the COLUMNS specification.
const MaxColumns = 9

// minNominalGap is the smallest allowed spacing between nominal positions.
const minNominalGap = 0.011

// CoordinateType selects the meaning of the replica coordinate w.
type CoordinateType int

const (
	CoordinateUndefined CoordinateType = iota
	Spatial
	Temperature
	Umbrella
)

func (c CoordinateType) String() string {
	switch c {
	case Spatial:
		return "Spatial"
	case Temperature:
		return "Temperature"
	case Umbrella:
		return "Umbrella"
	}
	return "Undefined"
}

// MoveType selects the replica-move algorithm.
type MoveType int

const (
	MoveUndefined MoveType = iota
	MonteCarlo
	BoltzmannJumping
	Continuous
	NoMoves
	VRE
)

func (m MoveType) String() string {
	switch m {
	case MonteCarlo:
		return "MonteCarlo"
	case BoltzmannJumping:
		return "Boltzmann"
	case Continuous:
		return "Continuous"
	case NoMoves:
		return "NoMoves"
	case VRE:
		return "vRE"
	}
	return "Undefined"
}

// ReplicaSpec is one JOB row after column mapping.
type ReplicaSpec struct {
	W             float64 // nominal coordinate (beta after Temperature conversion)
	WStart        float64 // starting coordinate; equals W unless STARTL1 given
	W2            float64 // secondary coordinate, NaN when absent
	Force         float64 // umbrella force constant, NaN when absent
	SamplingRuns  uint
	SamplingSteps uint
	CancelEnergy  float64
	VREFile       string
}

// Config is the immutable result of loading a script file.
type Config struct {
	Replicas []ReplicaSpec

	Coordinate CoordinateType
	Move       MoveType

	Temperature float64
	NLigands    uint

	NodeTime             uint
	ReplicaChangeTime    uint
	SnapshotSaveInterval uint
	JobTimeout           uint
	Port                 uint

	PotentialScalar1 float64
	PotentialScalar2 float64

	PotentialScalar1AfterThreshold float64
	PotentialScalar2AfterThreshold float64
	CancellationThreshold          uint

	ReplicaStepFraction float64

	NeedSampleData     bool
	NeedCoordinateData bool
	SubmitJobs         bool

	MinUnsuspendedReplica int
	MaxUnsuspendedReplica int

	Circular                 bool
	CircularLesserEquality   float64
	CircularGreaterEquality  float64
	CircularEqualityDistance float64

	NSamplesPerRun       uint
	NAdditionalData      uint
	NSamesystemUncoupled uint

	LoadedCancel              bool
	StopOnAverageTimeExceeded bool

	VREInitialNoMoves int64
	VREInitialNoSave  int64
	VRESecondarySize  int64

	AllowRequeue             bool
	AllottedTimeForServer    uint
	DefineStartPos           bool
	CycleClients             float64
	MobilityTime             int
	MobilityRequiredTimeGain int
}

// NReplicas returns the replica count.
func (c *Config) NReplicas() int { return len(c.Replicas) }

// NNodes is the size of the worker-slot table: NNI copies of the same
// system share one job slot.
func (c *Config) NNodes() int {
	return len(c.Replicas) / int(c.NSamesystemUncoupled)
}

// Beta returns the inverse temperature 1/(kB*T) for energy weighting.
// For Temperature runs the coordinate itself is beta and this is 1.
func (c *Config) Beta() float64 {
	if c.Coordinate == Temperature {
		return 1.0
	}
	return 1.0 / (BoltzmannConstant * c.Temperature)
}

type column int

const (
	columnW1 column = iota
	columnW2
	columnForce
	columnMoves
	columnSteps
	columnCancelEnergy
	columnStartW1
	columnVREFile
)

type loader struct {
	cfg                                                     *Config
	columns                                                 []column
	starts                                                  []float64 // STARTL1 values parallel to Replicas, NaN = none
	sawNodeTime, sawChangeTime, sawSnapshotTime, sawTimeout bool
	sawRunningReplicas                                      bool
}

// Load parses and validates the script file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script file: %w", err)
	}
	defer f.Close()

	ld := &loader{cfg: &Config{
		Temperature:              -1,
		NLigands:                 1,
		PotentialScalar1:         -1,
		PotentialScalar2:         -1,
		ReplicaStepFraction:      -1,
		CircularLesserEquality:   1,
		CircularGreaterEquality:  -1,
		CircularEqualityDistance: -1,
		NSamesystemUncoupled:     1,
		VRESecondarySize:         -1,
		CycleClients:             -1,
	}}

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ld.line(sc.Text()); err != nil {
			return nil, fmt.Errorf("script line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}
	if err := ld.validate(); err != nil {
		return nil, err
	}
	return ld.cfg, nil
}

func (ld *loader) line(raw string) error {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	if strings.HasPrefix(fields[0], "//") {
		return nil
	}
	cfg := ld.cfg
	cmd := fields[0]
	switch {
	case eqFold(cmd, "SIMULATION"):
		return ld.simulation(fields)
	case eqFold(cmd, "PORT"):
		return parseUint(fields, 1, &cfg.Port)
	case eqFold(cmd, "TEMPERATURE"):
		return parseFloat(fields, 1, &cfg.Temperature)
	case cmd == "REPLICASTEP":
		return parseFloat(fields, 1, &cfg.ReplicaStepFraction)
	case eqFold(cmd, "POTENTIALSCALAR"):
		if err := parseFloat(fields, 1, &cfg.PotentialScalar1); err != nil {
			return err
		}
		return parseFloat(fields, 2, &cfg.PotentialScalar2)
	case eqFold(cmd, "CANCELLATION"):
		if err := parseFloat(fields, 1, &cfg.PotentialScalar1AfterThreshold); err != nil {
			return err
		}
		if err := parseFloat(fields, 2, &cfg.PotentialScalar2AfterThreshold); err != nil {
			return err
		}
		return parseUint(fields, 3, &cfg.CancellationThreshold)
	case eqFold(cmd, "NODETIME"):
		ld.sawNodeTime = true
		return parseUint(fields, 1, &cfg.NodeTime)
	case eqFold(cmd, "REPLICACHANGETIME"):
		ld.sawChangeTime = true
		return parseUint(fields, 1, &cfg.ReplicaChangeTime)
	case eqFold(cmd, "SNAPSHOTTIME"):
		ld.sawSnapshotTime = true
		return parseUint(fields, 1, &cfg.SnapshotSaveInterval)
	case eqFold(cmd, "TIMEOUT"):
		ld.sawTimeout = true
		return parseUint(fields, 1, &cfg.JobTimeout)
	case eqFold(cmd, "RUNNINGREPLICAS"):
		ld.sawRunningReplicas = true
		if err := parseInt(fields, 1, &cfg.MinUnsuspendedReplica); err != nil {
			return err
		}
		return parseInt(fields, 2, &cfg.MaxUnsuspendedReplica)
	case eqFold(cmd, "NEEDSAMPLEDATA"):
		cfg.NeedSampleData = true
	case eqFold(cmd, "NEEDCOORDINATEDATA"):
		cfg.NeedCoordinateData = true
	case eqFold(cmd, "SUBMITJOBS"):
		cfg.SubmitJobs = true
	case eqFold(cmd, "CIRCULAR"):
		if err := parseFloat(fields, 1, &cfg.CircularLesserEquality); err != nil {
			return err
		}
		if err := parseFloat(fields, 2, &cfg.CircularGreaterEquality); err != nil {
			return err
		}
		cfg.Circular = true
		cfg.CircularEqualityDistance = cfg.CircularGreaterEquality - cfg.CircularLesserEquality
	case eqFold(cmd, "ADDITIONALDATA"):
		return parseUint(fields, 1, &cfg.NAdditionalData)
	case eqFold(cmd, "N_SAMESYSTEM_UNCOUPLED"):
		return parseUint(fields, 1, &cfg.NSamesystemUncoupled)
	case eqFold(cmd, "STOP_ON_AVERAGE_TIME_EXCEEDED"):
		cfg.StopOnAverageTimeExceeded = true
	case eqFold(cmd, "VRE_INITIAL_NOMOVES"):
		return parseInt64(fields, 1, &cfg.VREInitialNoMoves)
	case eqFold(cmd, "VRE_INITIAL_NOSAVE"):
		return parseInt64(fields, 1, &cfg.VREInitialNoSave)
	case eqFold(cmd, "VRE_SECONDARY_LIST_LENGTH"):
		return parseInt64(fields, 1, &cfg.VRESecondarySize)
	case eqFold(cmd, "ALLOW_REQUEUE"):
		cfg.AllowRequeue = true
	case eqFold(cmd, "ALLOTTED_TIME_FOR_SERVER"):
		return parseUint(fields, 1, &cfg.AllottedTimeForServer)
	case eqFold(cmd, "DEFINE_STARTING_POSITIONS"):
		cfg.DefineStartPos = true
	case cmd == "CYCLE_CLIENTS":
		return parseFloat(fields, 1, &cfg.CycleClients)
	case cmd == "SERVER_TIMELEFT_ENTER_MOBILE_STATE":
		return parseInt(fields, 1, &cfg.MobilityTime)
	case cmd == "SERVER_TIMEGAIN_ENTER_MOBILE_STATE":
		return parseInt(fields, 1, &cfg.MobilityRequiredTimeGain)
	case eqFold(cmd, "COLUMNS"):
		return ld.columnsLine(fields)
	case eqFold(cmd, "JOB"):
		return ld.jobLine(fields)
	default:
		return fmt.Errorf("extraneous command: [%s]", raw)
	}
	return nil
}

func (ld *loader) simulation(fields []string) error {
	cfg := ld.cfg
	if len(fields) > 1 {
		switch {
		case eqFold(fields[1], "spatial"):
			cfg.Coordinate = Spatial
		case eqFold(fields[1], "temperature"):
			cfg.Coordinate = Temperature
		case eqFold(fields[1], "umbrella"):
			cfg.Coordinate = Umbrella
		}
	}
	if len(fields) > 2 {
		switch {
		case eqFold(fields[2], "montecarlo"):
			cfg.Move = MonteCarlo
		case eqFold(fields[2], "boltzmann"):
			cfg.Move = BoltzmannJumping
		case eqFold(fields[2], "continuous"):
			cfg.Move = Continuous
		case eqFold(fields[2], "nomoves"):
			cfg.Move = NoMoves
		case eqFold(fields[2], "vre"):
			cfg.Move = VRE
		}
	}
	return nil
}

func (ld *loader) columnsLine(fields []string) error {
	if ld.columns != nil {
		return fmt.Errorf("COLUMNS was specified more than once")
	}
	names := fields[1:]
	if len(names) > MaxColumns {
		return fmt.Errorf("too many parameters specified for COLUMNS")
	}
	w1 := false
	for _, name := range names {
		switch {
		case eqFold(name, "LIGAND1") || eqFold(name, "TEMPERATURE"):
			ld.columns = append(ld.columns, columnW1)
			w1 = true
		case eqFold(name, "LIGAND2") || eqFold(name, "FUNNEL"):
			ld.columns = append(ld.columns, columnW2)
		case eqFold(name, "FORCE"):
			ld.columns = append(ld.columns, columnForce)
		case eqFold(name, "MOVES"):
			ld.columns = append(ld.columns, columnMoves)
		case eqFold(name, "STEPS"):
			ld.columns = append(ld.columns, columnSteps)
		case eqFold(name, "CANCEL"):
			ld.columns = append(ld.columns, columnCancelEnergy)
			ld.cfg.LoadedCancel = true
		case eqFold(name, "STARTL1"):
			ld.columns = append(ld.columns, columnStartW1)
		case eqFold(name, "VREFILE"):
			ld.columns = append(ld.columns, columnVREFile)
		default:
			return fmt.Errorf("unexpected COLUMNS parameter %q", name)
		}
	}
	if !w1 {
		return fmt.Errorf("one of the columns must give the coordinate position of the replica")
	}
	return nil
}

func (ld *loader) jobLine(fields []string) error {
	if ld.columns == nil {
		return fmt.Errorf("COLUMNS needs to be specified before JOB")
	}
	vals := fields[1:]
	if len(vals) != len(ld.columns) {
		return fmt.Errorf("JOB has %d parameters, COLUMNS defined %d", len(vals), len(ld.columns))
	}
	spec := ReplicaSpec{
		W2:            math.NaN(),
		Force:         math.NaN(),
		SamplingRuns:  1,
		SamplingSteps: 1,
	}
	start := math.NaN()
	for i, v := range vals {
		switch ld.columns[i] {
		case columnW1:
			spec.W = atof(v)
		case columnW2:
			spec.W2 = atof(v)
			ld.cfg.NLigands = 2
		case columnForce:
			spec.Force = atof(v)
		case columnMoves:
			spec.SamplingRuns = uint(atoi(v))
		case columnSteps:
			spec.SamplingSteps = uint(atoi(v))
		case columnCancelEnergy:
			spec.CancelEnergy = atof(v)
		case columnStartW1:
			start = atof(v)
		case columnVREFile:
			spec.VREFile = v
		}
	}
	if math.IsNaN(start) {
		spec.WStart = spec.W
	} else {
		spec.WStart = start
	}
	ld.cfg.Replicas = append(ld.cfg.Replicas, spec)
	ld.starts = append(ld.starts, start)
	return nil
}

func (ld *loader) validate() error {
	cfg := ld.cfg
	n := len(cfg.Replicas)

	if cfg.Coordinate == CoordinateUndefined {
		return fmt.Errorf("need to specify the type of simulation using the SIMULATION key word")
	}
	if cfg.Coordinate == Spatial || cfg.Coordinate == Umbrella {
		if cfg.Temperature < 0 {
			return fmt.Errorf("need to specify a temperature for a spatial or umbrella simulation")
		}
	} else if cfg.Temperature != -1 {
		return fmt.Errorf("it is nonsensical to specify a TEMPERATURE if the coordinate is temperature")
	}
	if cfg.Move == MoveUndefined {
		return fmt.Errorf("need to specify the move type using the SIMULATION key word")
	}
	if cfg.Move == MonteCarlo || cfg.Move == VRE {
		if cfg.ReplicaStepFraction <= 0 {
			return fmt.Errorf("the REPLICASTEP should be greater than zero to do Monte Carlo or vRE moves")
		}
	} else if cfg.ReplicaStepFraction != -1 {
		return fmt.Errorf("the REPLICASTEP should only be specified for Monte Carlo or vRE simulations")
	}
	if n == 1 && cfg.Move != NoMoves {
		return fmt.Errorf("moves cannot be performed if the simulation has only one replica")
	}
	if cfg.Coordinate == Spatial && cfg.Move == Continuous {
		return fmt.Errorf("a Spatial simulation is not compatible with the continuous boltzmann jumping method")
	}
	if cfg.Coordinate == Spatial && cfg.Move == VRE {
		return fmt.Errorf("a Spatial simulation is not compatible with the vRE method")
	}
	if cfg.Coordinate == Temperature && cfg.NLigands != 1 {
		return fmt.Errorf("a Temperature simulation is compatible with one ligand only")
	}
	if cfg.Coordinate == Umbrella && cfg.NLigands != 1 {
		return fmt.Errorf("an Umbrella simulation is compatible with one ligand only")
	}
	if cfg.VREInitialNoMoves != 0 && cfg.Move != VRE {
		return fmt.Errorf("the VRE_INITIAL_NOMOVES option is only compatible with a vRE simulation")
	}
	if cfg.VREInitialNoSave != 0 && cfg.Move != VRE {
		return fmt.Errorf("the VRE_INITIAL_NOSAVE option is only compatible with a vRE simulation")
	}
	if cfg.VRESecondarySize != -1 && cfg.Move != VRE {
		return fmt.Errorf("the VRE_SECONDARY_LIST_LENGTH option is only compatible with a vRE simulation")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("must specify a valid port between 1 and 65535")
	}
	if n == 0 {
		return fmt.Errorf("no replicas specified")
	}
	if cfg.PotentialScalar1 < 0 || cfg.PotentialScalar2 < 0 {
		return fmt.Errorf("must specify two potential scalars both greater than or equal to 0")
	}
	if cfg.PotentialScalar1AfterThreshold < 0 || cfg.PotentialScalar2AfterThreshold < 0 {
		return fmt.Errorf("invalid 'after threshold' potential scalars")
	}
	if cfg.CancellationThreshold > 0 && cfg.Coordinate == Spatial && !cfg.NeedSampleData {
		return fmt.Errorf("cannot do energy cancellation without sample data; please specify NEEDSAMPLEDATA in the script file")
	}
	if !ld.sawNodeTime || !ld.sawChangeTime || !ld.sawSnapshotTime || !ld.sawTimeout {
		return fmt.Errorf("must specify node time, replica change time, snapshot save interval, and job timeout")
	}
	if err := ld.validateCircular(); err != nil {
		return err
	}
	if cfg.AllottedTimeForServer > 0 && cfg.MobilityTime > int(cfg.AllottedTimeForServer) {
		return fmt.Errorf("mobility_time must be less than allotted_time_for_server")
	}
	if cfg.AllottedTimeForServer > 0 && cfg.MobilityRequiredTimeGain > int(cfg.AllottedTimeForServer) {
		return fmt.Errorf("the server can never go mobile: required time gain exceeds the allotted time")
	}

	if cfg.Coordinate == Temperature {
		for i := 0; i < n-1; i++ {
			if cfg.Replicas[i].W-cfg.Replicas[i+1].W < minNominalGap {
				return fmt.Errorf("replica temperature must be unique and go in descending order")
			}
		}
	} else {
		for i := 0; i < n-1; i++ {
			if cfg.Replicas[i+1].W-cfg.Replicas[i].W < minNominalGap {
				return fmt.Errorf("replica w coordinates must be unique and go in ascending order")
			}
		}
	}

	cfg.NSamplesPerRun = cfg.Replicas[0].SamplingSteps
	for i := 1; i < n; i++ {
		if cfg.Replicas[i].SamplingSteps != cfg.NSamplesPerRun {
			return fmt.Errorf("replicas must all have the same number of sample steps per run")
		}
	}

	// Temperature coordinates are carried internally as beta.
	if cfg.Coordinate == Temperature {
		for i := range cfg.Replicas {
			cfg.Replicas[i].W = 1.0 / (cfg.Replicas[i].W * BoltzmannConstant)
			if math.IsNaN(ld.starts[i]) {
				cfg.Replicas[i].WStart = cfg.Replicas[i].W
			} else {
				cfg.Replicas[i].WStart = 1.0 / (cfg.Replicas[i].WStart * BoltzmannConstant)
			}
		}
	}

	if !ld.sawRunningReplicas {
		cfg.MinUnsuspendedReplica = 0
		cfg.MaxUnsuspendedReplica = n - 1
	}
	if cfg.MaxUnsuspendedReplica > n-1 {
		cfg.MaxUnsuspendedReplica = n - 1
	}

	if cfg.NSamesystemUncoupled != 1 {
		if cfg.NSamesystemUncoupled == 0 {
			return fmt.Errorf("N_SAMESYSTEM_UNCOUPLED equal to zero means there is no reaction coordinate at all")
		}
		if cfg.Coordinate == Temperature {
			return fmt.Errorf("N_SAMESYSTEM_UNCOUPLED greater than one is nonsensical with a TEMPERATURE coordinate")
		}
		if n%int(cfg.NSamesystemUncoupled) != 0 {
			return fmt.Errorf("N_SAMESYSTEM_UNCOUPLED must be an exact integer factor of the number of nominal positions")
		}
		if cfg.MinUnsuspendedReplica != 0 || cfg.MaxUnsuspendedReplica != n-1 {
			return fmt.Errorf("it is not possible to suspend any replicas while using N_SAMESYSTEM_UNCOUPLED != 1")
		}
		for i := 1; i < n; i++ {
			if cfg.Replicas[i].SamplingSteps != cfg.Replicas[0].SamplingSteps ||
				cfg.Replicas[i].SamplingRuns != cfg.Replicas[0].SamplingRuns {
				return fmt.Errorf("sampling runs and steps must be equal at every nominal position when using N_SAMESYSTEM_UNCOUPLED != 1")
			}
		}
	}
	return nil
}

func (ld *loader) validateCircular() error {
	cfg := ld.cfg
	if !cfg.Circular {
		return nil
	}
	n := len(cfg.Replicas)
	if cfg.Coordinate == Temperature {
		return fmt.Errorf("circular replica coordinate is nonsensical with temperature replicas")
	}
	if n <= 2 {
		return fmt.Errorf("circular replica coordinate requires more than two replicas")
	}
	if cfg.Move == NoMoves {
		return fmt.Errorf("circular replica coordinate is nonsensical without exchanges")
	}
	if cfg.PotentialScalar2 != 0 || cfg.PotentialScalar2AfterThreshold != 0 {
		return fmt.Errorf("for CIRCULAR simulations, the second parameters of POTENTIALSCALAR and CANCELLATION should be 0.0")
	}
	if cfg.NLigands != 1 {
		return fmt.Errorf("circular replica coordinate does not support more than one ligand")
	}
	if cfg.CircularEqualityDistance < 0 {
		return fmt.Errorf("circular replica requires circular_greater_equality > circular_lesser_equality")
	}
	r := cfg.Replicas
	if cfg.Move != MonteCarlo {
		firstGap := r[1].W - r[0].W
		lastGap := r[n-1].W - r[n-2].W
		wrapGap := r[0].W - r[n-1].W + cfg.CircularEqualityDistance
		if firstGap != lastGap || firstGap != wrapGap {
			return fmt.Errorf("circular coordinates with non-MonteCarlo moves require uniform spacing including across the identification boundary")
		}
	}
	if r[0].W-(r[1].W-r[0].W) >= cfg.CircularLesserEquality ||
		r[n-1].W+(r[n-1].W-r[n-2].W) <= cfg.CircularGreaterEquality {
		return fmt.Errorf("circular replica settings will not generate any first-to-last moves")
	}
	return nil
}

func eqFold(a, b string) bool { return strings.EqualFold(a, b) }

// atof matches the permissive C parsing of JOB fields: a field with no
// leading number parses as zero.
func atof(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var prefix float64
		if _, serr := fmt.Sscanf(s, "%g", &prefix); serr == nil {
			return prefix
		}
		return 0
	}
	return v
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseFloat(fields []string, i int, dst *float64) error {
	if i >= len(fields) {
		return fmt.Errorf("%s: missing parameter %d", fields[0], i)
	}
	v, err := strconv.ParseFloat(fields[i], 64)
	if err != nil {
		return fmt.Errorf("%s: bad parameter %q", fields[0], fields[i])
	}
	*dst = v
	return nil
}

func parseUint(fields []string, i int, dst *uint) error {
	if i >= len(fields) {
		return fmt.Errorf("%s: missing parameter %d", fields[0], i)
	}
	v, err := strconv.ParseUint(fields[i], 10, 32)
	if err != nil {
		return fmt.Errorf("%s: bad parameter %q", fields[0], fields[i])
	}
	*dst = uint(v)
	return nil
}

func parseInt(fields []string, i int, dst *int) error {
	if i >= len(fields) {
		return fmt.Errorf("%s: missing parameter %d", fields[0], i)
	}
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return fmt.Errorf("%s: bad parameter %q", fields[0], fields[i])
	}
	*dst = v
	return nil
}

func parseInt64(fields []string, i int, dst *int64) error {
	if i >= len(fields) {
		return fmt.Errorf("%s: missing parameter %d", fields[0], i)
	}
	v, err := strconv.ParseInt(fields[i], 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad parameter %q", fields[0], fields[i])
	}
	*dst = v
	return nil
}
