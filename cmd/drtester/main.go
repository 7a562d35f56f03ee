// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command drtester exercises a running server end to end with a toy
// sampling system: one simulated worker per node slot, each looping
// through handshake, sampling, and round submission until the server
// runs out of work. The physics is a one-dimensional particle in a
// flat landscape with optional noise — enough to drive every move
// algorithm without a real simulation engine.
//
// Usage:
//
//	drtester <ip|localhost> <script> [-n noise] [-s sleep_us] [-v] [-r Nworkers] [-e exactInputFile]
package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/dr/internal/ui"
	"github.com/kraklabs/dr/pkg/script"
)

// testerSeed makes every run reproducible, like the reference tester.
const testerSeed = 3454545

type options struct {
	includeNoise int
	sleepTime    int
	verbose      bool
	nWorkers     int
	exactInput   string
}

// exactSamples feeds sample values from a file instead of the noise
// model; workers consume it round-robin.
type exactSamples struct {
	vals []float32
	next atomic.Int64
}

func (e *exactSamples) sample() float32 {
	if len(e.vals) == 0 {
		return 0
	}
	i := e.next.Add(1) - 1
	return e.vals[int(i)%len(e.vals)]
}

func main() {
	opt := options{includeNoise: 1, sleepTime: 100000}
	flag.IntVarP(&opt.includeNoise, "noise", "n", opt.includeNoise, "0 = no noise, otherwise noisy samples")
	flag.IntVarP(&opt.sleepTime, "sleep", "s", opt.sleepTime, "Microseconds to sleep between rounds")
	flag.BoolVarP(&opt.verbose, "verbose", "v", false, "Log every round")
	flag.IntVarP(&opt.nWorkers, "workers", "r", 0, "Simulated workers (default: one per node slot)")
	flag.StringVarP(&opt.exactInput, "exact", "e", "", "File of exact sample values to send instead of noise")
	flag.Parse()

	if flag.NArg() != 2 {
		ui.Errorf("usage: drtester <ip|localhost> <script> [-n noise] [-s sleep_us] [-v] [-r Nworkers] [-e exactInputFile]")
		os.Exit(1)
	}
	host := flag.Arg(0)
	cfg, err := script.Load(flag.Arg(1))
	if err != nil {
		ui.Fatalf("%v", err)
	}

	if cfg.NSamplesPerRun > 1 && opt.includeNoise == 0 && opt.exactInput == "" {
		ui.Warnf("more than one sample per run without noise produces degenerate data; enable -n or supply -e")
	}
	if cfg.NSamplesPerRun <= 1 && opt.includeNoise != 0 {
		ui.Warnf("noise requires more than one sample per run; disabling it")
		opt.includeNoise = 0
	}

	var exact *exactSamples
	if opt.exactInput != "" {
		vals, err := readExactInput(opt.exactInput)
		if err != nil {
			ui.Fatalf("%v", err)
		}
		exact = &exactSamples{vals: vals}
	}

	nWorkers := opt.nWorkers
	if nWorkers <= 0 {
		nWorkers = cfg.NNodes()
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Port)

	total := int64(0)
	for _, r := range cfg.Replicas {
		total += int64(r.SamplingRuns)
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("sampling rounds"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	ui.Infof("drtester driving %s with %d workers (%v/%v)", addr, nWorkers, cfg.Coordinate, cfg.Move)
	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		w := newWorker(i, addr, cfg, opt, exact, bar)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}
	wg.Wait()
	_ = bar.Finish()
	ui.Successf("all workers finished")
}

func readExactInput(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exact input file: %w", err)
	}
	defer f.Close()
	var vals []float32
	for {
		var v float32
		if _, err := fmt.Fscan(f, &v); err != nil {
			break
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("exact input file %s holds no values", path)
	}
	return vals, nil
}
