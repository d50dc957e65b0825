// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Binary kutrace-pipeline fuses decode and reconstruction into a single
// process, the in-process equivalent of piping rawtoevent into
// eventtospan: a decode goroutine writes tracetext lines into an io.Pipe
// as it decodes each block, and a reconstruct goroutine scans them out the
// other end and feeds the span engine, running concurrently rather than
// staging the whole trace through a file in between.
package main

import (
	"bufio"
	"flag"
	"io"
	"os"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/google/kutrace/nametable"
	"github.com/google/kutrace/rawblock"
	"github.com/google/kutrace/reconstruct"
	"github.com/google/kutrace/spanjson"
	"github.com/google/kutrace/tracetext"
)

var (
	input      = flag.String("input", "", "Raw KUtrace binary file; stdin if empty.")
	output     = flag.String("output", "", "Span JSON file to write; stdout if empty.")
	title      = flag.String("title", "KUtrace", "Title recorded in the output JSON's metadata.")
	nominalMHz = flag.Float64("nominal_mhz", 54, "Expected clock rate, for 32-bit counter wraparound realignment.")
	maxCPUs    = flag.Int("max_cpus", 80, "Highest CPU number the trace can mention, plus one.")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Exitf("kutrace-pipeline: %v", err)
	}
}

func run() error {
	in := os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	pr, pw := io.Pipe()

	var g errgroup.Group
	g.Go(func() error { return decodeStage(in, pw, *nominalMHz) })

	doc := spanjson.New(spanjson.Metadata{
		Title:       *title,
		AxisLabelX:  "Time (sec)",
		AxisLabelY:  "CPU",
		ShortUnitsX: "s",
		ShortMulX:   1,
		ThousandsX:  1000,
		Version:     3,
	})
	var mbitSec int64
	g.Go(func() error {
		mbit, err := reconstructStage(pr, *maxCPUs, doc)
		mbitSec = mbit
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	doc.SetMbitSec(mbitSec)

	w := bufio.NewWriter(out)
	if err := doc.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// decodeStage decodes r's binary block stream, writing tracetext lines to
// pw, and always closes pw (with the decode error, if any, so the reader
// side observes it too).
func decodeStage(r io.Reader, pw *io.PipeWriter, nominalMHz float64) error {
	d := rawblock.NewDecoder(nominalMHz)
	emit := func(ev tracetext.Event) error {
		if ev.IsName {
			return tracetext.WriteName(pw, ev.Nsec10, ev.Event, ev.Arg, ev.Name)
		}
		return tracetext.WriteEvent(pw, ev)
	}
	stats, err := d.DecodeAll(r, emit)
	if err != nil {
		pw.CloseWithError(err)
		return err
	}
	log.Infof("kutrace-pipeline: decoded %d blocks, %d events, %d cpus, %d pids",
		stats.Blocks, stats.Events, len(stats.UniqueCPUs), len(stats.UniquePIDs))
	return pw.Close()
}

// reconstructStage scans tracetext lines from pr, running them through a
// fresh reconstruction engine whose spans are appended to doc, and returns
// the link speed in effect at the end of the trace.
func reconstructStage(pr *io.PipeReader, maxCPUs int, doc *spanjson.Builder) (int64, error) {
	names := nametable.New()
	eng := reconstruct.NewEngine(maxCPUs, func(s reconstruct.Span) error {
		doc.Add(s)
		return nil
	}, names.MethodName)

	sc := tracetext.NewScanner(pr)
	var lastTS int64
	for {
		ev, ok, err := sc.Scan()
		if err != nil {
			pr.CloseWithError(err)
			return 0, err
		}
		if !ok {
			break
		}
		if ev.IsName {
			if kind, ok := nametable.KindForEvent(ev.Event); ok {
				names.Set(nametable.Key{Kind: kind, Item: int(ev.Arg)}, ev.Name)
			}
			continue
		}
		if ev.Nsec10 > lastTS {
			lastTS = ev.Nsec10
		}
		if err := eng.Process(reconstruct.FromText(ev)); err != nil {
			pr.CloseWithError(err)
			return 0, err
		}
	}
	if err := eng.Flush(lastTS); err != nil {
		return 0, err
	}
	return eng.MbitSec(), nil
}
