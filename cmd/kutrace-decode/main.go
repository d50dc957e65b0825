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
// Binary kutrace-decode turns a raw KUtrace binary block stream into the
// line-oriented tracetext format, logging a summary of what it saw through
// glog's info log when it's done.
package main

import (
	"bufio"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/google/kutrace/rawblock"
	"github.com/google/kutrace/tracetext"
)

var (
	input      = flag.String("input", "", "Raw KUtrace binary file to decode; stdin if empty.")
	output     = flag.String("output", "", "Tracetext file to write; stdout if empty.")
	nominalMHz = flag.Float64("nominal_mhz", 54, "Expected clock rate, for 32-bit counter wraparound realignment.")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Exitf("kutrace-decode: %v", err)
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
	w := bufio.NewWriter(out)
	defer w.Flush()

	d := rawblock.NewDecoder(*nominalMHz)
	var events []tracetext.Event
	emit := func(ev tracetext.Event) error {
		events = append(events, ev)
		return nil
	}

	stats, err := d.DecodeAll(in, emit)
	if err != nil {
		return err
	}
	log.Infof("kutrace-decode: %d blocks, %d events, %d cpus, %d pids, %d context switches",
		stats.Blocks, stats.Events, len(stats.UniqueCPUs), len(stats.UniquePIDs), stats.ContextSwitches)

	flags := d.FirstBlockFlags()
	if err := tracetext.WriteHeader(w, tracetext.Header{
		Version: flags.Version(),
		Flags:   uint64(flags),
		LoSec:   float64(stats.LoNsec10) * 1e-8,
		HiSec:   float64(stats.HiNsec10) * 1e-8,
	}); err != nil {
		return err
	}
	for _, ev := range events {
		if ev.IsName {
			if err := tracetext.WriteName(w, ev.Nsec10, ev.Event, ev.Arg, ev.Name); err != nil {
				return err
			}
			continue
		}
		if err := tracetext.WriteEvent(w, ev); err != nil {
			return err
		}
	}
	return w.Flush()
}
