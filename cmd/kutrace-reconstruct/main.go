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
// Binary kutrace-reconstruct reads tracetext events and reconstructs them
// into the JSON span document a viewer renders: per-CPU execution spans,
// wait/lock/frequency overlays, and correlated RPC message spans.
package main

import (
	"bufio"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/google/kutrace/nametable"
	"github.com/google/kutrace/reconstruct"
	"github.com/google/kutrace/spanjson"
	"github.com/google/kutrace/tracetext"
)

var (
	input  = flag.String("input", "", "Tracetext file to reconstruct; stdin if empty.")
	output = flag.String("output", "", "Span JSON file to write; stdout if empty.")
	title  = flag.String("title", "KUtrace", "Title recorded in the output JSON's metadata.")
	maxCPUs = flag.Int("max_cpus", 80, "Highest CPU number the trace can mention, plus one.")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Exitf("kutrace-reconstruct: %v", err)
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

	names := nametable.New()
	doc := spanjson.New(spanjson.Metadata{
		Title:       *title,
		AxisLabelX:  "Time (sec)",
		AxisLabelY:  "CPU",
		ShortUnitsX: "s",
		ShortMulX:   1,
		ThousandsX:  1000,
		Version:     3,
	})

	eng := reconstruct.NewEngine(*maxCPUs, func(s reconstruct.Span) error {
		doc.Add(s)
		return nil
	}, names.MethodName)

	sc := tracetext.NewScanner(bufio.NewReader(in))
	var lastTS int64
	var count int
	for {
		ev, ok, err := sc.Scan()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if ev.IsName {
			if err := recordName(names, ev); err != nil {
				return err
			}
			continue
		}
		if ev.Nsec10 > lastTS {
			lastTS = ev.Nsec10
		}
		if err := eng.Process(reconstruct.FromText(ev)); err != nil {
			return err
		}
		count++
	}
	if err := eng.Flush(lastTS); err != nil {
		return err
	}
	doc.SetMbitSec(eng.MbitSec())

	w := bufio.NewWriter(out)
	if err := doc.Write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Infof("kutrace-reconstruct: processed %d events", count)
	return nil
}

// recordName interns a name-definition line into the reconstructor's own
// name table; tracetext carries these inline in the event stream rather
// than as a side channel, so the reconstructor builds its table as it
// reads rather than sharing the decoder's.
func recordName(names *nametable.Table, ev tracetext.Event) error {
	kind, ok := nametable.KindForEvent(ev.Event)
	if !ok {
		return nil
	}
	names.Set(nametable.Key{Kind: kind, Item: int(ev.Arg)}, ev.Name)
	return nil
}
