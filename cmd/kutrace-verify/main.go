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
// Binary kutrace-verify loads a reconstructed span JSON document and
// checks it against the invariants a well-formed reconstruction must
// satisfy: every CPU's spans tile time with no gap and no overlap, and no
// span is left without a display name.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/Workiva/go-datastructures/augmentedtree"
	log "github.com/golang/glog"
)

var input = flag.String("input", "", "Span JSON file to verify; stdin if empty.")

func main() {
	flag.Parse()
	problems, err := run()
	if err != nil {
		log.Exitf("kutrace-verify: %v", err)
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

// row is one decoded events-array entry, matching spanjson's
// [start_sec, dur_sec, cpu, pid, rpc, event, arg, retval, ipc, name] tuple.
type row struct {
	startNsec10, durNsec10 int64
	cpu, pid, rpc, event   int
	name                   string
}

func run() ([]string, error) {
	in := os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	var doc struct {
		Events [][]interface{} `json:"events"`
	}
	if err := json.NewDecoder(in).Decode(&doc); err != nil {
		return nil, err
	}

	var rows []row
	for _, r := range doc.Events {
		parsed, ok := parseRow(r)
		if !ok {
			continue // the [999.0, 0.0, ...] end marker
		}
		rows = append(rows, parsed)
	}

	var problems []string
	problems = append(problems, checkNameCoverage(rows)...)
	problems = append(problems, checkTiling(rows)...)
	return problems, nil
}

// parseRow converts a JSON events-array entry into a row, reporting false
// for the terminating [999.0, 0.0, 0, 0, 0, 0, 0, 0, 0, ""] sentinel and
// for any row that does not have exactly 10 elements; the caller skips
// such rows without reporting them.
func parseRow(r []interface{}) (row, bool) {
	if len(r) != 10 {
		return row{}, false
	}
	startSec, _ := r[0].(float64)
	durSec, _ := r[1].(float64)
	if startSec == 999.0 {
		return row{}, false
	}
	out := row{
		startNsec10: int64(startSec * 1e8),
		durNsec10:   int64(durSec * 1e8),
		cpu:         asInt(r[2]),
		pid:         asInt(r[3]),
		rpc:         asInt(r[4]),
		event:       asInt(r[5]),
	}
	out.name, _ = r[9].(string)
	return out, true
}

func asInt(v interface{}) int {
	f, _ := v.(float64)
	return int(f)
}

// checkNameCoverage flags any on-CPU span (cpu >= 0) left with a blank
// display name: every real execution span should have resolved one, even
// if only a synthesized "#<n>" placeholder (§3.4).
func checkNameCoverage(rows []row) []string {
	var problems []string
	for _, r := range rows {
		if r.cpu >= 0 && r.name == "" {
			problems = append(problems, fmt.Sprintf(
				"cpu %d pid %d event %d at %d: span has no name", r.cpu, r.pid, r.event, r.startNsec10))
		}
	}
	return problems
}

// interval adapts a row to augmentedtree.Interval so each CPU's spans can
// be indexed and queried for overlaps, the generalization of
// analysis/sched_cpu_span_set.go's per-CPU tree of sleeping/waiting spans.
type interval struct {
	row
	id uint64
}

func (iv *interval) LowAtDimension(uint64) int64  { return iv.startNsec10 }
func (iv *interval) HighAtDimension(uint64) int64 { return iv.startNsec10 + iv.durNsec10 }
func (iv *interval) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return iv.HighAtDimension(d) > j.LowAtDimension(d) && j.HighAtDimension(d) > iv.LowAtDimension(d)
}
func (iv *interval) ID() uint64 { return iv.id }

// checkTiling verifies the §8.1 tiling invariant per CPU: spans sorted by
// start time touch end-to-end with no gap, and an interval-tree query
// confirms no pair of spans on the same CPU overlaps in time.
func checkTiling(rows []row) []string {
	var problems []string
	byCPU := map[int][]row{}
	for _, r := range rows {
		if r.cpu < 0 {
			continue // overlay, not attributed to a CPU's timeline
		}
		byCPU[r.cpu] = append(byCPU[r.cpu], r)
	}

	for cpu, spans := range byCPU {
		sort.Slice(spans, func(i, j int) bool { return spans[i].startNsec10 < spans[j].startNsec10 })

		tree := augmentedtree.New(1)
		for i, s := range spans {
			tree.Add(&interval{row: s, id: uint64(i) + 1})
		}
		for i, s := range spans {
			hits := tree.Query(&interval{row: s, id: 0})
			if len(hits) > 1 {
				problems = append(problems, fmt.Sprintf(
					"cpu %d: span at %d overlaps %d other span(s)", cpu, s.startNsec10, len(hits)-1))
			}
			if i > 0 {
				prev := spans[i-1]
				prevEnd := prev.startNsec10 + prev.durNsec10
				if prevEnd != s.startNsec10 {
					problems = append(problems, fmt.Sprintf(
						"cpu %d: gap of %d (10ns units) between span ending at %d and span starting at %d",
						cpu, s.startNsec10-prevEnd, prevEnd, s.startNsec10))
				}
			}
		}
	}
	return problems
}
