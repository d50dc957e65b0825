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
// Package spanjson assembles the reconstructor's §6.3 JSON document: a
// metadata object plus an "events" array of arrays, one per span, each
// [start_sec, dur_sec, cpu, pid, rpc, event, arg, retval, ipc, name] with
// times expressed as floating-point seconds relative to the trace's base
// minute. A [999.0, 0.0, ...] row always terminates the array so a
// streaming HTML viewer knows it has seen everything even if the
// surrounding object is still arriving.
package spanjson

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"github.com/google/kutrace/reconstruct"
)

// nsec10PerSec converts 10ns units to seconds.
const nsec10PerSec = 1e-8

// Metadata holds the document-level fields that accompany the events
// array (§6.3); the three name fields and MbitSec are omitted from the
// JSON entirely when empty/zero, matching the spec's "optionally" keys.
type Metadata struct {
	Comment     string
	AxisLabelX  string
	AxisLabelY  string
	Flags       uint64
	ShortUnitsX string
	ShortMulX   int
	ThousandsX  int
	Title       string
	TraceBase   string // ISO8601 timestamp of the base minute
	Version     int

	KernelVersion string
	CPUModelName  string
	HostName      string
	MbitSec       int64
}

// document is the wire shape written to JSON; field order here is cosmetic
// (JSON object key order carries no meaning) but chosen to read the way a
// human-authored one would, metadata first.
type document struct {
	Comment     string `json:"Comment"`
	AxisLabelX  string `json:"axisLabelX"`
	AxisLabelY  string `json:"axisLabelY"`
	Flags       uint64 `json:"flags"`
	RandomID    string `json:"randomid"`
	ShortUnitsX string `json:"shortUnitsX"`
	ShortMulX   int    `json:"shortMulX"`
	ThousandsX  int    `json:"thousandsX"`
	Title       string `json:"title"`
	TraceBase   string `json:"tracebase"`
	Version     int    `json:"version"`

	KernelVersion string `json:"kernelVersion,omitempty"`
	CPUModelName  string `json:"cpuModelName,omitempty"`
	HostName      string `json:"hostName,omitempty"`
	MbitSec       int64  `json:"mbit_sec,omitempty"`

	Events [][]interface{} `json:"events"`
}

// endMarker is the sentinel row every document's events array ends with.
func endMarker() []interface{} {
	return []interface{}{999.0, 0.0, 0, 0, 0, 0, 0, 0, 0, ""}
}

// Builder accumulates spans in the order they're emitted by the
// reconstructor and assembles them into one JSON document. A randomid is
// minted once per Builder (github.com/google/uuid), replacing the C
// original's time(NULL)^getpid() scramble with a proper UUID.
type Builder struct {
	meta     Metadata
	randomID string
	rows     [][]interface{}
}

// New returns an empty Builder carrying meta.
func New(meta Metadata) *Builder {
	return &Builder{meta: meta, randomID: uuid.New().String()}
}

// SetMbitSec records the link speed to report as JSON metadata (§4.3,
// §6.3 "mbit_sec"); callers typically pass reconstruct.Engine.MbitSec
// once reconstruction is complete.
func (b *Builder) SetMbitSec(mbit int64) { b.meta.MbitSec = mbit }

// Add appends one span as an events-array row.
func (b *Builder) Add(s reconstruct.Span) {
	b.rows = append(b.rows, []interface{}{
		nsec10ToSec(s.StartTS),
		nsec10ToSec(s.Duration),
		s.CPU, s.PID, s.RPC, int(s.EventNum), s.Arg, s.Retval, s.IPC, s.Name,
	})
}

func nsec10ToSec(n int64) float64 { return float64(n) * nsec10PerSec }

// Write marshals the accumulated document (metadata plus events, always
// terminated by the [999.0, ...] end marker) to w, bracketed properly even
// if the caller stops adding spans partway through a run (§7: "partial
// JSON output is still bracketed properly so viewers do not crash").
func (b *Builder) Write(w io.Writer) error {
	doc := document{
		Comment:       b.meta.Comment,
		AxisLabelX:    b.meta.AxisLabelX,
		AxisLabelY:    b.meta.AxisLabelY,
		Flags:         b.meta.Flags,
		RandomID:      b.randomID,
		ShortUnitsX:   b.meta.ShortUnitsX,
		ShortMulX:     b.meta.ShortMulX,
		ThousandsX:    b.meta.ThousandsX,
		Title:         b.meta.Title,
		TraceBase:     b.meta.TraceBase,
		Version:       b.meta.Version,
		KernelVersion: b.meta.KernelVersion,
		CPUModelName:  b.meta.CPUModelName,
		HostName:      b.meta.HostName,
		MbitSec:       b.meta.MbitSec,
		Events:        append(append([][]interface{}{}, b.rows...), endMarker()),
	}
	enc := json.NewEncoder(w)
	return enc.Encode(doc)
}
