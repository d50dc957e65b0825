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
// Package reconstruct turns a time-sorted stream of tracetext.Event records
// into a tiled set of per-CPU spans: it tracks a five-level call stack per
// PID (user, syscall, trap/fault, IRQ, scheduler), closes the current span
// whenever a new event arrives, and synthesizes missing calls/returns so
// the stack never underflows.
package reconstruct

import (
	"github.com/google/kutrace/kutrace"
	"github.com/google/kutrace/tracetext"
)

// Event is one decoded trace occurrence, ready for stack reconstruction:
// tracetext.Event with its name/eventnum already resolved and its fields
// renamed to match the vocabulary the reconstruction algorithm uses.
type Event struct {
	StartTS  int64
	Duration int64
	EventNum kutrace.EventNum
	CPU      int
	PID      int
	RPC      int
	Arg      int64
	Retval   int64
	IPC      int
	Name     string
}

// FromText converts a decoded tracetext.Event into the Event shape the
// reconstruction engine consumes.
func FromText(te tracetext.Event) Event {
	return Event{
		StartTS: te.Nsec10, Duration: te.Duration, EventNum: te.Event,
		CPU: te.CPU, PID: te.PID, RPC: te.RPC,
		Arg: te.Arg, Retval: te.Retval, IPC: te.IPC, Name: te.Name,
	}
}

// maxDurationNsec10 and minDurationNsec10 clamp implausible span durations
// (§7 error kind 5): negative or beyond 8s is clamped to 10ns or 10ms.
const (
	minDurationNsec10 = 1        // 10 ns
	maxDurationNsec10 = 1_000_000 // 10 ms, in 10ns units
	maxPlausibleNsec10 = 800_000_000 // 8 s
)

// Span is one tile in a CPU's timeline: a PID executing at some stack
// level, an overlay (wait/lock/mwait/pstate), or a synthetic arc.
type Span struct {
	StartTS  int64 // 10ns units, relative to base minute
	Duration int64 // 10ns units
	CPU      int   // -1 for an overlay not attributed to any CPU
	PID      int
	RPC      int
	EventNum kutrace.EventNum
	Arg      int64
	Retval   int64
	IPC      int
	Name     string
}

// startSpan begins a new span at ev's start time, inheriting its
// cpu/pid/rpc/arg/retval/ipc/name/eventnum. Grounded on eventtospan3.cc's
// StartSpan: every call, return, and context-switch dispatch path in
// Engine.Process calls this to open the span that will later be closed by
// finishSpan.
func startSpan(ev Event) Span {
	return Span{
		StartTS:  ev.StartTS,
		CPU:      ev.CPU,
		PID:      ev.PID,
		RPC:      ev.RPC,
		EventNum: ev.EventNum,
		Arg:      ev.Arg,
		Retval:   ev.Retval,
		IPC:      ev.IPC,
		Name:     ev.Name,
	}
}

// finishSpan closes span at the start of the next event, clamping an
// implausible duration and reporting it (§7 error kind 5, §8.3).
func finishSpan(span *Span, next Event) {
	span.Duration = next.StartTS - span.StartTS
	if span.Duration < 0 || span.Duration > maxPlausibleNsec10 {
		reportImplausibleDuration(span, next)
		if span.Duration < 0 {
			span.Duration = minDurationNsec10
		} else {
			span.Duration = maxDurationNsec10
		}
	}
}
