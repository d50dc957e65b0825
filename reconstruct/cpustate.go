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

package reconstruct

// CPUState is the mutable reconstruction state for one CPU: the stack of
// whichever PID currently owns it, the span under construction, and the
// handful of single-slot buffers (PC sample, pstate, mwait) that need to
// see one more event before they can be emitted as a span.
type CPUState struct {
	CPU       int
	Stack     *Stack // the currently-scheduled PID's stack; swapped at context switch
	CurSpan   Span
	ValidSpan bool

	CtxSwitchTS int64 // nonzero while a context switch is pending a scheduler return
	OldPID      int
	NewPID      int

	PriorPCSampTS     int64
	PriorPstateTS     int64
	PriorPstateFreq   int64
	MwaitPending      int64 // nonzero exit latency argument of the most recent mwait

	PendingQueueWait *queueWait // set by a Dequeue, flushed once this CPU's next event reveals its RPC (§4.2.11)
}

// queueWait is a dequeued-but-not-yet-attributed queue-wait interval,
// waiting for the RPC it belongs to to become known.
type queueWait struct {
	queue   int
	startTS int64
	endTS   int64
	name    string
}

func newCPUState(cpu int) *CPUState {
	return &CPUState{CPU: cpu}
}
