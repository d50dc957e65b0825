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

import "github.com/google/kutrace/kutrace"

// maxStackDepth is the five call-stack levels a CPU can nest through: user
// mode, syscall, trap/page-fault, IRQ, and scheduler.
const maxStackDepth = 5

// ambiguousNone marks a Stack that is not in an ambiguous state.
const ambiguousNone = -1

// Stack is one PID's kernel call stack, swapped in and out of a CPUState
// at every context switch. Frame 0 is always the user-mode frame for this
// PID; frames 1..4 hold nested syscall/trap/IRQ/scheduler calls.
type Stack struct {
	Top       int
	EventNum  [maxStackDepth]kutrace.EventNum
	Name      [maxStackDepth]string
	Ambiguous int // index of the frame below -sched-, or ambiguousNone
	RPCID     int
}

// newStack returns a fresh stack for pid, initialized with its user-mode
// frame at the bottom.
func newStack(pid int, name string) *Stack {
	s := &Stack{Ambiguous: ambiguousNone}
	s.EventNum[0] = kutrace.PidToEvent(pid)
	s.Name[0] = name
	return s
}

// push records a call event at the next stack level. It does not validate
// nesting; callers check NestLevel first (adjustForPush repairs a
// mismatch by synthesizing returns).
func (s *Stack) push(ev Event) {
	s.Top++
	if s.Top >= maxStackDepth {
		s.Top = maxStackDepth - 1
	}
	s.EventNum[s.Top] = ev.EventNum
	s.Name[s.Top] = ev.Name
}

// pop removes the top frame, leaving Top pointing at the now-current
// (resumed) frame.
func (s *Stack) pop() {
	if s.Top > 0 {
		s.Top--
	}
}

// adjustForPush repairs the stack before a call is pushed: if ev's nesting
// level does not exceed the current top's, synthesize returns (popping)
// until it does, matching AdjustStackForPush's role of never letting a
// call land below or at its caller's level. Returns the events that should
// be separately inserted as synthetic returns, oldest first.
func (s *Stack) adjustForPush(ev Event) []Event {
	var synth []Event
	wantLevel := kutrace.NestLevel(ev.EventNum)
	for s.Top > 0 && kutrace.NestLevel(s.EventNum[s.Top]) >= wantLevel {
		synth = append(synth, Event{
			StartTS: ev.StartTS, EventNum: kutrace.MatchingReturn(s.EventNum[s.Top]),
			CPU: ev.CPU, PID: ev.PID, RPC: ev.RPC,
			Name: "/" + s.Name[s.Top],
		})
		s.pop()
	}
	return synth
}

// adjustForPop repairs the stack before a return is processed: if the
// return does not match the event on top of the stack, synthesize a call
// for it first (so the subsequent pop has something to remove), matching
// AdjustStackForPop.
func (s *Stack) adjustForPop(ev Event) []Event {
	wantCall := kutrace.MatchingCall(ev.EventNum)
	if s.Top > 0 && s.EventNum[s.Top] == wantCall {
		return nil
	}
	// Unbalanced return: synthesize the missing call at the same timestamp
	// so the stack has a matching frame to pop.
	synth := Event{
		StartTS: ev.StartTS, EventNum: wantCall,
		CPU: ev.CPU, PID: ev.PID, RPC: ev.RPC,
		Name: ev.Name[1:], // strip the leading '/'
	}
	s.push(synth)
	return []Event{synth}
}

// markAmbiguousIfNested marks the stack ambiguous when a context switch
// arrives while still nested in kernel code below the scheduler frame:
// the scheduler must have been entered from within that routine rather
// than from a clean return-to-user, so the frame just below top cannot yet
// be resolved to user or kernel mode.
func (s *Stack) markAmbiguousIfNested() {
	s.Ambiguous = ambiguousNone
	if s.Top >= 2 {
		s.Ambiguous = s.Top - 1
	}
}

// depthAtEnd reports whether the stack is back to just its user frame, the
// end-of-trace stack-balance invariant (§8.1).
func (s *Stack) depthAtEnd() bool { return s.Top == 0 }
