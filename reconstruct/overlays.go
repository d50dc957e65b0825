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

import (
	"fmt"

	"github.com/google/kutrace/kutrace"
)

// minWaitNsec10 suppresses wait overlays shorter than 100ns (§4.2.8: "If
// the gap exceeds 100 ns a wait span is emitted"), matching the original's
// kMIN_WAIT_DURATION.
const minWaitNsec10 = 10

// waitNames gives the display name for each WaitA..WaitZ letter offset.
var waitNames = [26]string{
	'c' - 'a': "wait_cpu",
	't' - 'a': "wait_timer",
	'm' - 'a': "wait_memory",
	'l' - 'a': "wait_lock",
	'p' - 'a': "wait_pipe",
	'k' - 'a': "wait_tasklet",
	'n' - 'a': "wait_net",
	'd' - 'a': "wait_disk",
	's' - 'a': "wait_sched",
}

// waitLetterForRoutine classifies the kernel routine currently on top of a
// stack into a wait-reason letter, the same mapping WaitBeforeWakeup used to
// decide why a PID was off-CPU. A blank return means "no overlay": the
// routine isn't one of the recognized waiting points.
func waitLetterForRoutine(name string) byte {
	switch name {
	case "local_timer_vector", "arch_timer", "BH:timer", "BH:hrtim", "BH:rcu":
		return 't'
	case "page_fault", "mmap", "munmap", "mprotect":
		return 'm'
	case "futex":
		return 'l'
	case "writev", "write", "sendto":
		return 'p'
	case "BH:hi", "BH:taskl":
		return 'k'
	case "BH:tx", "BH:rx":
		return 'n'
	case "BH:block", "BH:irq_p", "syncfs":
		return 'd'
	case "BH:sched":
		return 's'
	}
	if len(name) >= 7 && name[:7] == "kworker" {
		return 'p'
	}
	return 0
}

// makeWaitSpan builds a wait_* overlay: a span with CPU -1 attributed to pid
// (and its rpc) spanning from one tick after its last execution up to the
// waking event, mirroring MakeWaitSpan's "start late" convention so HTML
// searches can still find the bracketing real events.
func makeWaitSpan(letter byte, startTS, endTS int64, pid, rpc int) Span {
	if letter < 'a' {
		letter = 'a'
	}
	if letter > 'z' {
		letter = 'z'
	}
	dur := endTS - startTS - 1
	if startTS == endTS {
		dur = 0
	}
	return Span{
		StartTS:  startTS + 1,
		Duration: dur,
		CPU:      -1,
		PID:      pid,
		RPC:      rpc,
		EventNum: kutrace.WaitA + kutrace.EventNum(letter-'a'),
		Name:     waitNames[letter-'a'],
	}
}

// waitOverlay returns the wait_* span explaining why targetPID was off-CPU
// until wakeup, or false if no waiting routine was recognized or the span
// would be below minWaitNsec10. priorEnd is the last instant targetPID was
// seen executing; routine is the name on top of the waking CPU's stack.
func waitOverlay(routine string, priorEnd, wakeupTS int64, pid, rpc int) (Span, bool) {
	letter := waitLetterForRoutine(routine)
	if letter == 0 {
		return Span{}, false
	}
	span := makeWaitSpan(letter, priorEnd, wakeupTS, pid, rpc)
	if span.Duration < minWaitNsec10 {
		return Span{}, false
	}
	return span, true
}

// makeArcSpan draws the wakeup arc connecting a make-runnable event to the
// point where the woken PID next executes (§4.2.9): start_ts and cpu come
// from the wakeup, arg carries the destination cpu, and duration is the
// scheduling latency between the two — a reconstructor-only drawing
// primitive (kutrace.ArcNum has no wire representation).
func makeArcSpan(wakeup, exec Event) Span {
	return Span{
		StartTS:  wakeup.StartTS,
		Duration: exec.StartTS - wakeup.StartTS,
		CPU:      wakeup.CPU,
		PID:      exec.PID,
		RPC:      exec.RPC,
		EventNum: kutrace.ArcNum,
		Arg:      int64(exec.CPU),
		Name:     "-wakeup-",
	}
}

// makeLockSpan builds a contended-lock overlay: dotted (LockTry) while
// waiting to acquire, solid (LockHeld) while held.
func makeLockSpan(held bool, startTS, endTS int64, pid, lockHash int, lockName string) Span {
	num := kutrace.LockTry
	if held {
		num = kutrace.LockHeld
	}
	return Span{
		StartTS:  startTS,
		Duration: endTS - startTS,
		CPU:      -1,
		PID:      pid,
		RPC:      -1,
		EventNum: num,
		Arg:      int64(lockHash),
		Name:     lockName,
	}
}

// makeRPCIDMidSpan marks resumption of a preempted in-progress RPC just
// after a context switch restores it, so the RPC's identity is visible even
// though no RPCIDReq/Resp bracket covers this portion of it.
func makeRPCIDMidSpan(startTS int64, cpu, pid, rpc int, methodName string) Span {
	return Span{
		StartTS:  startTS,
		Duration: 1,
		CPU:      cpu,
		PID:      pid,
		RPC:      rpc,
		EventNum: kutrace.RPCIDMid,
		Arg:      int64(rpc),
		Name:     fmt.Sprintf("%s.%d", methodName, rpc),
	}
}

// makeQueuedSpan marks time an RPC spent sitting in a work queue between
// enqueue and dequeue, attributed to the RPC only (no CPU or PID).
func makeQueuedSpan(startTS, endTS int64, queueNum, rpc int, queueName string) Span {
	return Span{
		StartTS:  startTS,
		Duration: endTS - startTS,
		CPU:      -1,
		PID:      -1,
		RPC:      rpc,
		EventNum: kutrace.Enqueue,
		Arg:      int64(queueNum),
		Name:     queueName,
	}
}

// makeFreqSpan records a pstate/frequency-change point event as a
// zero-overlay, zero-duration informational span.
func makeFreqSpan(ts int64, cpu int, freqMHz int64) Span {
	return Span{
		StartTS:  ts,
		Duration: 0,
		CPU:      cpu,
		EventNum: kutrace.Pstate,
		Arg:      freqMHz,
		Name:     "freq",
	}
}

// packLock packs a lock hash and PID into the single map key the contended-
// lock state machine uses to correlate LockNoAcquire/LockAcquire/LockWakeup
// events for the same lock instance.
func packLock(lockHash, pid int) uint64 {
	return uint64(uint32(pid)) | uint64(uint32(lockHash))<<32
}

// exitLatencyNsec10 converts an mwait argument's hundreds-of-nsec latency
// class into 10ns units via kLatencyTable, giving the plausible duration of
// the low-power exit this mwait is about to incur.
func exitLatencyNsec10(arg int64) int64 {
	idx := int(arg) & 0xFF
	return int64(latencyTable[idx]) * 10
}
