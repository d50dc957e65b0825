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
	log "github.com/golang/glog"

	"github.com/google/kutrace/correlate"
	"github.com/google/kutrace/kutrace"
)

// minCexitNsec10 mirrors kMIN_CEXIT_DURATION: an mwait exit latency shorter
// than this isn't worth breaking the idle span to show.
const minCexitNsec10 = 10

// minLockNsec10 suppresses lock overlays shorter than 250ns (§4.2.10:
// "Intervals shorter than 250 ns are suppressed").
const minLockNsec10 = 25

// EmitSpan receives one finished span, in CPU/time order within a CPU but
// not necessarily across CPUs.
type EmitSpan func(Span) error

// Engine reconstructs per-CPU spans from a time-ordered event stream. It
// owns one CPUState per CPU and one saved Stack per PID (swapped in at every
// context switch), matching the teacher's cpustate[]/perPidState design.
type Engine struct {
	maxCPUs int
	cpus    []*CPUState
	stacks  map[int]*Stack // saved per-PID stack, across context switches
	names   map[int]string // most recently seen thread name for a PID

	priorPIDEnd    map[int]int64 // last instant a PID was seen executing
	priorPIDEvent  map[int]Event // last user-mode, call or return event mentioning a PID
	pidRunning     map[int]bool  // PIDs currently executing somewhere
	pendingWakeup  map[int]Event // most recent wakeup event, by woken PID
	lockPending    map[uint64]Event // packLock(hash,pid) -> latest LockNoAcquire or LockAcquire event
	enqueueStart   map[int]int64    // queue number -> enqueue timestamp, while not yet dequeued

	corr       *correlate.Correlator // RPC/packet correlator, fused in per §4.3
	methodName func(rpcid int) string
	mbitSec    int64 // KUTRACE_MBIT_SEC override, if any; reported as JSON metadata, not a span

	emit EmitSpan
}

// NewEngine returns an Engine with maxCPUs per-CPU states, all idle.
// methodName resolves an RPC id to its display name (nametable.Table.MethodName,
// typically); it may be nil, in which case correlated message spans and
// RPCIDMID resumptions carry a blank method name.
func NewEngine(maxCPUs int, emit EmitSpan, methodName func(rpcid int) string) *Engine {
	e := &Engine{
		maxCPUs:       maxCPUs,
		cpus:          make([]*CPUState, maxCPUs),
		stacks:        make(map[int]*Stack),
		names:         make(map[int]string),
		priorPIDEnd:   make(map[int]int64),
		priorPIDEvent: make(map[int]Event),
		pidRunning:    make(map[int]bool),
		pendingWakeup: make(map[int]Event),
		lockPending:   make(map[uint64]Event),
		enqueueStart:  make(map[int]int64),
		corr:          correlate.New(methodName),
		methodName:    methodName,
		mbitSec:       0,
		emit:          emit,
	}
	for i := range e.cpus {
		e.cpus[i] = newCPUState(i)
		e.cpus[i].Stack = newStack(0, "-idle-")
		e.cpus[i].CurSpan = Span{CPU: i, Name: "-idle-"}
	}
	return e
}

// MbitSec reports the link speed in effect, either the default 1000 or the
// value of the most recent KUTRACE_MBIT_SEC event, for the caller to
// surface as JSON metadata (§4.3, §6.3 "mbit_sec").
func (e *Engine) MbitSec() int64 {
	if e.mbitSec != 0 {
		return e.mbitSec
	}
	return 1000
}

// Process consumes one decoded event, closing the span it terminates and
// opening the next, emitting finished spans and any overlays (waits, locks,
// wakeup arcs) they imply.
func (e *Engine) Process(ev Event) error {
	if ev.CPU < 0 || ev.CPU >= e.maxCPUs {
		return nil
	}
	state := e.cpus[ev.CPU]

	if err := e.flushPendingQueueWait(state, ev); err != nil {
		return err
	}

	switch {
	case kutrace.IsContextSwitch(ev.EventNum):
		return e.processContextSwitch(state, ev)
	case ev.EventNum == kutrace.MbitSec:
		e.corr.SetMbitSec(ev.Arg)
		e.mbitSec = ev.Arg
		return nil // moved to JSON metadata, not emitted as a span (§4.3)
	case kutrace.IsRawPacketHash(ev.EventNum), kutrace.IsUserPacketHash(ev.EventNum), kutrace.IsRPCPoint(ev.EventNum):
		return e.processCorrelated(state, ev)
	case kutrace.IsEnqueue(ev.EventNum), kutrace.IsDequeue(ev.EventNum):
		return e.processEnqueueDequeue(state, ev)
	case kutrace.IsWakeup(ev.EventNum):
		return e.processWakeup(state, ev)
	case kutrace.IsMwait(ev.EventNum):
		state.MwaitPending = ev.Arg
		return e.advance(state, ev)
	case kutrace.IsPstate(ev.EventNum):
		return e.processPstate(state, ev)
	case kutrace.IsLockEvent(ev.EventNum):
		return e.processLock(state, ev)
	case kutrace.IsCall(ev.EventNum):
		return e.processCall(state, ev)
	case kutrace.IsReturn(ev.EventNum):
		return e.processReturn(state, ev)
	default:
		return e.advance(state, ev)
	}
}

// processCorrelated routes a raw packet-hash sighting or RPC id event
// through the correlator, emitting the synthetic RXMSG/TXMSG span it
// completes (if any), and records the thread's current RPC id on its
// stack so a later preemption/resumption can re-announce it (§4.2.4).
func (e *Engine) processCorrelated(state *CPUState, ev Event) error {
	hash := uint32(ev.Arg)
	switch ev.EventNum {
	case kutrace.RXPkt:
		e.corr.RXPacket(ev.StartTS, hash)
	case kutrace.RXUser:
		e.corr.RXUserPacket(ev.PID, hash)
	case kutrace.TXUser:
		e.corr.TXUserPacket(ev.PID, hash)
	case kutrace.TXPkt:
		if span, ok := e.corr.TXPacket(ev.StartTS, hash); ok {
			if err := e.emit(fromCorrelatedSpan(span)); err != nil {
				return err
			}
		}
	case kutrace.RPCIDReq, kutrace.RPCIDResp, kutrace.RPCIDMid:
		state.Stack.RPCID = int(ev.Arg & 0xFFFF)
		if ev.EventNum != kutrace.RPCIDMid {
			if span, ok := e.corr.RPCID(ev.PID, ev.Arg); ok {
				if err := e.emit(fromCorrelatedSpan(span)); err != nil {
					return err
				}
			}
		}
	}
	return e.advance(state, ev)
}

// fromCorrelatedSpan converts a correlate.Span (which carries no CPU,
// being derived from a kernel timestamp rather than owned by one) into a
// reconstruct.Span overlay.
func fromCorrelatedSpan(s correlate.Span) Span {
	return Span{
		StartTS: s.StartTS, Duration: s.Duration,
		CPU: -1, PID: s.PID, RPC: s.RPC,
		EventNum: s.EventNum, Name: s.Name,
	}
}

// processEnqueueDequeue tracks a queue number's enqueue timestamp and, on
// the matching dequeue, stashes a pending queue-wait interval on this CPU
// rather than emitting it immediately: the RPC it belongs to isn't known
// until the next event on this CPU reveals it (§4.2.11).
func (e *Engine) processEnqueueDequeue(state *CPUState, ev Event) error {
	queue := int(ev.Arg)
	if kutrace.IsEnqueue(ev.EventNum) {
		e.enqueueStart[queue] = ev.StartTS
	} else if start, ok := e.enqueueStart[queue]; ok {
		delete(e.enqueueStart, queue)
		state.PendingQueueWait = &queueWait{queue: queue, startTS: start, endTS: ev.StartTS, name: ev.Name}
	}
	return e.advance(state, ev)
}

// flushPendingQueueWait emits a CPU's deferred queue-wait span once the
// next event on that CPU reveals the RPC it belongs to (the tracetext
// decoder already stamps every event with the CPU's currently-associated
// RPC, so "next associated with a CPU" is simply the next event).
func (e *Engine) flushPendingQueueWait(state *CPUState, ev Event) error {
	pq := state.PendingQueueWait
	if pq == nil {
		return nil
	}
	state.PendingQueueWait = nil
	if ev.RPC == 0 {
		return nil
	}
	return e.emit(makeQueuedSpan(pq.startTS+1, pq.endTS, pq.queue, ev.RPC, pq.name))
}

// advance closes the CPU's current span at ev's start time and opens a new
// one for ev, tracking the per-PID bookkeeping (priorPIDEnd/priorPIDEvent/
// pidRunning) every path needs.
func (e *Engine) advance(state *CPUState, ev Event) error {
	if err := e.closeSpan(state, ev); err != nil {
		return err
	}
	resolveAmbiguous(state, ev)
	state.CurSpan = startSpan(ev)
	state.ValidSpan = true
	e.trackPID(state, ev)
	return nil
}

// closeSpan finishes the CPU's in-flight span against ev and emits it,
// unless none has been opened yet (first event on this CPU).
func (e *Engine) closeSpan(state *CPUState, ev Event) error {
	if !state.ValidSpan {
		return nil
	}
	finishSpan(&state.CurSpan, ev)
	return e.emit(state.CurSpan)
}

// trackPID records ev as the most recent sighting of its PID, for later
// wait-overlay and wakeup-arc reconstruction.
func (e *Engine) trackPID(state *CPUState, ev Event) {
	if ev.PID <= 0 {
		return
	}
	if kutrace.IsUserExecNonIdle(ev.EventNum) || kutrace.IsCallOrReturn(ev.EventNum) {
		e.priorPIDEnd[ev.PID] = ev.StartTS
		e.priorPIDEvent[ev.PID] = ev
	}
}

// processContextSwitch swaps the outgoing PID's stack out and the incoming
// PID's stack in, mirroring SwapStacks, then opens the incoming PID's span.
func (e *Engine) processContextSwitch(state *CPUState, ev Event) error {
	old := kutrace.EventToPid(state.Stack.EventNum[0])
	newPID := int(ev.Arg)

	if err := e.closeSpan(state, ev); err != nil {
		return err
	}
	resolveAmbiguous(state, ev)

	delete(e.pidRunning, old)
	e.swapStacks(state, old, newPID, ev.Name)
	e.pidRunning[newPID] = true

	state.OldPID = old
	state.NewPID = newPID
	ev.PID = newPID
	ev.EventNum = state.Stack.EventNum[state.Stack.Top]
	ev.Name = state.Stack.Name[state.Stack.Top]
	state.Stack.markAmbiguousIfNested()
	resumedRPC := state.Stack.RPCID

	if err := e.emitWaitCPUOverlay(ev, newPID, resumedRPC); err != nil {
		return err
	}
	if err := e.emitWakeupArc(ev, newPID); err != nil {
		return err
	}

	state.CurSpan = startSpan(ev)
	state.ValidSpan = true
	e.trackPID(state, ev)
	if resumedRPC != 0 {
		method := ""
		if e.methodName != nil {
			method = e.methodName(resumedRPC)
		}
		if err := e.emit(makeRPCIDMidSpan(ev.StartTS, ev.CPU, newPID, resumedRPC, method)); err != nil {
			return err
		}
	}
	return nil
}

// emitWaitCPUOverlay emits the scheduling-latency overlay §4.2.8's default
// "wait_cpu" case covers: the gap between newPID's last known end of
// execution and this context switch, mirroring eventtospan3.cc's
// unconditional MakeWaitSpan('c', priorPidEnd[pid], event.start_ts, ...)
// for every PID that starts executing, not just ones that were just woken
// (priorPIDEnd is itself advanced to the wakeup time by processWakeup, so a
// woken PID's wait_cpu naturally starts at its wakeup).
func (e *Engine) emitWaitCPUOverlay(ev Event, newPID, rpc int) error {
	priorEnd, ok := e.priorPIDEnd[newPID]
	if !ok {
		return nil
	}
	span := makeWaitSpan('c', priorEnd, ev.StartTS, newPID, rpc)
	if span.Duration < minWaitNsec10 {
		return nil
	}
	return e.emit(span)
}

// emitWakeupArc consumes newPID's pending wakeup (if any) and draws the arc
// connecting it to this exec, per §4.2.9: start_ts = wakeup.ts, duration =
// exec.ts - wakeup.ts, cpu = wakeup.cpu, arg = exec.cpu.
func (e *Engine) emitWakeupArc(ev Event, newPID int) error {
	wakeup, ok := e.pendingWakeup[newPID]
	if !ok {
		return nil
	}
	delete(e.pendingWakeup, newPID)
	return e.emit(makeArcSpan(wakeup, ev))
}

// swapStacks saves the outgoing PID's stack (unless it's idle) and restores
// (or creates) the incoming PID's stack onto state.
func (e *Engine) swapStacks(state *CPUState, oldPID, newPID int, newName string) {
	if oldPID == newPID {
		return
	}
	if oldPID != 0 {
		e.stacks[oldPID] = state.Stack
	}
	st, ok := e.stacks[newPID]
	if !ok {
		name := newName
		if n, seen := e.names[newPID]; seen {
			name = n
		}
		st = e.brandNewStack(newPID, name)
		e.stacks[newPID] = st
	}
	state.Stack = st
}

// brandNewStack builds the two-frame stack (user pid, -sched-) a
// never-before-seen PID gets when first context-switched in, matching
// BrandNewPid.
func (e *Engine) brandNewStack(pid int, name string) *Stack {
	st := newStack(pid, name)
	st.Name[0] = name
	if name == "" {
		st.Name[0] = "-idle-"
	}
	st.Top = 1
	st.EventNum[1] = kutrace.SchedSyscall
	st.Name[1] = "-sched-"
	return st
}

// processWakeup records the wakeup, keyed by the target PID, so that
// whenever that PID next executes (processContextSwitch) the wait_cpu
// overlay and wakeup arc of §4.2.8/§4.2.9 can be drawn from it; mirrors
// DoWakeup, and continues as a normal point event.
func (e *Engine) processWakeup(state *CPUState, ev Event) error {
	target := int(ev.Arg)
	if err := e.emitWaitOverlay(state, ev, target); err != nil {
		return err
	}
	e.pendingWakeup[target] = ev
	e.priorPIDEnd[target] = ev.StartTS + ev.Duration
	return e.advance(state, ev)
}

// emitWaitOverlay reconstructs why target was off-CPU until this wakeup, by
// classifying the routine on top of the waking CPU's stack, mirroring
// WaitBeforeWakeup.
func (e *Engine) emitWaitOverlay(state *CPUState, wakeup Event, target int) error {
	if _, ok := e.priorPIDEvent[target]; !ok {
		return nil
	}
	if e.pidRunning[target] {
		return nil
	}
	routine := state.Stack.Name[state.Stack.Top]
	rpc := e.priorPIDEvent[target].RPC
	span, ok := waitOverlay(routine, e.priorPIDEnd[target], wakeup.StartTS, target, rpc)
	if !ok {
		return nil
	}
	return e.emit(span)
}

// processPstate records a frequency-change point event as its own
// zero-duration informational span, then continues.
func (e *Engine) processPstate(state *CPUState, ev Event) error {
	if err := e.emit(makeFreqSpan(ev.StartTS, ev.CPU, ev.Arg)); err != nil {
		return err
	}
	return e.advance(state, ev)
}

// processLock drives the contended-lock overlay state machine: a
// LockNoAcquire/LockAcquire pair brackets the dotted "waiting to acquire"
// span; LockAcquire/LockWakeup brackets the solid "held" span.
func (e *Engine) processLock(state *CPUState, ev Event) error {
	key := packLock(int(ev.Arg), ev.PID)
	switch ev.EventNum {
	case kutrace.LockNoAcquire:
		e.lockPending[key] = ev
	case kutrace.LockAcquire:
		if start, ok := e.lockPending[key]; ok && ev.StartTS-start.StartTS >= minLockNsec10 {
			if err := e.emit(makeLockSpan(false, start.StartTS, ev.StartTS, ev.PID, int(ev.Arg), ev.Name)); err != nil {
				return err
			}
		}
		e.lockPending[key] = ev
	case kutrace.LockWakeup:
		if start, ok := e.lockPending[key]; ok && ev.StartTS-start.StartTS >= minLockNsec10 {
			if err := e.emit(makeLockSpan(true, start.StartTS, ev.StartTS, ev.PID, int(ev.Arg), ev.Name)); err != nil {
				return err
			}
		}
		delete(e.lockPending, key)
	}
	return e.advance(state, ev)
}

// processCall pushes a call frame, first repairing the stack (synthesizing
// returns) if ev doesn't legally nest under the current top, mirroring
// AdjustStackForPush.
func (e *Engine) processCall(state *CPUState, ev Event) error {
	for _, synth := range state.Stack.adjustForPush(ev) {
		if err := e.advance(state, synth); err != nil {
			return err
		}
	}
	if err := e.maybeFixupCexit(state, ev); err != nil {
		return err
	}
	if err := e.advance(state, ev); err != nil {
		return err
	}
	state.Stack.push(ev)
	return nil
}

// processReturn pops the matching call frame, first repairing the stack
// (synthesizing the missing call) if ev doesn't match the current top,
// mirroring AdjustStackForPop.
func (e *Engine) processReturn(state *CPUState, ev Event) error {
	for _, synth := range state.Stack.adjustForPop(ev) {
		if err := e.advance(state, synth); err != nil {
			return err
		}
	}
	if err := e.advance(state, ev); err != nil {
		return err
	}
	state.Stack.pop()
	if state.Stack.Top >= 2 {
		state.Stack.markAmbiguousIfNested()
	}
	return nil
}

// maybeFixupCexit turns a plain idle span into idle-then-c-exit when the
// CPU is about to leave mwait: if the pending idle span is long enough to
// plausibly contain the mwait exit latency, a synthetic c-exit call/return
// is inserted just before ev, mirroring FixupCexit.
func (e *Engine) maybeFixupCexit(state *CPUState, ev Event) error {
	if state.MwaitPending == 0 || !state.ValidSpan {
		return nil
	}
	pending := state.MwaitPending
	state.MwaitPending = 0
	if state.Stack.Top != 0 {
		return nil // not immediately after a switch to idle
	}
	exitLatency := exitLatencyNsec10(pending)
	spanSoFar := ev.StartTS - state.CurSpan.StartTS
	if spanSoFar < exitLatency {
		exitLatency = spanSoFar
	}
	if exitLatency < minCexitNsec10 {
		return nil
	}
	cexitStart := ev.StartTS - exitLatency
	if err := e.closeSpan(state, Event{StartTS: cexitStart, CPU: ev.CPU, PID: ev.PID}); err != nil {
		return err
	}
	state.CurSpan = Span{StartTS: cexitStart, CPU: ev.CPU, PID: ev.PID, EventNum: kutrace.CExitEvent, Name: "-c-exit-"}
	state.ValidSpan = true
	if err := e.closeSpan(state, ev); err != nil {
		return err
	}
	state.ValidSpan = false
	return nil
}

// Flush closes out every CPU's final in-flight span at endTS, for callers
// that know the trace's last timestamp.
func (e *Engine) Flush(endTS int64) error {
	for _, state := range e.cpus {
		if !state.ValidSpan {
			continue
		}
		if err := e.closeSpan(state, Event{StartTS: endTS, CPU: state.CPU}); err != nil {
			return err
		}
		state.ValidSpan = false
	}
	return nil
}

// reportImplausibleDuration warns about a span whose duration finishSpan
// had to clamp (§7 error kind 5): negative (out-of-order events) or beyond
// the 8-second plausibility ceiling.
func reportImplausibleDuration(span *Span, next Event) {
	if span.StartTS == 0 {
		return // front of trace for this CPU; not a real bug
	}
	log.Warningf("reconstruct: implausible span duration cpu=%d pid=%d start=%d next=%d",
		span.CPU, span.PID, span.StartTS, next.StartTS)
}
