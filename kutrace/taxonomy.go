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
// Package kutrace holds the bit-exact KUtrace event-number taxonomy: the
// constants a raw trace word's 12-bit event field can carry, and the
// predicates the decoder and reconstructor use to classify an event
// without a giant switch at every call site.
package kutrace

// EventNum is a packed KUtrace event number. Values 0..0xFFF come directly
// from the 12-bit event field of a raw trace word. Values 0x10000..0x1FFFF
// name user-mode execution of a PID (0x10000 | pid). 0x20000 names a
// synthesized C-state exit span. Negative values are reconstructor-only
// drawing sentinels with no wire representation (e.g. wakeup arcs).
type EventNum int

// Name/metadata event kinds, demultiplexed by the low nibble (or, for
// KUTRACE_PACKETNAME, bit 8) of a 0x001..0x1FF variable-length event. Word
// count is the middle nibble, bits 4..7.
const (
	FileName      EventNum = 0x001
	PIDName       EventNum = 0x002
	MethodName    EventNum = 0x003
	TrapName      EventNum = 0x004
	InterruptName EventNum = 0x005
	TimePair      EventNum = 0x006
	KernelVerName EventNum = 0x007
	Syscall64Name EventNum = 0x008
	ModelName     EventNum = 0x009
	HostName      EventNum = 0x00A
	QueueName     EventNum = 0x00B
	Syscall32Name EventNum = 0x00C
	LockName      EventNum = 0x00D
	PacketName    EventNum = 0x100

	VarlenLo EventNum = 0x010
	VarlenHi EventNum = 0x1FF
)

// Point events, 0x200..0x3FF: zero-duration occurrences that do not by
// themselves bracket a span.
const (
	UserPID    EventNum = 0x200 // context switch; arg = incoming pid
	RPCIDReq   EventNum = 0x201
	RPCIDResp  EventNum = 0x202
	RPCIDMid   EventNum = 0x203
	RPCIDRXMsg EventNum = 0x204 // synthetic: RX message span (correlator output)
	RPCIDTXMsg EventNum = 0x205 // synthetic: TX message span (correlator output)
	Runnable   EventNum = 0x206 // make-runnable / wakeup
	IPI        EventNum = 0x207
	Mwait      EventNum = 0x208
	Pstate     EventNum = 0x209 // sample-after frequency change (x86)
	MarkA      EventNum = 0x20A
	MarkB      EventNum = 0x20B
	MarkC      EventNum = 0x20C
	MarkD      EventNum = 0x20D
	Pstate2    EventNum = 0x20F // notify-before frequency change (ARM)

	LockNoAcquire EventNum = 0x210 // try & fail
	LockAcquire   EventNum = 0x211
	LockWakeup    EventNum = 0x212 // release-with-wake

	RXPkt     EventNum = 0x213 // kernel saw a packet hash (RX)
	TXPkt     EventNum = 0x214 // kernel saw a packet hash (TX)
	RXUser    EventNum = 0x215 // user code saw a packet hash (RX)
	TXUser    EventNum = 0x216 // user code saw a packet hash (TX)
	Enqueue   EventNum = 0x217
	Dequeue   EventNum = 0x218
	MbitSec   EventNum = 0x219 // network link speed override
	LockTry   EventNum = 0x21A // synthetic: dotted contended-lock span
	LockHeld  EventNum = 0x21B // synthetic: solid lock-held span

	WaitA EventNum = 0x240 // WaitA..WaitA+25 (a..z) are synthetic wait overlays
	WaitZ EventNum = WaitA + 25

	PCUser   EventNum = 0x280
	PCKernel EventNum = 0x281
	PCTemp   EventNum = 0x282 // not yet resolved kernel/user
)

// Call/return bands, 0x400..0xFFF.
const (
	TrapCall    EventNum = 0x400
	IRQCall     EventNum = 0x500
	TrapReturn  EventNum = 0x600
	IRQReturn   EventNum = 0x700
	Syscall64   EventNum = 0x800
	Sysret64    EventNum = 0xA00
	Syscall32   EventNum = 0xC00
	Sysret32    EventNum = 0xE00
	LargestNonPID EventNum = 0xFFF

	// Synthesized scheduler call/return, used to bracket time spent inside
	// the scheduler when no explicit syscall wraps it.
	SchedSyscall EventNum = 0x9FF
	SchedSysret  EventNum = 0xBFF

	DummyTrap EventNum = 0x4FF
	DummyIRQ  EventNum = 0x5FF
)

// User-mode execution and C-exit pseudo-events.
const (
	UserExecBase EventNum = 0x10000 // | pid
	IdlePID                = 0
	IdleEvent    EventNum  = UserExecBase | IdlePID
	CExitEvent   EventNum  = 0x20000
)

// ArcNum is the reconstructor-only sentinel event number for a wakeup arc
// span: a drawing primitive with no wire representation, negative so it can
// never collide with a real event number.
const ArcNum EventNum = -3

const (
	callMask    EventNum = 0xC00
	retMask     EventNum = 0x200
	typeMask    EventNum = 0xF00
	callRetMask EventNum = 0xE00
)

// PidToEvent returns the user-mode-execution event number for pid.
func PidToEvent(pid int) EventNum { return UserExecBase | EventNum(pid&0xFFFF) }

// EventToPid recovers the pid from a user-mode-execution event number.
func EventToPid(e EventNum) int { return int(e & 0xFFFF) }

// IsNameDef reports whether e is a variable-length name/metadata event.
func IsNameDef(e EventNum) bool { return VarlenLo <= e && e <= VarlenHi }

// IsPointEvent reports whether e is a point event in 0x200..0x3FF.
func IsPointEvent(e EventNum) bool { return UserPID <= e && e < TrapCall }

// IsKernelMode reports whether e denotes kernel-mode execution (a call,
// return, or the idle-exclusive pseudo-events above it).
func IsKernelMode(e EventNum) bool { return TrapCall <= e && e < IdleEvent }

// IsUserExec reports whether e names user-mode execution of some PID
// (including the idle task).
func IsUserExec(e EventNum) bool { return e&0xF0000 == UserExecBase }

// IsUserExecNonIdle reports user-mode execution excluding the idle task.
func IsUserExecNonIdle(e EventNum) bool { return IsUserExec(e) && e != IdleEvent }

// IsIdle reports whether e is the idle task's user-mode-execution event.
func IsIdle(e EventNum) bool { return e == IdleEvent }

// IsCall reports whether e is an (unreturned) call event: trap, IRQ, or
// syscall entry.
func IsCall(e EventNum) bool {
	if e > LargestNonPID {
		return false
	}
	if e&callMask == 0 {
		return false
	}
	return e&retMask == 0
}

// IsReturn reports whether e is a call-return event.
func IsReturn(e EventNum) bool {
	if e > LargestNonPID {
		return false
	}
	if e&callMask == 0 {
		return false
	}
	return e&retMask != 0
}

// IsCallOrReturn reports whether e is any call/return event.
func IsCallOrReturn(e EventNum) bool {
	if e > LargestNonPID {
		return false
	}
	return e&callMask != 0
}

// IsSyscall reports whether e is a 64- or 32-bit syscall call; syscall
// returns do not match.
func IsSyscall(e EventNum) bool {
	return e&callRetMask == Syscall64 || e&callRetMask == Syscall32
}

// MatchingReturn returns the return event number for call event e.
func MatchingReturn(e EventNum) EventNum { return e | retMask }

// MatchingCall returns the call event number for return event e.
func MatchingCall(e EventNum) EventNum { return e &^ retMask }

// IsBottomHalf reports whether e is a call/return to/from the soft-IRQ
// bottom-half dispatcher, which gets a "BH:<name>" name suffix.
func IsBottomHalf(e EventNum) bool { return e&^retMask == 0x5FF }

// NestLevel returns the call-stack nesting level an event must occupy:
// user=0, syscall=1, trap=2, IRQ=3, scheduler=4. A call is only legal if it
// strictly increases the nesting level of the current stack top.
func NestLevel(e EventNum) int {
	if e > LargestNonPID {
		return 0 // user-mode pid
	}
	if e == SchedSyscall || e == SchedSysret {
		return 4
	}
	if e&callRetMask == Syscall64 || e&callRetMask == Syscall32 {
		return 1
	}
	if e&typeMask == TrapCall || e&typeMask == TrapReturn {
		return 2
	}
	if e&typeMask == IRQCall || e&typeMask == IRQReturn {
		return 3
	}
	return 1 // shouldn't happen; treat as a syscall
}

// OnlyInKernelMode reports whether observing event e proves the CPU must
// have been executing in kernel mode at that instant.
func OnlyInKernelMode(e EventNum) bool {
	switch {
	case e&typeMask == TrapReturn:
	case e&typeMask == IRQReturn:
	case e&callRetMask == Sysret64:
	case e&callRetMask == Sysret32:
	case e == UserPID, e == Runnable, e == IPI, e == Pstate, e == Pstate2:
	case e == PCKernel:
	case e == SchedSyscall, e == SchedSysret:
	default:
		return false
	}
	return true
}

// OnlyInUserMode reports whether observing event e proves the CPU must
// have been executing in user mode at that instant.
func OnlyInUserMode(e EventNum) bool {
	switch {
	case e&callRetMask == Syscall64:
	case e&callRetMask == Syscall32:
	case e == Mwait, e == MarkA, e == MarkB, e == MarkC, e == MarkD:
	default:
		return false
	}
	return true
}

// IsWakeup reports a make-runnable point event.
func IsWakeup(e EventNum) bool { return e == Runnable }

// IsContextSwitch reports a KUTRACE_USERPID point event.
func IsContextSwitch(e EventNum) bool { return e == UserPID }

// IsMwait reports an mwait/wfi point event.
func IsMwait(e EventNum) bool { return e == Mwait }

// IsMark reports any of the four mark point events.
func IsMark(e EventNum) bool { return MarkA <= e && e <= MarkD }

// IsMarkABC reports mark_a, mark_b or mark_c, which carry a base-40 label.
func IsMarkABC(e EventNum) bool { return e == MarkA || e == MarkB || e == MarkC }

// IsLockEvent reports one of the three raw lock point events.
func IsLockEvent(e EventNum) bool { return LockNoAcquire <= e && e <= LockWakeup }

// IsPstate reports either pstate variant.
func IsPstate(e EventNum) bool { return e == Pstate || e == Pstate2 }

// IsPCSample reports a (possibly not-yet-resolved) PC sample.
func IsPCSample(e EventNum) bool { return e == PCUser || e == PCKernel || e == PCTemp }

// IsRPCPoint reports REQ/RESP/MID, the three input RPC point events.
func IsRPCPoint(e EventNum) bool { return RPCIDReq <= e && e <= RPCIDMid }

// IsRPCReqResp reports REQ or RESP specifically (not MID).
func IsRPCReqResp(e EventNum) bool { return e == RPCIDReq || e == RPCIDResp }

// IsEnqueue/IsDequeue report the two queue point events.
func IsEnqueue(e EventNum) bool { return e == Enqueue }
func IsDequeue(e EventNum) bool { return e == Dequeue }

// IsRawPacketHash reports a kernel-side packet-hash sighting (RX or TX).
func IsRawPacketHash(e EventNum) bool { return e == RXPkt || e == TXPkt }

// IsUserPacketHash reports a user-side packet-hash sighting (RX or TX).
func IsUserPacketHash(e EventNum) bool { return e == RXUser || e == TXUser }
