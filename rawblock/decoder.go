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

package rawblock

import (
	"fmt"
	"io"

	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/kutrace/base40"
	"github.com/google/kutrace/kutrace"
	"github.com/google/kutrace/nametable"
	"github.com/google/kutrace/tracetext"
)

// MaxCPUs bounds the per-CPU state arrays the decoder keeps; a block header
// naming a CPU outside this range is treated as corrupt.
const MaxCPUs = 80

var softIRQName = [16]string{
	"hi", "timer", "tx", "rx", "block", "irq_p", "taskl", "sched",
	"hrtim", "rcu", "", "", "", "", "", "",
}

// specialName supplies the display suffix for the 0x201..0x212 band of
// "special" point events (see kutrace.IsPointEvent).
var specialName = map[kutrace.EventNum]string{
	kutrace.RPCIDReq:      "rpcreq",
	kutrace.RPCIDResp:     "rpcresp",
	kutrace.RPCIDMid:      "rpcmid",
	kutrace.RPCIDRXMsg:    "rpcrxmsg",
	kutrace.RPCIDTXMsg:    "rpctxmsg",
	kutrace.Runnable:      "runnable",
	kutrace.IPI:           "sendipi",
	kutrace.Mwait:         "mwait",
	kutrace.Pstate:        "pstate",
	kutrace.MarkA:         "mark_a",
	kutrace.MarkB:         "mark_b",
	kutrace.MarkC:         "mark_c",
	kutrace.MarkD:         "mark_d",
	kutrace.Pstate2:       "pstate2",
	kutrace.LockNoAcquire: "locktry",
	kutrace.LockAcquire:   "lockacquire",
	kutrace.LockWakeup:    "lockwakeup",
}

// nameKindOf demultiplexes the low nibble (or, for packet names, bit 8) of
// a variable-length name event into the nametable Kind that owns it.
func nameKindOf(n kutrace.EventNum) (nametable.Kind, bool) {
	return nametable.KindForEvent(n)
}

// Stats accumulates summary counters across a decode run, matching the
// counts rawtoevent prints to its error stream.
type Stats struct {
	Events         uint64
	Blocks         int
	UniqueCPUs     map[int]bool
	UniquePIDs     map[int]bool
	ContextSwitches uint64
	Marks          uint64
	LoNsec10       int64
	HiNsec10       int64
}

func newStats() *Stats {
	return &Stats{
		UniqueCPUs: make(map[int]bool),
		UniquePIDs: make(map[int]bool),
		LoNsec10:   1<<62 - 1,
	}
}

// Decoder holds the cross-block state needed to decode a KUtrace binary
// stream into text events: the time-mapping parameters fixed by the first
// block, the name table, and the per-CPU current-pid/current-rpc tracking
// that lets every event line carry its owning pid even though pid only
// appears explicitly at context switches.
type Decoder struct {
	NominalMHz float64

	params       TimeParams
	names        *nametable.Table
	currentPID   [MaxCPUs]int
	currentRPC   [MaxCPUs]int
	haveParams   bool
	firstFlags   Flags
	blockNumber  int
	lastBaseCycle [MaxCPUs]uint64
	seenCPU      [MaxCPUs]bool
	Stats        *Stats
}

// NewDecoder returns a Decoder ready to process a trace from its first
// block. nominalMHz is the platform's expected clock rate, used only for
// 32-bit counter re-alignment (rawblock.NewTimeParams).
func NewDecoder(nominalMHz float64) *Decoder {
	return &Decoder{
		NominalMHz: nominalMHz,
		names:      nametable.New(),
		Stats:      newStats(),
	}
}

// Names returns the decoder's accumulating name table, for a caller that
// needs to resolve a method or PID name without re-parsing the
// name-definition records itself.
func (d *Decoder) Names() *nametable.Table { return d.names }

// FirstBlockFlags returns the capture flags recorded by the trace's first
// block, for a caller writing out a tracetext.Header.
func (d *Decoder) FirstBlockFlags() Flags { return d.firstFlags }

// Emit is called once per decoded line: either a name-definition record or
// a full event record.
type Emit func(tracetext.Event) error

// DecodeBlock decodes one block, emitting its name and event records via
// emit. It returns a DataLoss-coded error for a corrupt block (caller
// should warn and skip, per §7 error kind 2) or a FailedPrecondition-coded
// error for an out-of-order block-start timestamp (caller should treat as
// fatal, per §7 error kind 1).
func (d *Decoder) DecodeBlock(b *Block, emit Emit) error {
	isFirst := d.blockNumber == 0
	if !b.Valid(isFirst, MaxCPUs) {
		return status.Errorf(codes.DataLoss, "rawblock: corrupt block %d", d.blockNumber)
	}

	flags := b.BlockFlags()
	cpu := b.CPU()
	baseCycle := b.BaseCycle()

	if isFirst {
		startCycles := int64(b.Words[2])
		startUsec := int64(b.Words[3])
		stopCycles := int64(b.Words[4])
		stopUsec := int64(b.Words[5])
		d.params = NewTimeParams(startCycles, startUsec, stopCycles, stopUsec, d.NominalMHz)
		d.haveParams = true
		d.firstFlags = flags
	}
	if !d.haveParams {
		return status.Errorf(codes.FailedPrecondition, "rawblock: block %d has no time params", d.blockNumber)
	}

	if d.seenCPU[cpu] && baseCycle < d.lastBaseCycle[cpu] {
		return status.Errorf(codes.FailedPrecondition,
			"rawblock: out-of-order block start on cpu %d: %d after %d", cpu, baseCycle, d.lastBaseCycle[cpu])
	}
	d.lastBaseCycle[cpu] = baseCycle
	d.seenCPU[cpu] = true
	d.Stats.UniqueCPUs[cpu] = true
	d.Stats.Blocks++

	firstRealEntry := 2
	if isFirst {
		firstRealEntry = 8
	}

	prepend := baseCycle &^ 0xFFFFF
	keepJustNames := d.firstFlags.HasWraparound() && isFirst

	// Per-block PID preamble: pid, unused, 16-byte name packed into two words.
	pid := int(b.Words[firstRealEntry] & 0xFFFF)
	nameBytes := make([]byte, 16)
	putWordLE(nameBytes[0:8], b.Words[firstRealEntry+2])
	putWordLE(nameBytes[8:16], b.Words[firstRealEntry+3])
	pidName := cString(nameBytes)
	if pid == 0 {
		pidName = "-idle-"
	}
	d.names.Set(nametable.Key{Kind: nametable.KindPID, Item: pid}, pidName)
	d.Stats.UniquePIDs[pid] = true

	nsec10 := d.params.Nsec10(baseCycle)
	if err := emit(tracetext.Event{
		Nsec10: nsec10, Duration: 1,
		Event: kutrace.PIDName, Arg: int64(pid), Name: pidName, IsName: true,
	}); err != nil {
		return err
	}

	if d.currentPID[cpu] != pid {
		d.Stats.ContextSwitches++
	}
	d.currentPID[cpu] = pid

	if !keepJustNames {
		// This context switch also serves as the CPU's init event on its
		// very first block, giving the reconstructor an explicit starting
		// pid instead of an implicit unknown one.
		displayName := appendPid(pidName, pid)
		ev := tracetext.Event{
			Nsec10: nsec10, Duration: 1, Event: kutrace.UserPID,
			CPU: cpu, PID: pid, Name: displayName,
		}
		if err := emit(ev); err != nil {
			return err
		}
		d.Stats.Events++
	}
	firstRealEntry += 4

	firstTimestamp := b.Words[firstRealEntry] >> 44
	if wrapped(firstTimestamp, baseCycle) {
		prepend -= 0x100000
	}
	priorT := firstTimestamp

	for i := firstRealEntry; i < WordsPerBlock; i++ {
		word := b.Words[i]
		if word == 0 {
			continue
		}
		if word == 0xFFFFFFFFFFFFFFFF {
			break
		}

		t := word >> 44
		n := kutrace.EventNum((word >> 32) & 0xFFF)
		arg := int64(word & 0xFFFF)
		deltaT := (word >> 24) & 0xFF
		retval := int64(int8((word >> 16) & 0xFF)) // sign-extend optimized retval

		if n == 0xFFF {
			continue
		}

		if kutrace.IsMarkABC(n) || n == kutrace.MarkD {
			d.Stats.Marks++
		}

		if wrapped(priorT, t) {
			prepend += 0x100000
		}
		priorT = t
		tfull := prepend | t
		evNsec10 := d.params.Nsec10(tfull)

		if n == kutrace.RPCIDReq || n == kutrace.RPCIDMid {
			d.currentRPC[cpu] = int(arg)
		}
		if n == kutrace.RPCIDResp {
			d.currentRPC[cpu] = 0
		}

		if kutrace.IsNameDef(n) {
			if err := d.decodeNameEvent(b, i, n, arg, evNsec10, emit); err != nil {
				return err
			}
			length := int((n >> 4) & 0xF)
			if length >= 1 {
				i += length - 1
			}
			continue
		}

		if keepJustNames {
			continue
		}

		if evNsec10 < d.Stats.LoNsec10 {
			d.Stats.LoNsec10 = evNsec10
		}
		if evNsec10 > d.Stats.HiNsec10 {
			d.Stats.HiNsec10 = evNsec10
		}

		if kutrace.IsContextSwitch(n) {
			newPID := int(arg)
			d.Stats.UniquePIDs[newPID] = true
			if d.currentPID[cpu] != newPID {
				d.Stats.ContextSwitches++
			}
			d.currentPID[cpu] = newPID
		}

		duration := int64(0)
		name := d.eventDisplayName(n, arg)

		isOptCall := deltaT > 0 && kutrace.IsCall(n)
		if isOptCall {
			duration = d.params.Nsec10(tfull+deltaT) - evNsec10
			if duration == 0 {
				duration = 1
			}
		} else {
			retval = 0
		}

		if kutrace.IsPointEvent(n) && n >= kutrace.RPCIDReq && n <= kutrace.LockWakeup {
			if special, ok := specialName[n]; ok {
				name = appendName(name, special)
			}
			arg = int64(word & 0xFFFFFFFF)
			if n >= kutrace.RPCIDReq && n <= kutrace.RPCIDTXMsg {
				name = appendPid(name, int(arg))
			}
			if duration == 0 {
				duration = 1
			}
		}

		if kutrace.IsReturn(n) {
			retval = arg
			arg = 0
		}

		if kutrace.IsBottomHalf(n) {
			name += ":" + softIRQName[arg&0x000F]
		}

		if kutrace.IsMarkABC(n) {
			name += "=" + base40.Decode(uint64(arg))
		}

		ev := tracetext.Event{
			Nsec10: evNsec10, Duration: duration, Event: n, CPU: cpu,
			PID: d.currentPID[cpu], RPC: d.currentRPC[cpu],
			Arg: arg, Retval: retval, Name: name,
		}
		if b.IPC != nil {
			ev.IPC = int(b.IPC[i])
		}
		if err := emit(ev); err != nil {
			return err
		}
		d.Stats.Events++
	}

	d.blockNumber++
	return nil
}

// eventDisplayName resolves the human-readable name for a call, return, or
// user-mode-execution event, before any special-event or bottom-half
// suffix is appended.
func (d *Decoder) eventDisplayName(n kutrace.EventNum, arg int64) string {
	switch {
	case kutrace.IsReturn(n):
		callEvent := kutrace.MatchingCall(n)
		if name, err := d.names.Lookup(syscallKey(callEvent)); err == nil {
			return "/" + name
		}
		return ""
	case kutrace.IsUserExecNonIdle(n) || kutrace.IsIdle(n):
		pid := kutrace.EventToPid(n)
		return appendPid(d.names.PIDName(pid), pid)
	case kutrace.IsContextSwitch(n):
		pid := int(arg)
		return appendPid(d.names.PIDName(pid), pid)
	case kutrace.IsEnqueue(n) || kutrace.IsDequeue(n):
		return d.names.LookupOrNumber(nametable.Key{Kind: nametable.KindQueue, Item: int(arg)})
	case kutrace.IsLockEvent(n):
		return d.names.LookupOrNumber(nametable.Key{Kind: nametable.KindLock, Item: int(arg)})
	default:
		if name, err := d.names.Lookup(syscallKey(n)); err == nil {
			return name
		}
		return ""
	}
}

// syscallKey maps a call/return event number to the nametable key its name
// was registered under (trap, interrupt, or syscall number tables).
func syscallKey(n kutrace.EventNum) nametable.Key {
	switch {
	case n&0xE00 == kutrace.Syscall64:
		return nametable.Key{Kind: nametable.KindSyscall64, Item: int(n & 0x1FF)}
	case n&0xE00 == kutrace.Syscall32:
		return nametable.Key{Kind: nametable.KindSyscall32, Item: int(n & 0x1FF)}
	case n&0xF00 == kutrace.TrapCall || n&0xF00 == kutrace.TrapReturn:
		return nametable.Key{Kind: nametable.KindTrap, Item: int(n & 0xFF)}
	default:
		return nametable.Key{Kind: nametable.KindInterrupt, Item: int(n & 0xFF)}
	}
}

// decodeNameEvent handles a variable-length name/metadata event: it pulls
// the NUL-padded ASCII payload out of the following words, records it in
// the name table (unless it is a timepair, which carries no name), and
// emits a name-definition record twice — once at its real timestamp and
// once at ts=-1 so a stable sort always surfaces names before any event
// that references them.
func (d *Decoder) decodeNameEvent(b *Block, i int, n kutrace.EventNum, arg int64, nsec10 int64, emit Emit) error {
	length := int((n >> 4) & 0xF)
	if length < 1 || length > 8 {
		log.Warningf("rawblock: name event with implausible length %d, skipping", length)
		return nil
	}
	if n&^0x0F0 == kutrace.TimePair {
		return nil
	}

	payload := make([]byte, (length-1)*8)
	for w := 0; w < length-1 && i+1+w < WordsPerBlock; w++ {
		putWordLE(payload[w*8:w*8+8], b.Words[i+1+w])
	}
	name := cString(payload)

	kind, ok := nameKindOf(n)
	if !ok {
		return nil
	}
	item := int(arg)
	if kind == nametable.KindPID {
		item = int(arg & 0xFFFF)
		if item == 0 {
			name = "-idle-"
		}
	}
	key := nametable.Key{Kind: kind, Item: item}
	d.names.Set(key, name)

	event := tracetext.Event{Nsec10: nsec10, Duration: 1, Event: n, Arg: int64(item), Name: name, IsName: true}
	if err := emit(event); err != nil {
		return err
	}
	dup := event
	dup.Nsec10 = -1
	return emit(dup)
}

// wrapped reports whether timestamp now is a truncated wraparound of prior:
// high bit of prior is 1 and high bit of now is 0, within the 20-bit field.
func wrapped(prior, now uint64) bool {
	return (prior&^now)&0x80000 != 0
}

func putWordLE(dst []byte, w uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(w >> (8 * i))
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// appendPid appends ".<pid>" to name if not already present, matching the
// original's AppendPid.
func appendPid(name string, pid int) string {
	suffix := fmt.Sprintf(".%d", pid&0xFFFF)
	if len(name) >= len(suffix) {
		for i := 0; i+len(suffix) <= len(name); i++ {
			if name[i:i+len(suffix)] == suffix {
				return name
			}
		}
	}
	return name + suffix
}

func appendName(base, suffix string) string {
	if base == "" {
		return suffix
	}
	return base + suffix
}

// DecodeAll reads blocks from r until EOF, decoding each through emit. It
// returns the accumulated Stats and the first fatal error encountered, if
// any; corrupt individual blocks are warned about (not returned) and
// skipped.
func (d *Decoder) DecodeAll(r io.Reader, emit Emit) (*Stats, error) {
	for {
		b, err := ReadBlock(r)
		if err == io.EOF {
			return d.Stats, nil
		}
		if err != nil {
			return d.Stats, err
		}
		if err := d.DecodeBlock(b, emit); err != nil {
			if status.Code(err) == codes.FailedPrecondition {
				return d.Stats, err
			}
			log.Warningf("rawblock: skipping block %d: %v", d.blockNumber, err)
			d.blockNumber++
			continue
		}
	}
}
