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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/kutrace/kutrace"
	"github.com/google/kutrace/tracetext"
)

// encodeBlockToBytes serializes a Block's words back into the raw 64KB byte
// layout ReadBlock expects, for tests that exercise DecodeAll's block
// boundary handling rather than DecodeBlock directly.
func encodeBlockToBytes(b *Block) []byte {
	raw := make([]byte, WordsPerBlock*8)
	for i, w := range b.Words {
		binary.LittleEndian.PutUint64(raw[i*8:i*8+8], w)
	}
	return raw
}

// asciiWord packs up to the first 8 bytes of s into a little-endian uint64,
// matching how decodeNameEvent/the pid preamble lay out a NUL-padded name.
func asciiWord(s string) uint64 {
	var w uint64
	for i := 0; i < len(s) && i < 8; i++ {
		w |= uint64(s[i]) << (8 * i)
	}
	return w
}

// eventWord packs one trace word in the on-disk layout DecodeBlock expects:
// a 20-bit timestamp, 12-bit event number, 8-bit deltaT, 8-bit retval, and a
// 16-bit arg.
func eventWord(t uint64, n kutrace.EventNum, deltaT, retvalByte uint8, arg uint16) uint64 {
	return (t << 44) | (uint64(n) << 32) | (uint64(deltaT) << 24) | (uint64(retvalByte) << 16) | uint64(arg)
}

// firstBlock builds a minimal, valid first block: cpu 3, pid-99 preamble
// named "proc", a syscall-name definition for syscall 5 ("read"), and one
// optimized syscall call/return-fused event referencing it.
func firstBlock() *Block {
	words := make([]uint64, WordsPerBlock)
	words[0] = uint64(3) << 56 // cpu 3, baseCycle 0
	words[1] = uint64(3) << 56 // flags: version 3, no IPC, no wraparound
	words[2] = 0               // startCycles
	words[3] = 0               // startUsec
	words[4] = 1000000         // stopCycles
	words[5] = 10000            // stopUsec (100MHz exactly)

	words[8] = 99 // pid preamble: pid 99
	words[10] = asciiWord("proc")

	// Name-definition event for syscall 5, kind nibble 0x8 (Syscall64Name),
	// length 2 (one payload word) -> n = (2<<4)|0x8 = 0x28.
	words[12] = eventWord(100, kutrace.EventNum(0x28), 0, 0, 5)
	words[13] = asciiWord("read")

	// Optimized call: Syscall64 | 5, deltaT=5 cycles later, retval=2, arg=7.
	words[14] = eventWord(110, kutrace.Syscall64|5, 5, 2, 7)

	return &Block{Words: words}
}

func TestDecodeBlockFirstBlock(t *testing.T) {
	d := NewDecoder(100)
	var events []tracetext.Event
	emit := func(ev tracetext.Event) error {
		events = append(events, ev)
		return nil
	}
	if err := d.DecodeBlock(firstBlock(), emit); err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}

	var call *tracetext.Event
	for i := range events {
		if events[i].Event == kutrace.Syscall64|5 {
			call = &events[i]
		}
	}
	if call == nil {
		t.Fatalf("no syscall call event emitted; events = %+v", events)
	}
	if call.Name != "read" {
		t.Errorf("call.Name = %q, want %q", call.Name, "read")
	}
	if call.Retval != 2 {
		t.Errorf("call.Retval = %d, want 2", call.Retval)
	}
	if call.Arg != 7 {
		t.Errorf("call.Arg = %d, want 7", call.Arg)
	}
	if call.Duration <= 0 {
		t.Errorf("call.Duration = %d, want > 0 (optimized call/return)", call.Duration)
	}
	if call.CPU != 3 {
		t.Errorf("call.CPU = %d, want 3", call.CPU)
	}
	if call.PID != 99 {
		t.Errorf("call.PID = %d, want 99", call.PID)
	}

	if got, want := d.Stats.Blocks, 1; got != want {
		t.Errorf("Stats.Blocks = %d, want %d", got, want)
	}
	if !d.Stats.UniqueCPUs[3] {
		t.Errorf("Stats.UniqueCPUs missing cpu 3")
	}
	if !d.Stats.UniquePIDs[99] {
		t.Errorf("Stats.UniquePIDs missing pid 99")
	}
}

func TestDecodeBlockEmitsPidPreambleName(t *testing.T) {
	d := NewDecoder(100)
	var names []tracetext.Event
	emit := func(ev tracetext.Event) error {
		if ev.IsName {
			names = append(names, ev)
		}
		return nil
	}
	if err := d.DecodeBlock(firstBlock(), emit); err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	var found bool
	for _, ev := range names {
		if ev.Event == kutrace.PIDName && ev.Arg == 99 && ev.Name == "proc" {
			found = true
		}
	}
	if !found {
		t.Errorf("no PIDName record for pid 99 \"proc\"; names = %+v", names)
	}
}

func TestDecodeBlockRejectsCorruptBlock(t *testing.T) {
	d := NewDecoder(100)
	b := firstBlock()
	b.Words[1] = uint64(2) << 56 // version 2: too old, Valid() fails
	err := d.DecodeBlock(b, func(tracetext.Event) error { return nil })
	if err == nil {
		t.Fatal("DecodeBlock on corrupt block returned nil error")
	}
}

func TestDecodeAllSkipsCorruptBlocksButContinues(t *testing.T) {
	d := NewDecoder(100)

	good := firstBlock()
	goodRaw := encodeBlockToBytes(good)

	bad := firstBlock()
	bad.Words[1] = uint64(2) << 56 // version 2: invalid, should be skipped not fatal
	badRaw := encodeBlockToBytes(bad)

	stream := append(append([]byte{}, goodRaw...), badRaw...)

	var count int
	emit := func(tracetext.Event) error { count++; return nil }
	stats, err := d.DecodeAll(bytes.NewReader(stream), emit)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if stats.Blocks != 1 {
		t.Errorf("stats.Blocks = %d, want 1 (corrupt second block should be skipped, not counted)", stats.Blocks)
	}
}
