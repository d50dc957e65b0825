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
	"io"
	"testing"
)

// rawBlockBytes builds one WordsPerBlock*8-byte raw block, with word0/word1
// set from cpu/flags/baseCycle/gettimeofdayUsec and the rest zero, optionally
// followed by an all-zero 8KB IPC block.
func rawBlockBytes(cpu int, flags Flags, baseCycle uint64, gettimeofdayUsec uint64, withIPC bool) []byte {
	buf := make([]byte, WordsPerBlock*8)
	word0 := (uint64(cpu) << 56) | (baseCycle & 0x00FFFFFFFFFFFFFF)
	word1 := (uint64(flags) << 56) | (gettimeofdayUsec & 0x00FFFFFFFFFFFFFF)
	binary.LittleEndian.PutUint64(buf[0:8], word0)
	binary.LittleEndian.PutUint64(buf[8:16], word1)
	if withIPC {
		buf = append(buf, make([]byte, WordsPerBlock)...)
	}
	return buf
}

func TestReadBlockAccessors(t *testing.T) {
	raw := rawBlockBytes(7, 3, 0xABCDEF, 123456, false)
	b, err := ReadBlock(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got := b.CPU(); got != 7 {
		t.Errorf("CPU() = %d, want 7", got)
	}
	if got := b.BaseCycle(); got != 0xABCDEF {
		t.Errorf("BaseCycle() = %#x, want %#x", got, 0xABCDEF)
	}
	if got := b.BlockFlags(); got != 3 {
		t.Errorf("BlockFlags() = %v, want 3", got)
	}
	if got := b.GettimeofdayUsec(); got != 123456 {
		t.Errorf("GettimeofdayUsec() = %d, want 123456", got)
	}
	if b.IPC != nil {
		t.Errorf("IPC = %v, want nil (IPC bit unset)", b.IPC)
	}
}

func TestReadBlockWithIPC(t *testing.T) {
	raw := rawBlockBytes(0, flagIPCBit|3, 0, 0, true)
	b, err := ReadBlock(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(b.IPC) != WordsPerBlock {
		t.Errorf("len(IPC) = %d, want %d", len(b.IPC), WordsPerBlock)
	}
}

func TestReadBlockEOF(t *testing.T) {
	_, err := ReadBlock(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("ReadBlock(empty) = %v, want io.EOF", err)
	}
}

func TestReadBlockShortReadIsError(t *testing.T) {
	raw := rawBlockBytes(0, 3, 0, 0, false)
	_, err := ReadBlock(bytes.NewReader(raw[:100]))
	if err == nil {
		t.Errorf("ReadBlock(truncated) = nil error, want an error")
	}
}

func TestReadBlockShortIPCIsError(t *testing.T) {
	raw := rawBlockBytes(0, flagIPCBit|3, 0, 0, true)
	raw = raw[:len(raw)-100] // truncate the IPC tail
	_, err := ReadBlock(bytes.NewReader(raw))
	if err == nil {
		t.Errorf("ReadBlock(truncated IPC) = nil error, want an error")
	}
}

func TestBlockValid(t *testing.T) {
	tests := []struct {
		name         string
		flags        Flags
		cpu          int
		maxCPUs      int
		isFirstBlock bool
		startCycles  uint64
		stopCycles   uint64
		want         bool
	}{
		{"ok", 3, 2, 80, false, 0, 0, true},
		{"version too old", 2, 2, 80, false, 0, 0, false},
		{"cpu out of range", 3, 80, 80, false, 0, 0, false},
		{"cpu zero is valid", 3, 0, 80, false, 0, 0, true},
		{"first block start<=stop", 3, 0, 80, true, 10, 20, true},
		{"first block start>stop", 3, 0, 80, true, 20, 10, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &Block{Words: make([]uint64, WordsPerBlock)}
			b.Words[0] = uint64(tc.cpu) << 56
			b.Words[1] = uint64(tc.flags) << 56
			b.Words[2] = tc.startCycles
			b.Words[4] = tc.stopCycles
			if got := b.Valid(tc.isFirstBlock, tc.maxCPUs); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFlagsAccessors(t *testing.T) {
	f := flagIPCBit | flagWrapBit | 3
	if !f.HasIPC() {
		t.Error("HasIPC() = false, want true")
	}
	if !f.HasWraparound() {
		t.Error("HasWraparound() = false, want true")
	}
	if got := f.Version(); got != 3 {
		t.Errorf("Version() = %d, want 3", got)
	}
}
