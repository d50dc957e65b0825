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
// Package rawblock decodes the KUtrace binary block stream: 64KB blocks of
// 8192 packed uint64 trace words, optionally followed by an 8KB per-entry
// IPC byte block, into a stream of text event records (see tracetext).
package rawblock

import (
	"encoding/binary"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WordsPerBlock is the number of uint64 trace words in one 64KB block.
const WordsPerBlock = 8192

// Flags is the one-byte capture-flags field packed into the top byte of
// word 1 of every block.
type Flags uint8

const (
	flagIPCBit     Flags = 0x80
	flagWrapBit    Flags = 0x40
	flagVersionBit Flags = 0x0F
)

func (f Flags) Version() int     { return int(f & flagVersionBit) }
func (f Flags) HasIPC() bool     { return f&flagIPCBit != 0 }
func (f Flags) HasWraparound() bool { return f&flagWrapBit != 0 }

// Block is one decoded 64KB trace block plus its optional 8KB IPC block.
type Block struct {
	Words []uint64     // len == WordsPerBlock
	IPC   []byte       // len == WordsPerBlock if present, else nil
}

// CPU returns the CPU number this block was captured on, packed into the
// top byte of word 0.
func (b *Block) CPU() int { return int(b.Words[0] >> 56) }

// BaseCycle returns the low 56 bits of word 0: the cycle counter value at
// the start of this block.
func (b *Block) BaseCycle() uint64 { return b.Words[0] & 0x00FFFFFFFFFFFFFF }

// BlockFlags returns the capture flags packed into the top byte of word 1.
func (b *Block) BlockFlags() Flags { return Flags(b.Words[1] >> 56) }

// GettimeofdayUsec returns the low 56 bits of word 1: the wall-clock usec
// timestamp recorded when this block was flushed.
func (b *Block) GettimeofdayUsec() uint64 { return b.Words[1] & 0x00FFFFFFFFFFFFFF }

// ReadBlock reads one 64KB block (and, if its flags request it, the
// following 8KB IPC block) from r. It returns io.EOF only if r is
// exhausted before any bytes of a new block are read; a block truncated
// partway through is a DataLoss error.
func ReadBlock(r io.Reader) (*Block, error) {
	raw := make([]byte, WordsPerBlock*8)
	n, err := io.ReadFull(r, raw)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, status.Errorf(codes.DataLoss, "rawblock: short block read (%d of %d bytes): %v", n, len(raw), err)
	}

	words := make([]uint64, WordsPerBlock)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	b := &Block{Words: words}

	flags := Flags(words[1] >> 56)
	if flags.HasIPC() {
		ipc := make([]byte, WordsPerBlock)
		if _, err := io.ReadFull(r, ipc); err != nil {
			return nil, status.Errorf(codes.DataLoss, "rawblock: short IPC block read: %v", err)
		}
		b.IPC = ipc
	}
	return b, nil
}

// Valid reports whether a block's header is internally plausible: a
// version this decoder understands, a CPU number in range, and (for the
// first block only, where start/stop cycles are present) start_cycles <=
// stop_cycles. An invalid block should be warned about and skipped, not
// treated as fatal (§7 error kind 2).
func (b *Block) Valid(isFirstBlock bool, maxCPUs int) bool {
	flags := b.BlockFlags()
	if flags.Version() < 3 {
		return false
	}
	if b.CPU() < 0 || b.CPU() >= maxCPUs {
		return false
	}
	if isFirstBlock {
		startCycles := int64(b.Words[2])
		stopCycles := int64(b.Words[4])
		if startCycles > stopCycles {
			return false
		}
	}
	return true
}
