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
// Package nametable interns the names a trace assigns to PIDs, syscalls,
// traps, interrupts, RPC methods, lock addresses, queues, and the handful
// of free-text metadata fields (kernel version, model, host). Every name
// is keyed by the pair of name-kind and item number, so a syscall
// number and a PID that happen to share a numeric value never collide.
package nametable

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/kutrace/kutrace"
)

// Kind identifies which item-number space a Key's low bits are drawn from.
type Kind int

const (
	KindPID Kind = iota
	KindMethod
	KindTrap
	KindInterrupt
	KindSyscall64
	KindSyscall32
	KindLock
	KindQueue
	KindFile
	KindPacket
	KindKernelVersion
	KindModel
	KindHost
)

// idleName is the name always reported for PID 0, regardless of any name
// event that targets it.
const idleName = "-idle-"

// Key is the (Kind, item number) pair, held as a struct rather than packed
// into a single 20-bit integer.
type Key struct {
	Kind Kind
	Item int
}

// Table is a thread-safe interning map from Key to display name. Lookups
// may run concurrently with each other; every Set takes the write lock,
// whether or not the name is already present.
type Table struct {
	mu    sync.RWMutex
	names map[Key]string
}

// New returns an empty Table, pre-seeded with the PID-0 idle name.
func New() *Table {
	t := &Table{names: make(map[Key]string)}
	t.names[Key{KindPID, kutrace.IdlePID}] = idleName
	return t
}

// Set records name as the display name for key, overwriting any previous
// value — the latest name event for an item wins, matching the trace
// source's own rename-in-place semantics (e.g. execve renaming a PID).
// Setting PID 0 is a no-op: it is permanently "-idle-".
func (t *Table) Set(key Key, name string) {
	if key.Kind == KindPID && key.Item == kutrace.IdlePID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[key] = name
}

// Lookup returns the name for key, or an error if nothing was ever set.
func (t *Table) Lookup(key Key) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[key]
	if !ok {
		return "", status.Errorf(codes.NotFound, "no name recorded for %v", key)
	}
	return name, nil
}

// LookupOrNumber returns the name for key, or a synthesized "#<item>"
// placeholder if none was ever recorded. Call sites that must always
// produce display text (JSON emission) use this instead of Lookup.
func (t *Table) LookupOrNumber(key Key) string {
	name, err := t.Lookup(key)
	if err == nil {
		return name
	}
	return fmt.Sprintf("#%d", key.Item)
}

// KindForEvent demultiplexes a name-definition event number into the Kind
// whose table it belongs in, the same low-nibble (or, for packet names,
// bit 8) scheme the binary decoder uses.
func KindForEvent(n kutrace.EventNum) (Kind, bool) {
	if n&0x100 != 0 {
		return KindPacket, true
	}
	switch n & 0x00F {
	case 0x1:
		return KindFile, true
	case 0x2:
		return KindPID, true
	case 0x3:
		return KindMethod, true
	case 0x4:
		return KindTrap, true
	case 0x5:
		return KindInterrupt, true
	case 0x7:
		return KindKernelVersion, true
	case 0x8:
		return KindSyscall64, true
	case 0x9:
		return KindModel, true
	case 0xA:
		return KindHost, true
	case 0xB:
		return KindQueue, true
	case 0xC:
		return KindSyscall32, true
	case 0xD:
		return KindLock, true
	default:
		return 0, false
	}
}

// PIDName is shorthand for LookupOrNumber(Key{KindPID, pid}).
func (t *Table) PIDName(pid int) string { return t.LookupOrNumber(Key{KindPID, pid}) }

// MethodName is shorthand for LookupOrNumber(Key{KindMethod, id}).
func (t *Table) MethodName(id int) string { return t.LookupOrNumber(Key{KindMethod, id}) }
