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

package kutrace

import "testing"

func TestIsCallOrReturn(t *testing.T) {
	tests := []struct {
		name       string
		e          EventNum
		wantCall   bool
		wantReturn bool
	}{
		{"syscall64 call", Syscall64 | 5, true, false},
		{"syscall64 return", Syscall64 | 5 + 0x200, false, true},
		{"trap call", TrapCall | 3, true, false},
		{"trap return", TrapReturn | 3, false, true},
		{"irq call", IRQCall | 2, true, false},
		{"irq return", IRQReturn | 2, false, true},
		{"context switch is neither", UserPID, false, false},
		{"point event is neither", Runnable, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsCall(tc.e); got != tc.wantCall {
				t.Errorf("IsCall(%#x) = %v, want %v", tc.e, got, tc.wantCall)
			}
			if got := IsReturn(tc.e); got != tc.wantReturn {
				t.Errorf("IsReturn(%#x) = %v, want %v", tc.e, got, tc.wantReturn)
			}
		})
	}
}

func TestMatchingCallReturn(t *testing.T) {
	call := Syscall64 | 9
	ret := MatchingReturn(call)
	if got := MatchingCall(ret); got != call {
		t.Errorf("MatchingCall(MatchingReturn(%#x)) = %#x, want %#x", call, got, call)
	}
	if !IsReturn(ret) {
		t.Errorf("MatchingReturn(%#x) = %#x, want a return event", call, ret)
	}
}

func TestNestLevel(t *testing.T) {
	tests := []struct {
		name string
		e    EventNum
		want int
	}{
		{"user exec", UserExecBase + 1, 0},
		{"syscall64", Syscall64 | 1, 1},
		{"trap", TrapCall | 1, 2},
		{"irq", IRQCall | 1, 3},
		{"scheduler", SchedSyscall, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NestLevel(tc.e); got != tc.want {
				t.Errorf("NestLevel(%#x) = %d, want %d", tc.e, got, tc.want)
			}
		})
	}
}

func TestIsIdle(t *testing.T) {
	idleEvent := UserExecBase + IdlePID
	if !IsIdle(idleEvent) {
		t.Errorf("IsIdle(%#x) = false, want true for pid 0", idleEvent)
	}
	if IsUserExecNonIdle(idleEvent) {
		t.Errorf("IsUserExecNonIdle(%#x) = true, want false for pid 0", idleEvent)
	}
	nonIdle := UserExecBase + 42
	if !IsUserExecNonIdle(nonIdle) {
		t.Errorf("IsUserExecNonIdle(%#x) = false, want true for pid 42", nonIdle)
	}
}

func TestEventToPid(t *testing.T) {
	if got := EventToPid(UserExecBase + 1234); got != 1234 {
		t.Errorf("EventToPid(UserExecBase+1234) = %d, want 1234", got)
	}
}

func TestTenPow(t *testing.T) {
	// TenPow(10*k) should be exactly 2^k.
	for k := uint8(0); k < 6; k++ {
		got := TenPow(k * 10)
		want := uint64(1) << k
		if got != want {
			t.Errorf("TenPow(%d) = %d, want %d", k*10, got, want)
		}
	}
	// Monotonically nondecreasing.
	var prev uint64
	for x := uint8(0); x < 200; x++ {
		got := TenPow(x)
		if got < prev {
			t.Errorf("TenPow(%d) = %d, not >= TenPow(%d) = %d", x, got, x-1, prev)
		}
		prev = got
	}
}

func TestFixupLength(t *testing.T) {
	tests := []struct {
		in, want uint8
	}{
		{0, MinLglen8},
		{MinLglen8 - 1, MinLglen8},
		{MinLglen8, MinLglen8},
		{200, 200},
	}
	for _, tc := range tests {
		if got := FixupLength(tc.in); got != tc.want {
			t.Errorf("FixupLength(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestIsLockEvent(t *testing.T) {
	for _, e := range []EventNum{LockNoAcquire, LockAcquire, LockWakeup} {
		if !IsLockEvent(e) {
			t.Errorf("IsLockEvent(%#x) = false, want true", e)
		}
	}
	if IsLockEvent(Runnable) {
		t.Errorf("IsLockEvent(Runnable) = true, want false")
	}
}

func TestIsEnqueueDequeue(t *testing.T) {
	if !IsEnqueue(Enqueue) || IsDequeue(Enqueue) {
		t.Errorf("Enqueue classified wrong: enqueue=%v dequeue=%v", IsEnqueue(Enqueue), IsDequeue(Enqueue))
	}
	if !IsDequeue(Dequeue) || IsEnqueue(Dequeue) {
		t.Errorf("Dequeue classified wrong: enqueue=%v dequeue=%v", IsEnqueue(Dequeue), IsDequeue(Dequeue))
	}
}
