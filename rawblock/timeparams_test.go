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

import "testing"

func TestNewTimeParamsSimple(t *testing.T) {
	// 1000 cycles over 10usec == 100MHz, matching nominal exactly.
	p := NewTimeParams(1000, 1000000, 2000, 1000010, 100)
	if got, want := p.Nsec10(1000), int64(100000000); got != want {
		t.Errorf("Nsec10(startCycles) = %d, want %d", got, want)
	}
	if got, want := p.Nsec10(2000), int64(100001000); got != want {
		t.Errorf("Nsec10(stopCycles) = %d, want %d", got, want)
	}
}

func TestNewTimeParamsWraparound(t *testing.T) {
	const wrap = int64(1) << 32
	startCycles := int64(0xFFFFFFFF) - 999 // 4294966296
	// True stop is startCycles+1000, which overflows 32 bits and wraps to 0.
	wrappedStop := (startCycles + 1000) % wrap

	straight := NewTimeParams(1000, 0, 2000, 10, 100)
	wrapped := NewTimeParams(startCycles, 0, wrappedStop, 10, 100)

	if straight.slopeNsec10 != wrapped.slopeNsec10 {
		t.Errorf("slopeNsec10 mismatch after wraparound realignment: straight=%v wrapped=%v",
			straight.slopeNsec10, wrapped.slopeNsec10)
	}
}

func TestRealignStopCyclesFindsWrap(t *testing.T) {
	const wrap = int64(1) << 32
	startCycles := int64(0xFFFFFFFF) - 999
	wrappedStop := (startCycles + 1000) % wrap

	got := realignStopCycles(startCycles, 0, wrappedStop, 10, 100)
	want := startCycles + 1000
	if got != want {
		t.Errorf("realignStopCycles(...) = %d, want %d", got, want)
	}
}

func TestRealignStopCyclesGivesUpOutsideTolerance(t *testing.T) {
	// No k*2^32 offset can make a 1-cycle delta over 10usec look like 100MHz,
	// so realignStopCycles should return the original value unchanged.
	got := realignStopCycles(1000, 0, 1001, 10, 100)
	if got != 1001 {
		t.Errorf("realignStopCycles(...) = %d, want unchanged 1001", got)
	}
}

func TestNewTimeParamsDegenerateStopNotAfterStart(t *testing.T) {
	// stopCycles <= startCycles must not divide by zero or go negative;
	// NewTimeParams forces stopCycles = startCycles+1.
	p := NewTimeParams(1000, 1000000, 1000, 1000010, 100)
	if got := p.Nsec10(1000); got != 100000000 {
		t.Errorf("Nsec10(startCycles) = %d, want 100000000", got)
	}
}
