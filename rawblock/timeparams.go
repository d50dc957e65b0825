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

// TimeParams maps a full-width cycle count to 10ns units relative to the
// base minute preceding the trace's start. F(cycles) = base_nsec10 +
// (cycles - base_cycles10) * slopeNsec10.
type TimeParams struct {
	baseCycles10 int64
	baseNsec10   int64
	slope        float64 // usec per cycle
	slopeNsec10  float64
}

// NewTimeParams derives the slope from the first block's start/stop
// cycle-counter/gettimeofday pairs, then re-bases the mapping so that cycle
// 0 in the returned params corresponds to the minute boundary preceding
// startUsec.
//
// If both startCycles and stopCycles fit in 32 bits, the counter is assumed
// to be a wrapping 32-bit hardware counter; stopCycles is re-aligned modulo
// 2^32 until the implied frequency lands within +/-12.5% of nominalMHz,
// matching a 32-bit board's actual tick rate rather than an apparent
// near-zero or negative one caused by wraparound between the two samples.
func NewTimeParams(startCycles, startUsec, stopCycles, stopUsec int64, nominalMHz float64) TimeParams {
	if fitsUint32(startCycles) && fitsUint32(stopCycles) {
		stopCycles = realignStopCycles(startCycles, startUsec, stopCycles, stopUsec, nominalMHz)
	}
	if stopCycles <= startCycles {
		stopCycles = startCycles + 1
	}
	slope := float64(stopUsec-startUsec) / float64(stopCycles-startCycles)

	baseMinuteUsec := (startUsec / 60000000) * 60000000
	baseMinuteCycles := startCycles + int64(float64(baseMinuteUsec-startUsec)/slope)

	return TimeParams{
		baseCycles10: baseMinuteCycles,
		baseNsec10:   0,
		slope:        slope,
		slopeNsec10:  slope * 100.0,
	}
}

func fitsUint32(v int64) bool { return v >= 0 && v <= 0xFFFFFFFF }

// realignStopCycles tries successive +2^32 offsets to stopCycles (the
// 32-bit counter may have wrapped any number of times between the start and
// stop samples) until the implied clock frequency is within the tolerance
// band around nominalMHz. It gives up and returns the original value if no
// offset within a generous search range satisfies the band.
func realignStopCycles(startCycles, startUsec, stopCycles, stopUsec int64, nominalMHz float64) int64 {
	const wrap = int64(1) << 32
	const tolerance = 0.125
	for k := int64(0); k < 64; k++ {
		candidate := stopCycles + k*wrap
		dCycles := candidate - startCycles
		dUsec := stopUsec - startUsec
		if dCycles <= 0 || dUsec <= 0 {
			continue
		}
		impliedMHz := float64(dCycles) / float64(dUsec)
		if impliedMHz >= nominalMHz*(1-tolerance) && impliedMHz <= nominalMHz*(1+tolerance) {
			return candidate
		}
	}
	return stopCycles
}

// Nsec10 converts a full-width cycle count to 10ns units relative to the
// base minute.
func (p TimeParams) Nsec10(cycles uint64) int64 {
	delta := (int64(cycles) - p.baseCycles10)
	return p.baseNsec10 + int64(float64(delta)*p.slopeNsec10)
}
