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

// powerTwoTenths holds 2**0.0 .. 2**0.9, used by TenPow to approximate
// 2**(x/10) with integer math.
var powerTwoTenths = [10]float64{
	1.0000, 1.0718, 1.1487, 1.2311, 1.3195,
	1.4142, 1.5157, 1.6245, 1.7411, 1.8661,
}

// TenPow approximates 2**(xlg/10) for a byte-length base-2-log-times-10
// value, the inverse of the approximate-message-length encoding (lglen8)
// that RPCIDREQ/RPCIDRESP and packet-hash events carry. Used by the
// correlator's RPC message length reconstruction (§4.3).
func TenPow(xlg uint8) uint64 {
	powerTwo := xlg / 10
	fraction := xlg % 10
	return uint64(float64(uint64(1)<<powerTwo)*powerTwoTenths[fraction] + 0.5)
}

// MinLglen8 is the floor §4.3's FixupLength clamps lglen8 to (84
// bytes once decoded through TenPow), compensating for older trace
// emitters that logged a message length not including header bytes.
const MinLglen8 = 64

// FixupLength clamps lglen8 to MinLglen8, matching FixupLength in the
// original correlator.
func FixupLength(lglen8 uint8) uint8 {
	if lglen8 < MinLglen8 {
		return MinLglen8
	}
	return lglen8
}
