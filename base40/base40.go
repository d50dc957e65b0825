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
// Package base40 decodes the six-character label packed into a mark_a/b/c
// event's 32-bit argument: a compact alphabet of NUL, a-z, 0-9, '-', '.',
// '/' with 40 symbols, three bits short of two per byte.
package base40

// alphabet is the base-40 digit-to-character table. Index 0 is NUL, the
// pad/terminator digit.
var alphabet = [40]byte{
	0, 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k',
	'l', 'm', 'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w',
	'x', 'y', 'z', '0', '1', '2', '3', '4', '5', '6', '7', '8',
	'9', '-', '.', '/',
}

// Decode unpacks the low 32 bits of packed into a label of up to six
// characters. The first letter in the label is capitalized, even when
// digits or punctuation come before it, matching the original encoder's convention of capitalizing proper names.
func Decode(packed uint64) string {
	n := packed & 0xffffffff
	buf := make([]byte, 0, 6)
	firstLetter := true
	for n > 0 {
		d := n % 40
		c := alphabet[d]
		if firstLetter && d >= 1 && d <= 26 {
			c &^= 0x20 // uppercase
			firstLetter = false
		}
		buf = append(buf, c)
		n /= 40
	}
	return string(buf)
}

// Encode packs up to six characters of s into the low 32 bits of a base-40
// value, the inverse of Decode up to case folding (the decoded string
// always capitalizes its first letter; Encode is case-insensitive on
// input). Characters outside the alphabet are dropped.
func Encode(s string) uint64 {
	var digits [6]byte
	n := 0
	for i := 0; i < len(s) && n < 6; i++ {
		d, ok := digitOf(s[i])
		if !ok {
			continue
		}
		digits[n] = d
		n++
	}
	var packed uint64
	for i := n - 1; i >= 0; i-- {
		packed = packed*40 + uint64(digits[i])
	}
	return packed
}

func digitOf(c byte) (byte, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return byte(c-'a') + 1, true
	case c >= 'A' && c <= 'Z':
		return byte(c-'A') + 1, true
	case c >= '0' && c <= '9':
		return byte(c-'0') + 27, true
	case c == '-':
		return 37, true
	case c == '.':
		return 38, true
	case c == '/':
		return 39, true
	default:
		return 0, false
	}
}
