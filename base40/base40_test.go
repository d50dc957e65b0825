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

package base40

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a", "A"},
		{"abc", "Abc"},
		{"abc123", "Abc123"},
		{"foobar", "Foobar"},
		{"x-y.z", "X-y.z"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			packed := Encode(tc.in)
			got := Decode(packed)
			if got != tc.want {
				t.Errorf("Decode(Encode(%q)) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeZero(t *testing.T) {
	if got := Decode(0); got != "" {
		t.Errorf("Decode(0) = %q, want empty string", got)
	}
}

func TestEncodeDropsUnknownChars(t *testing.T) {
	// '!' isn't in the alphabet and should simply be skipped, not error.
	got := Decode(Encode("a!b"))
	want := "Ab"
	if got != want {
		t.Errorf("Decode(Encode(%q)) = %q, want %q", "a!b", got, want)
	}
}

func TestEncodeTruncatesAtSixChars(t *testing.T) {
	got := Decode(Encode("abcdefgh"))
	want := "Abcdef"
	if got != want {
		t.Errorf("Decode(Encode(%q)) = %q, want %q (truncated to 6 chars)", "abcdefgh", got, want)
	}
}
