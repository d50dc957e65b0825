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

package tracetext

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/kutrace/kutrace"
)

func TestWriteEventScanRoundTrip(t *testing.T) {
	want := Event{
		Nsec10:   12345,
		Duration: 678,
		Event:    kutrace.Syscall64 | 5,
		CPU:      3,
		PID:      999,
		RPC:      42,
		Arg:      -7,
		Retval:   0,
		IPC:      2,
		Name:     "read",
	}
	var buf bytes.Buffer
	if err := WriteEvent(&buf, want); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	sc := NewScanner(&buf)
	got, ok, err := sc.Scan()
	if err != nil || !ok {
		t.Fatalf("Scan() = (%v, %v, %v), want a single event", got, ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, ok, err := sc.Scan(); ok || err != nil {
		t.Errorf("second Scan() = (_, %v, %v), want (false, nil)", ok, err)
	}
}

func TestWriteEventQuotesNamesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{Event: kutrace.Syscall64 | 1, Name: "my proc"}
	if err := WriteEvent(&buf, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	sc := NewScanner(&buf)
	got, ok, err := sc.Scan()
	if err != nil || !ok {
		t.Fatalf("Scan() = (%v, %v, %v)", got, ok, err)
	}
	if got.Name != "my proc" {
		t.Errorf("Name = %q, want %q", got.Name, "my proc")
	}
}

func TestWriteEventEmptyName(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, Event{Event: kutrace.Syscall64 | 1}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	sc := NewScanner(&buf)
	got, ok, err := sc.Scan()
	if err != nil || !ok {
		t.Fatalf("Scan() = (%v, %v, %v)", got, ok, err)
	}
	if got.Name != "" {
		t.Errorf("Name = %q, want empty", got.Name)
	}
}

func TestWriteNameScanRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteName(&buf, 100, kutrace.EventNum(0x002), 42, "myproc"); err != nil {
		t.Fatalf("WriteName: %v", err)
	}
	sc := NewScanner(&buf)
	got, ok, err := sc.Scan()
	if err != nil || !ok {
		t.Fatalf("Scan() = (%v, %v, %v)", got, ok, err)
	}
	want := Event{Nsec10: 100, Duration: 1, Event: 0x002, Arg: 42, Name: "myproc", IsName: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerSkipsCommentsAndBlankLines(t *testing.T) {
	input := "\n# a plain comment\n100 1 2 0 5 0 0 0 0 foo (0x2)\n"
	sc := NewScanner(bytes.NewBufferString(input))
	got, ok, err := sc.Scan()
	if err != nil || !ok {
		t.Fatalf("Scan() = (%v, %v, %v)", got, ok, err)
	}
	if got.PID != 5 || got.Name != "foo" {
		t.Errorf("got = %+v, want PID 5, Name foo", got)
	}
}

func TestScannerParsesHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, Header{Version: 3, Flags: 7, LoSec: 1.5, HiSec: 2.5}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	buf.WriteString("100 1 2 0 5 0 0 0 0 foo (0x2)\n")
	sc := NewScanner(&buf)
	if _, _, err := sc.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if sc.Header.Version != 3 || sc.Header.Flags != 7 || sc.Header.LoSec != 1.5 || sc.Header.HiSec != 2.5 {
		t.Errorf("Header = %+v, want {Version:3 Flags:7 LoSec:1.5 HiSec:2.5 ...}", sc.Header)
	}
}

func TestScannerRejectsMalformedLine(t *testing.T) {
	sc := NewScanner(bytes.NewBufferString("not-a-number 1 2\n"))
	if _, _, err := sc.Scan(); err == nil {
		t.Errorf("Scan() on malformed line returned nil error, want a DataLoss error")
	}
}
