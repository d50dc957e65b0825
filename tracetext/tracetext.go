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
// Package tracetext reads and writes the line-oriented text event format
// that sits between the decoder and the reconstructor: one event per line,
// plus a handful of stylized "# ##" comment lines carrying trace-wide
// metadata that would otherwise have no home in a flat event stream.
package tracetext

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/kutrace/kutrace"
)

// Event is one line of decoded text: either a full event record or a
// name-definition record (IsName true), which carries only Event, Arg
// (the item number being named) and Name.
type Event struct {
	Nsec10   int64 // timestamp, 10ns units, relative to the trace's base minute
	Duration int64 // 10ns units; 0 or 1 for point events
	Event    kutrace.EventNum
	CPU      int
	PID      int
	RPC      int
	Arg      int64
	Retval   int64
	IPC      int
	Name     string

	IsName bool // true for a bare name-definition record
}

// Header carries the stylized "# ##" comment lines that precede the event
// stream: the version, the capture flags, the earliest and latest event
// times in seconds (LoSec, HiSec), and the optional date stamp.
type Header struct {
	Version    int
	Flags      uint64
	LoSec      float64
	HiSec      float64
	DateStamp  string // "<iso8601-date>_<hh:mm:ss>.<usec>" from the "# [1]" line
	StampFlags uint64
}

// WriteHeader emits the stylized comment block a decoder produces before
// any event lines.
func WriteHeader(w io.Writer, h Header) error {
	if _, err := fmt.Fprintf(w, "# ## VERSION: %d\n", h.Version); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# ## FLAGS: %d\n", h.Flags); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# ## TIMES: %g %g\n", h.LoSec, h.HiSec); err != nil {
		return err
	}
	if h.DateStamp != "" {
		if _, err := fmt.Fprintf(w, "# [1] %s  %x\n", h.DateStamp, h.StampFlags); err != nil {
			return err
		}
	}
	return nil
}

// WriteName emits a name-definition line: a simpler 4-field form with no
// cpu/pid/rpc/retval/ipc, used both for the first sighting of a name and
// for its duplicate at nsec10 == -1 (the stable-sort name-coverage
// guarantee; the rawblock decoder emits that duplicate).
func WriteName(w io.Writer, nsec10 int64, e kutrace.EventNum, item int64, name string) error {
	_, err := fmt.Fprintf(w, "%d 1 %d %d %s\n", nsec10, e, item, quoteIfNeeded(name))
	return err
}

// WriteEvent emits one full event line.
func WriteEvent(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "%d %d %d %d %d %d %d %d %d %s (0x%x)\n",
		ev.Nsec10, ev.Duration, ev.Event, ev.CPU, ev.PID, ev.RPC, ev.Arg, ev.Retval, ev.IPC,
		quoteIfNeeded(ev.Name), ev.Event)
	return err
}

func quoteIfNeeded(name string) string {
	if name == "" {
		return `""`
	}
	if strings.ContainsAny(name, " \t") {
		return strconv.Quote(name)
	}
	return name
}

// Scanner reads a text event stream line by line, skipping comments and
// parsing the stylized header lines into a Header.
type Scanner struct {
	sc     *bufio.Scanner
	Header Header
	line   int
}

// NewScanner returns a Scanner over r. Call Scan in a loop until it
// returns false, then check the error it returned with that false.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{sc: sc}
}

// Scan advances to the next event line, parsing header comments as it goes.
// It returns false at EOF (with a nil error, or the reader's error) or on a
// fatal parse error (returned as the third result).
func (s *Scanner) Scan() (Event, bool, error) {
	for s.sc.Scan() {
		s.line++
		line := s.sc.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ##") {
			s.parseHeaderLine(line)
			continue
		}
		if strings.HasPrefix(line, "# [") {
			s.parseStampLine(line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		ev, err := parseLine(line)
		if err != nil {
			return Event{}, false, status.Errorf(codes.DataLoss, "tracetext: line %d: %v", s.line, err)
		}
		return ev, true, nil
	}
	return Event{}, false, s.sc.Err()
}

func (s *Scanner) parseHeaderLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return
	}
	switch fields[2] {
	case "VERSION:":
		if len(fields) >= 4 {
			s.Header.Version, _ = strconv.Atoi(fields[3])
		}
	case "FLAGS:":
		if len(fields) >= 4 {
			s.Header.Flags, _ = strconv.ParseUint(fields[3], 10, 64)
		}
	case "TIMES:":
		if len(fields) >= 5 {
			s.Header.LoSec, _ = strconv.ParseFloat(fields[3], 64)
			s.Header.HiSec, _ = strconv.ParseFloat(fields[4], 64)
		}
	}
}

func (s *Scanner) parseStampLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return
	}
	s.Header.DateStamp = fields[2]
	if len(fields) >= 4 {
		s.Header.StampFlags, _ = strconv.ParseUint(strings.TrimPrefix(fields[3], "0x"), 16, 64)
	}
}

// parseLine parses either a full 9-field event line or a 4-field
// name-definition line (nsec10, duration, event, item, name), distinguished
// by field count after the trailing name token and "(0xHEX)" comment are
// peeled off.
func parseLine(line string) (Event, error) {
	if i := strings.LastIndexByte(line, '('); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	fields, name, err := splitNameField(line)
	if err != nil {
		return Event{}, err
	}
	switch len(fields) {
	case 4:
		nums, err := parseInts(fields)
		if err != nil {
			return Event{}, err
		}
		return Event{
			Nsec10:   nums[0],
			Duration: nums[1],
			Event:    kutrace.EventNum(nums[2]),
			Arg:      nums[3],
			Name:     name,
			IsName:   true,
		}, nil
	case 9:
		nums, err := parseInts(fields)
		if err != nil {
			return Event{}, err
		}
		return Event{
			Nsec10:   nums[0],
			Duration: nums[1],
			Event:    kutrace.EventNum(nums[2]),
			CPU:      int(nums[3]),
			PID:      int(nums[4]),
			RPC:      int(nums[5]),
			Arg:      nums[6],
			Retval:   nums[7],
			IPC:      int(nums[8]),
			Name:     name,
		}, nil
	default:
		return Event{}, fmt.Errorf("want 4 or 9 numeric fields, got %d: %q", len(fields), line)
	}
}

func parseInts(fields []string) ([]int64, error) {
	nums := make([]int64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %v", i, f, err)
		}
		nums[i] = n
	}
	return nums, nil
}

// splitNameField pulls the trailing name token (possibly quoted) off a
// line and returns the remaining whitespace-separated numeric fields.
func splitNameField(line string) ([]string, string, error) {
	line = strings.TrimSpace(line)
	if strings.HasSuffix(line, `"`) {
		// Find the matching opening quote.
		i := strings.LastIndexByte(line[:len(line)-1], '"')
		if i < 0 {
			return nil, "", fmt.Errorf("unterminated quoted name: %q", line)
		}
		name, err := strconv.Unquote(line[i:])
		if err != nil {
			return nil, "", err
		}
		return strings.Fields(line[:i]), name, nil
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, "", fmt.Errorf("empty line")
	}
	last := fields[len(fields)-1]
	if last == `""` {
		return fields[:len(fields)-1], "", nil
	}
	return fields[:len(fields)-1], last, nil
}
