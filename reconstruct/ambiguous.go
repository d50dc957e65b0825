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

package reconstruct

import "github.com/google/kutrace/kutrace"

// resolveAmbiguous looks at the event that just ended an ambiguous span and
// decides whether the CPU was actually still in the kernel routine marked
// ambiguous or had in fact returned all the way to user mode, mirroring
// FixupAmbiguousSpan. If next proves neither, the stack is left ambiguous
// for a later event to resolve.
func resolveAmbiguous(state *CPUState, next Event) {
	st := state.Stack
	if st.Ambiguous == ambiguousNone {
		return
	}
	// Running above the marked frame: nothing to resolve yet.
	if st.Ambiguous < st.Top {
		return
	}
	switch {
	case kutrace.OnlyInKernelMode(next.EventNum):
		// The current span was already set to the top of stack; confirmed.
		st.Ambiguous = ambiguousNone
	case kutrace.OnlyInUserMode(next.EventNum):
		st.Ambiguous = ambiguousNone
		st.Top = 0
		state.CurSpan.EventNum = st.EventNum[0]
		state.CurSpan.Name = st.Name[0]
	}
}
