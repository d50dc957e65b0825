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
// Package correlate ties user-mode RPC identifier events to kernel-mode
// packet-hash sightings observed on different CPUs (§4.3): a kernel packet
// event, a user packet event carrying the same 32-bit hash, and an RPC id
// event on the owning PID arrive in arbitrary order across the trace, and
// this package reassembles them into a single synthetic message span
// approximating the RPC's wire time.
//
// State is kept in three maps, matching the spec's pidtocorr/rx_hashtocorr/
// tx_hashtocorr: each is bounded by an LRU so a trace containing many
// short-lived, never-completed RPCs (a dropped packet, a one-sided capture
// window) cannot grow them without limit, per §5's resource budget.
package correlate

import (
	"fmt"

	log "github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/google/kutrace/kutrace"
)

// defaultMbitPerSec is the link speed assumed until a KUTRACE_MBIT_SEC
// event overrides it.
const defaultMbitPerSec = 1000

// maxPending bounds each of the correlator's partial-state maps.
const maxPending = 65536

// Span is the synthetic message span a completed correlation produces, a
// standalone shape so this package need not import reconstruct (which
// imports this package to fuse the correlator into its engine).
type Span struct {
	StartTS  int64
	Duration int64
	PID      int
	RPC      int
	EventNum kutrace.EventNum
	Name     string
}

// pidState is the partial correlation recorded against a PID while the
// other half of the puzzle (a kernel timestamp, or an RPC id) is still
// outstanding.
type pidState struct {
	rxKernelTS int64 // set once RX_PKT's hash has been matched by RX_USER for this pid
	haveRX     bool

	rpcid  int
	lglen8 uint8
	haveTX bool // set once an RPCIDREQ/RESP has been seen and not yet matched to a TX_PKT
}

// Correlator accumulates partial RX/TX correlation state and emits message
// spans as soon as all three legs of a correlation (kernel packet, user
// packet, RPC id) have arrived.
type Correlator struct {
	mbitPerSec int64

	pids     *lru.LRU // pid -> *pidState
	rxHash   *lru.LRU // hash -> kernel timestamp, awaiting RX_USER
	txHash   *lru.LRU // hash -> pid, awaiting TX_PKT
	methodOf func(rpcid int) string
}

// New returns an empty Correlator at the default 1000 Mbit/sec link speed.
// methodOf resolves an RPC id to its method name for the synthesized
// span's display name (nametable.Table.MethodName, typically).
func New(methodOf func(rpcid int) string) *Correlator {
	pids, err := lru.NewLRU(maxPending, nil)
	if err != nil {
		panic(err) // only errors on a non-positive size, which maxPending never is
	}
	rxHash, err := lru.NewLRU(maxPending, nil)
	if err != nil {
		panic(err)
	}
	txHash, err := lru.NewLRU(maxPending, nil)
	if err != nil {
		panic(err)
	}
	return &Correlator{
		mbitPerSec: defaultMbitPerSec,
		pids:       pids,
		rxHash:     rxHash,
		txHash:     txHash,
		methodOf:   methodOf,
	}
}

// SetMbitSec overrides the link speed used for message-duration math, in
// response to a KUTRACE_MBIT_SEC event; that event itself is then dropped
// from the span stream and recorded as JSON metadata instead (§4.3).
func (c *Correlator) SetMbitSec(mbit int64) {
	if mbit > 0 {
		c.mbitPerSec = mbit
	}
}

func (c *Correlator) state(pid int) *pidState {
	if v, ok := c.pids.Get(pid); ok {
		return v.(*pidState)
	}
	st := &pidState{}
	c.pids.Add(pid, st)
	return st
}

// RXPacket records a kernel-mode sighting of an RX packet hash, the first
// leg of the incoming correlation. A hash already pending is overwritten;
// 16/32-bit hash reuse can produce a spurious correlation rather than a
// missed one (Open Question (c), §9) and the design accepts that tradeoff.
func (c *Correlator) RXPacket(ts int64, hash uint32) {
	if _, ok := c.rxHash.Get(hash); ok {
		log.V(1).Infof("correlate: rx hash %#x reused before being consumed", hash)
	}
	c.rxHash.Add(hash, ts)
}

// RXUserPacket records a user-mode sighting of the same RX packet hash,
// copying the kernel timestamp (if already known) onto pid's pending
// state so a subsequent RPC id event can complete the correlation.
func (c *Correlator) RXUserPacket(pid int, hash uint32) {
	ts, ok := c.rxHash.Get(hash)
	if !ok {
		return
	}
	st := c.state(pid)
	st.rxKernelTS = ts.(int64)
	st.haveRX = true
}

// TXUserPacket records which pid emitted a TX packet with this hash, the
// first leg of the outgoing correlation to complete once the kernel sees
// it too.
func (c *Correlator) TXUserPacket(pid int, hash uint32) {
	c.txHash.Add(hash, pid)
}

// TXPacket records a kernel-mode sighting of a TX packet hash and, if the
// owning pid's RPC id and length are already known, emits the TX message
// span starting at the kernel timestamp.
func (c *Correlator) TXPacket(ts int64, hash uint32) (Span, bool) {
	v, ok := c.txHash.Get(hash)
	if !ok {
		return Span{}, false
	}
	pid := v.(int)
	c.txHash.Remove(hash)
	st := c.state(pid)
	if !st.haveTX {
		return Span{}, false
	}
	st.haveTX = false
	return c.buildSpan(ts, pid, st.rpcid, st.lglen8, kutrace.RPCIDTXMsg), true
}

// RPCID processes an RPCIDREQ/RPCIDRESP event for pid carrying
// (lglen8<<16 | rpcid16) in arg. If pid already has a completed RX leg
// pending (kernel timestamp known via RXUserPacket), this completes the RX
// correlation and returns the RX message span, starting duration before
// the kernel timestamp so the span ends exactly when the packet was seen.
// Otherwise this is assumed to be the start of an outgoing correlation and
// the rpcid/length are stashed for a later TXPacket to complete.
func (c *Correlator) RPCID(pid int, arg int64) (Span, bool) {
	rpcid := int(arg & 0xFFFF)
	lglen8 := uint8((arg >> 16) & 0xFF)
	st := c.state(pid)
	if st.haveRX {
		st.haveRX = false
		span := c.buildSpan(st.rxKernelTS, pid, rpcid, lglen8, kutrace.RPCIDRXMsg)
		span.StartTS = st.rxKernelTS - span.Duration
		return span, true
	}
	st.rpcid = rpcid
	st.lglen8 = lglen8
	st.haveTX = true
	return Span{}, false
}

// buildSpan computes a message span's duration from lglen8 (§4.3:
// msg_len_bytes * 800 / mbit_per_sec, in 10ns units) and attaches the
// method name via methodOf.
func (c *Correlator) buildSpan(ts int64, pid, rpcid int, lglen8 uint8, eventNum kutrace.EventNum) Span {
	lglen8 = kutrace.FixupLength(lglen8)
	msgLenBytes := kutrace.TenPow(lglen8)
	duration := int64(msgLenBytes) * 800 / c.mbitPerSec
	if duration <= 0 {
		duration = 1
	}
	method := ""
	if c.methodOf != nil {
		method = c.methodOf(rpcid)
	}
	name := method
	if method != "" {
		name = fmt.Sprintf("%s.%d", method, rpcid)
	}
	return Span{
		StartTS:  ts,
		Duration: duration,
		PID:      pid,
		RPC:      rpcid,
		EventNum: eventNum,
		Name:     name,
	}
}
