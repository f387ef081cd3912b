// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcp

import (
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
)

// receive processes the acknowledgement and the data of s for a
// synchronized connection. In-order data and FIN are reported through r.
func (e *Endpoint) receive(s *incoming, r *inputResult) {
	if s.flagIsSet(header.TCPFlagAck) {
		e.handleAck(s)
	}

	switch {
	case s.logicalLen() > 0:
		e.handleData(s, r)
	case s.sequenceNumber != e.rcvNxt && !s.sequenceNumber.InWindow(e.rcvNxt, seqnum.Size(e.rcvWnd)):
		e.ackNow = true
	}
}

// handleAck updates the send window, frees acknowledged segments, adjusts
// the congestion window and samples the round-trip time.
func (e *Endpoint) handleAck(s *incoming) {
	p := e.proto
	pools := p.stack.Pools()
	ack := s.ackNumber

	rightEdge := e.sndWl1.Add(seqnum.Size(e.sndWnd))
	if e.sndWl1.LessThan(s.sequenceNumber) ||
		(e.sndWl1 == s.sequenceNumber && e.sndWl2.LessThan(ack)) ||
		(e.sndWl2 == ack && int(s.window) > e.sndWnd) {
		e.sndWnd = int(s.window)
		e.sndWl1 = s.sequenceNumber
		e.sndWl2 = ack
	}

	switch {
	case ack == e.lastAck:
		// A duplicate ACK counts only if it did not move the window.
		if e.sndWl1.Add(seqnum.Size(e.sndWnd)) != rightEdge {
			break
		}
		e.dupAcks++
		if e.dupAcks < 3 || e.unacked.Empty() {
			break
		}
		if !e.inFastRecovery {
			p.stack.Stats().TCP.FastRetransmit.Increment()
			e.rexmit()
			e.ssthresh = min(e.cwnd, e.sndWnd) / 2
			e.cwnd = min(e.ssthresh+3*e.mss, maxWindow)
			e.inFastRecovery = true
		} else {
			e.cwnd = min(e.cwnd+e.mss, maxWindow)
		}

	case e.lastAck.LessThan(ack) && ack.LessThanEq(e.sndMax):
		if e.inFastRecovery {
			e.inFastRecovery = false
			e.cwnd = e.ssthresh
		}
		e.nrtx = 0
		e.rto = e.sa>>3 + e.sv
		e.acked = int(e.lastAck.Size(ack))
		e.sndBuf += e.acked
		e.dupAcks = 0
		e.lastAck = ack

		if e.state.synchronized() {
			if e.cwnd < e.ssthresh {
				e.cwnd = min(e.cwnd+e.mss, maxWindow)
			} else {
				e.cwnd = min(e.cwnd+max(e.mss*e.mss/e.cwnd, 1), maxWindow)
			}
		}

		for seg := e.unacked.Front(); seg != nil && seg.end().LessThanEq(ack); seg = e.unacked.Front() {
			e.unacked.Remove(seg)
			e.sndQueueLen -= seg.pkt.Clen()
			seg.free(pools)
		}
		e.pollTmr = 0
	}

	// Segments moved back for retransmission may have been acknowledged
	// meanwhile.
	for seg := e.unsent.Front(); seg != nil && seg.end().LessThanEq(e.sndMax) && ack.Between(seg.end(), e.sndMax); seg = e.unsent.Front() {
		e.unsent.Remove(seg)
		e.sndQueueLen -= seg.pkt.Clen()
		seg.free(pools)
		if next := e.unsent.Front(); next != nil {
			e.sndNxt = next.sequenceNumber
		}
	}
	if e.sndNxt.LessThan(ack) {
		e.sndNxt = ack
	}

	if e.rttActive && e.rtseq.LessThan(ack) {
		m := int(p.ticks - e.rttest)
		m -= e.sa >> 3
		e.sa += m
		if m < 0 {
			m = -m
		}
		m -= e.sv >> 2
		e.sv += m
		e.rto = e.sa>>3 + e.sv
		e.rttActive = false
	}
}

// handleData accepts the in-order part of s. Data already received is
// trimmed; data beyond the next expected byte is dropped and answered
// with an immediate ACK so the peer retransmits.
func (e *Endpoint) handleData(s *incoming, r *inputResult) {
	p := e.proto

	if s.sequenceNumber.LessThan(e.rcvNxt) {
		end := s.sequenceNumber.Add(s.logicalLen())
		if !e.rcvNxt.LessThan(end) {
			// Entirely old.
			e.ackNow = true
			return
		}
		off := int(s.sequenceNumber.Size(e.rcvNxt))
		if s.flagIsSet(header.TCPFlagSyn) {
			s.flags &^= header.TCPFlagSyn
			s.sequenceNumber++
			off--
		}
		if off > 0 {
			if err := s.trimFront(p.stack.Allocator(), off); err != nil {
				e.ackNow = true
				return
			}
		}
	}

	if s.sequenceNumber != e.rcvNxt {
		if s.sequenceNumber.InWindow(e.rcvNxt, seqnum.Size(e.rcvWnd)) {
			p.stack.Stats().TCP.OutOfOrderDropped.Increment()
		}
		e.ackNow = true
		return
	}

	l := int(s.logicalLen())
	e.rcvNxt.UpdateForward(seqnum.Size(l))
	e.rcvWnd = max(e.rcvWnd-l, 0)
	if s.dataLen > 0 {
		r.data = s.pkt
		s.pkt = nil
	}
	if s.flagIsSet(header.TCPFlagFin) {
		r.gotFin = true
	}
	e.ack()
}
