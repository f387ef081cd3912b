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
	"time"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

// fastTimer sends the ACKs that were delayed since the previous tick.
func (p *protocol) fastTimer() {
	for _, e := range append([]*Endpoint(nil), p.active...) {
		if e.ackDelay && !e.released {
			e.ackNow = true
			e.Output()
			e.ackDelay, e.ackNow = false, false
		}
	}
}

// slowTimer runs the retransmission, keepalive and connection lifetime
// timers of every endpoint and reaps TIME-WAIT endpoints.
func (p *protocol) slowTimer() {
	p.ticks++
	stats := &p.stack.Stats().TCP
	opts := &p.opts

	for _, e := range append([]*Endpoint(nil), p.active...) {
		if e.released {
			continue
		}
		idle := p.ticks - e.tmr
		remove := false

		switch {
		case e.state == StateSynSent && e.nrtx >= opts.MaxSynRetransmits:
			remove = true
		case e.nrtx >= opts.MaxRetransmits:
			remove = true
		default:
			e.rtime++
			if !e.unacked.Empty() && e.rtime >= uint32(max(e.rto, 1)) {
				stats.Timeouts.Increment()
				e.rto = (e.sa>>3 + e.sv) << backoff[min(e.nrtx, len(backoff)-1)]
				e.ssthresh = min(e.cwnd, e.sndWnd) / 2
				if e.ssthresh < e.mss {
					e.ssthresh = 2 * e.mss
				}
				e.cwnd = e.mss
				e.rexmitRTO()
			}
		}

		if e.state == StateFinWait2 && idle > opts.slowTicks(opts.FinWait2Timeout) {
			remove = true
		}
		if e.state == StateSynRcvd && idle > opts.slowTicks(opts.SynRcvdTimeout) {
			remove = true
		}

		if remove {
			p.stack.Logger().Debugf("tcp: %s: connection timed out", e)
			stats.ConnectionsAborted.Increment()
			e.release()
			e.notifyError(tcpip.ErrTimeout)
			continue
		}

		if e.keepalive && (e.state == StateEstablished || e.state == StateCloseWait) {
			maxIdle := opts.KeepaliveIdle + opts.KeepaliveInterval*time.Duration(opts.KeepaliveCount)
			switch {
			case idle > opts.slowTicks(maxIdle):
				p.stack.Logger().Debugf("tcp: %s: keepalive timed out", e)
				stats.ConnectionsAborted.Increment()
				e.Abort()
				continue
			case idle > opts.slowTicks(opts.KeepaliveIdle+opts.KeepaliveInterval*time.Duration(e.keepCnt)):
				e.sendKeepalive()
				e.keepCnt++
			}
		}

		if e.poll != nil {
			e.pollTmr++
			if e.pollTmr >= e.pollInterval {
				e.pollTmr = 0
				e.poll(e)
				e.Output()
			}
		}
	}

	for _, e := range append([]*Endpoint(nil), p.timeWait...) {
		if p.ticks-e.tmr > opts.slowTicks(2*opts.MSL) {
			e.release()
		}
	}
}
