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
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// inputResult collects what processing a segment produced for the
// application.
type inputResult struct {
	// data is in-order payload to deliver, owned by the result.
	data *buffer.Buffer

	// gotFin is set when the peer's FIN was accepted.
	gotFin bool

	// reset is set when an acceptable RST arrived.
	reset bool

	// closed is set when the close handshake completed in LAST-ACK.
	closed bool

	// aborted is set when the endpoint was released during processing.
	aborted bool
}

// Connect starts an active open to addr:port. An unbound endpoint is bound
// to an ephemeral port first. The connected callback reports completion.
func (e *Endpoint) Connect(addr tcpip.Address, port uint16) *tcpip.Error {
	if e.released || e.state != StateClosed {
		return tcpip.ErrInvalidEndpointState
	}
	p := e.proto
	nic := p.stack.FindRoute(addr)
	if nic == nil {
		return tcpip.ErrNoRoute
	}
	if !e.reserved {
		if err := e.Bind(tcpip.AnyAddress, 0); err != nil {
			return err
		}
	}
	if e.localAddr.IsAny() {
		e.localAddr = nic.Address()
	}
	e.remoteAddr, e.remotePort = addr, port
	e.mss = routeMSS(nic, e.mss)
	e.rcvWnd = p.opts.ReceiveWindow
	e.sndWnd = p.opts.ReceiveWindow
	e.cwnd = 1
	e.ssthresh = min(10*e.mss, maxWindow)
	e.state = StateSynSent

	if err := e.enqueue(nil, header.TCPFlagSyn, false, mssOption(e.mss)); err != nil {
		e.state = StateClosed
		return err
	}
	p.active = append([]*Endpoint{e}, p.active...)
	e.Output()
	return nil
}

// routeMSS bounds mss by what fits the MTU of nic.
func routeMSS(nic *stack.NIC, mss int) int {
	if m := int(nic.MTU()) - header.IPv4MinimumSize - header.TCPMinimumSize; m > 0 && m < mss {
		return m
	}
	return mss
}

func mssOption(mss int) []byte {
	opt := make([]byte, header.TCPOptionMSSLength)
	header.EncodeMSSOption(uint32(mss), opt)
	return opt
}

// process runs s through the connection state machine of e.
func (e *Endpoint) process(s *incoming) inputResult {
	var r inputResult
	p := e.proto
	stats := &p.stack.Stats().TCP
	e.acked = 0

	if s.flagIsSet(header.TCPFlagRst) {
		var acceptable bool
		if e.state == StateSynSent {
			acceptable = s.ackNumber == e.sndNxt
		} else {
			acceptable = s.sequenceNumber.Between(e.rcvNxt, e.rcvNxt.Add(seqnum.Size(e.rcvWnd)))
		}
		if acceptable {
			e.ackDelay = false
			r.reset = true
		}
		return r
	}

	e.tmr = p.ticks
	e.keepCnt = 0

	switch e.state {
	case StateSynSent:
		syn := e.unacked.Front()
		if syn != nil && s.flags.Contains(header.TCPFlagSyn|header.TCPFlagAck) && s.ackNumber == syn.sequenceNumber+1 {
			e.sndBuf++
			e.rcvNxt = s.sequenceNumber + 1
			e.lastAck = s.ackNumber
			e.sndWnd = int(s.window)
			e.sndWl1 = s.sequenceNumber - 1
			e.state = StateEstablished
			if s.hasMSS {
				e.mss = min(e.mss, int(s.mss))
			}
			e.cwnd = e.mss
			e.nrtx = 0
			e.rttActive = false
			e.unacked.Remove(syn)
			e.sndQueueLen -= syn.free(p.stack.Pools())
			stats.ActiveConnectionOpenings.Increment()

			if e.connected != nil {
				e.connected(e, nil)
				if e.released {
					r.aborted = true
					return r
				}
			}
			e.ackNow = true
		} else if s.flagIsSet(header.TCPFlagAck) {
			p.sendReset(s.dst, s.src, s.dstPort, s.srcPort, s.ackNumber, s.sequenceNumber.Add(s.logicalLen()))
		}

	case StateSynRcvd:
		if !s.flagIsSet(header.TCPFlagAck) {
			break
		}
		if !s.ackNumber.Between(e.lastAck+1, e.sndNxt) {
			p.sendReset(s.dst, s.src, s.dstPort, s.srcPort, s.ackNumber, s.sequenceNumber.Add(s.logicalLen()))
			break
		}
		e.state = StateEstablished
		err := tcpip.ErrConnectionRefused
		if e.accept != nil {
			err = e.accept(e)
		}
		if err != nil || e.released {
			e.Abort()
			r.aborted = true
			return r
		}
		stats.PassiveConnectionOpenings.Increment()
		e.receive(s, &r)
		// The SYN is not data the application wrote.
		if e.acked > 0 {
			e.acked--
		}
		e.cwnd = e.mss

	case StateEstablished, StateCloseWait:
		e.receive(s, &r)
		if r.gotFin {
			e.ackNow = true
			e.state = StateCloseWait
		}

	case StateFinWait1:
		e.receive(s, &r)
		switch {
		case r.gotFin && e.finAcked(s):
			e.ackNow = true
			e.enterTimeWait()
		case r.gotFin:
			e.ackNow = true
			e.state = StateClosing
		case e.finAcked(s):
			e.state = StateFinWait2
		}

	case StateFinWait2:
		e.receive(s, &r)
		if r.gotFin {
			e.ackNow = true
			e.enterTimeWait()
		}

	case StateClosing:
		e.receive(s, &r)
		if e.finAcked(s) {
			e.enterTimeWait()
		}

	case StateLastAck:
		e.receive(s, &r)
		if e.finAcked(s) {
			e.state = StateClosed
			r.closed = true
		}
	}
	return r
}

// finAcked reports whether s acknowledges everything e sent, its FIN
// included.
func (e *Endpoint) finAcked(s *incoming) bool {
	return s.flagIsSet(header.TCPFlagAck) && s.ackNumber == e.sndNxt && e.unsent.Empty()
}

// enterTimeWait drops the send queues of e and moves it to the TIME-WAIT
// list.
func (e *Endpoint) enterTimeWait() {
	e.purge()
	p := e.proto
	p.active = removeEndpoint(p.active, e)
	p.timeWait = append(p.timeWait, e)
	e.state = StateTimeWait
}

// inputTimeWait acknowledges a segment of a connection in TIME-WAIT.
func (e *Endpoint) inputTimeWait(s *incoming) {
	if end := s.sequenceNumber.Add(s.logicalLen()); e.rcvNxt.LessThan(end) {
		e.rcvNxt = end
	}
	if s.logicalLen() > 0 {
		e.ackNow = true
	}
	e.Output()
}
