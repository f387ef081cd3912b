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
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

// Listen makes the bound endpoint e accept connections. The endpoint moves
// to the listener pool. Accepted connections inherit the callbacks and
// options of e; the accept callback may replace them.
func (e *Endpoint) Listen() *tcpip.Error {
	if e.released {
		return tcpip.ErrInvalidEndpointState
	}
	switch e.state {
	case StateListen:
		return nil
	case StateClosed:
	default:
		return tcpip.ErrInvalidEndpointState
	}
	if !e.reserved {
		return tcpip.ErrInvalidEndpointState
	}
	p := e.proto
	pools := p.stack.Pools()
	slot, err := pools.Alloc(memp.TCPPCBListen)
	if err != nil {
		return err
	}
	pools.Free(e.slot)
	e.slot = slot
	e.state = StateListen
	p.listeners = append([]*Endpoint{e}, p.listeners...)
	return nil
}

// inputListen handles a segment addressed to the listener e. A SYN creates
// a connection in SYN-RCVD and answers with SYN|ACK; a stray ACK is reset.
func (e *Endpoint) inputListen(s *incoming) {
	p := e.proto
	switch {
	case s.flagIsSet(header.TCPFlagAck):
		p.sendReset(s.dst, s.src, s.dstPort, s.srcPort, s.ackNumber, s.sequenceNumber.Add(s.logicalLen()))

	case s.flagIsSet(header.TCPFlagSyn):
		n, err := p.newEndpoint()
		if err != nil {
			p.stack.DropLogger().Debugf("tcp: %s: dropping SYN from %s:%d: %s", e, s.src, s.srcPort, err)
			return
		}
		n.localAddr, n.localPort = s.dst, e.localPort
		n.remoteAddr, n.remotePort = s.src, s.srcPort
		n.state = StateSynRcvd
		n.rcvNxt = s.sequenceNumber + 1
		n.sndWnd = int(s.window)
		n.ssthresh = n.sndWnd
		n.sndWl1 = s.sequenceNumber - 1
		n.mss = routeMSS(s.nic, n.mss)
		if s.hasMSS {
			n.mss = min(n.mss, int(s.mss))
		}

		n.ttl, n.tos, n.keepalive = e.ttl, e.tos, e.keepalive
		n.recv, n.sent, n.connected, n.accept, n.errf = e.recv, e.sent, e.connected, e.accept, e.errf
		n.poll, n.pollInterval = e.poll, e.pollInterval

		if err := n.enqueue(nil, header.TCPFlagSyn|header.TCPFlagAck, false, mssOption(n.mss)); err != nil {
			p.stack.DropLogger().Debugf("tcp: %s: dropping SYN from %s:%d: %s", e, s.src, s.srcPort, err)
			n.release()
			return
		}
		p.active = append([]*Endpoint{n}, p.active...)
		n.Output()
	}
}
