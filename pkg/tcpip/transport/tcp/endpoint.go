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
	"fmt"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// RecvFunc is called with in-order data received on a connection. pkt holds
// the payload and belongs to the callback, which must free it and should
// call Recved once the data has been consumed. A nil pkt reports that the
// peer closed its side of the connection.
type RecvFunc func(ep *Endpoint, pkt *buffer.Buffer)

// SentFunc is called when the peer acknowledges acked bytes of sent data.
type SentFunc func(ep *Endpoint, acked int)

// ConnectedFunc is called when an active open completes.
type ConnectedFunc func(ep *Endpoint, err *tcpip.Error)

// AcceptFunc is called with a new connection accepted by a listener. The
// connection is aborted if it returns an error.
type AcceptFunc func(ep *Endpoint) *tcpip.Error

// ErrFunc is called when a connection is torn down by the stack: reset by
// the peer, timed out or aborted. The endpoint has already been released.
type ErrFunc func(ep *Endpoint, err *tcpip.Error)

// PollFunc is called periodically while a connection is alive.
type PollFunc func(ep *Endpoint)

// Endpoint is a TCP protocol control block.
//
// Endpoint methods are not synchronized. They must be called with the
// stack's core lock held, from Stack.Do, Stack.Post or a protocol callback.
type Endpoint struct {
	proto *protocol
	slot  memp.Handle
	state EndpointState

	localAddr  tcpip.Address
	localPort  uint16
	remoteAddr tcpip.Address
	remotePort uint16

	// reserved is set while e holds localPort on bindAddr in the port
	// manager. Connections accepted by a listener share the listener's
	// port.
	reserved bool
	bindAddr tcpip.Address

	// released is set once e has been removed from the protocol and its
	// slot returned.
	released bool

	ttl       uint8
	tos       uint8
	keepalive bool

	ackDelay       bool
	ackNow         bool
	inFastRecovery bool

	rcvNxt seqnum.Value
	rcvWnd int

	// tmr is the slow tick of the last segment received.
	tmr uint32

	pollTmr      uint32
	pollInterval uint32

	// rtime counts slow ticks since the last transmission.
	rtime uint32

	keepCnt int

	// RTT estimation. rttest is the slow tick at which the segment
	// starting at rtseq was sent, valid while rttActive. sa and sv are the
	// scaled smoothed round-trip time and its mean deviation. rto is in
	// slow ticks. nrtx counts retransmissions of the oldest segment.
	rttActive bool
	rttest    uint32
	rtseq     seqnum.Value
	sa        int
	sv        int
	rto       int
	nrtx      int

	mss      int
	lastAck  seqnum.Value
	dupAcks  int
	cwnd     int
	ssthresh int

	sndNxt seqnum.Value
	sndMax seqnum.Value
	sndWnd int
	sndWl1 seqnum.Value
	sndWl2 seqnum.Value

	// sndLbb is the sequence number of the next byte to be enqueued.
	sndLbb seqnum.Value

	// acked is the number of bytes acknowledged by the segment being
	// processed.
	acked int

	sndBuf      int
	sndQueueLen int

	unsent  segmentList
	unacked segmentList

	recv      RecvFunc
	sent      SentFunc
	connected ConnectedFunc
	accept    AcceptFunc
	errf      ErrFunc
	poll      PollFunc
}

// NewEndpoint allocates an endpoint from the stack's TCP pool. The stack
// must have been created with the TCP protocol.
func NewEndpoint(s *stack.Stack) (*Endpoint, *tcpip.Error) {
	p, ok := s.TransportProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	return p.newEndpoint()
}

func (p *protocol) newEndpoint() (*Endpoint, *tcpip.Error) {
	slot, err := p.stack.Pools().Alloc(memp.TCPPCB)
	if err != nil {
		return nil, err
	}
	iss := p.nextISS()
	rto := int(p.opts.slowTicks(p.opts.InitialRTO))
	return &Endpoint{
		proto:    p,
		slot:     slot,
		state:    StateClosed,
		ttl:      p.stack.IP().DefaultTTL(),
		rcvWnd:   p.opts.ReceiveWindow,
		tmr:      p.ticks,
		rto:      rto,
		sv:       rto,
		mss:      p.opts.MSS,
		cwnd:     1,
		lastAck:  iss,
		sndNxt:   iss,
		sndMax:   iss,
		sndWl2:   iss,
		sndLbb:   iss,
		sndBuf:   p.opts.SendBufferSize,
		ssthresh: maxWindow,
	}, nil
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("tcp %s:%d -> %s:%d (%s)", e.localAddr, e.localPort, e.remoteAddr, e.remotePort, e.state)
}

// State returns the connection state of e.
func (e *Endpoint) State() EndpointState { return e.state }

// LocalAddress returns the local address and port.
func (e *Endpoint) LocalAddress() tcpip.FullAddress {
	return tcpip.FullAddress{Addr: e.localAddr, Port: e.localPort}
}

// RemoteAddress returns the peer address and port.
func (e *Endpoint) RemoteAddress() tcpip.FullAddress {
	return tcpip.FullAddress{Addr: e.remoteAddr, Port: e.remotePort}
}

// MSS returns the maximum segment size in use.
func (e *Endpoint) MSS() int { return e.mss }

// SendBufferAvailable returns the number of bytes Write accepts.
func (e *Endpoint) SendBufferAvailable() int { return e.sndBuf }

// SetTTL sets the TTL of outgoing segments.
func (e *Endpoint) SetTTL(ttl uint8) { e.ttl = ttl }

// SetTOS sets the type of service of outgoing segments.
func (e *Endpoint) SetTOS(tos uint8) { e.tos = tos }

// SetKeepalive enables or disables keepalive probing.
func (e *Endpoint) SetKeepalive(v bool) { e.keepalive = v }

// SetRecv installs the receive callback. Without one, received data is
// consumed and dropped and the connection is closed when the peer closes.
func (e *Endpoint) SetRecv(fn RecvFunc) { e.recv = fn }

// SetSent installs the callback for acknowledged data.
func (e *Endpoint) SetSent(fn SentFunc) { e.sent = fn }

// SetConnected installs the callback for a completed Connect.
func (e *Endpoint) SetConnected(fn ConnectedFunc) { e.connected = fn }

// SetAccept installs the callback for connections accepted by a listener.
// Without one, new connections are aborted.
func (e *Endpoint) SetAccept(fn AcceptFunc) { e.accept = fn }

// SetErr installs the callback for connections torn down by the stack.
func (e *Endpoint) SetErr(fn ErrFunc) { e.errf = fn }

// SetPoll installs fn to be called every interval slow timer ticks.
func (e *Endpoint) SetPoll(fn PollFunc, interval uint32) {
	e.poll = fn
	e.pollInterval = interval
}

// Bind binds e to addr and port. An any addr accepts connections for every
// local address, and a zero port picks the next free ephemeral port.
func (e *Endpoint) Bind(addr tcpip.Address, port uint16) *tcpip.Error {
	if e.state != StateClosed || e.released {
		return tcpip.ErrInvalidEndpointState
	}
	if e.reserved {
		return tcpip.ErrAlreadyBound
	}
	s := e.proto.stack
	if !addr.IsAny() && s.FindLocalNIC(addr) == nil {
		return tcpip.ErrBadLocalAddress
	}
	got, err := s.PortManager().ReservePort(ProtocolNumber, addr, port, false)
	if err != nil {
		return err
	}
	e.localAddr, e.localPort = addr, got
	e.bindAddr = addr
	e.reserved = true
	return nil
}

// Write queues data for sending. With copy set, data is copied into stack
// memory; otherwise the segments reference data, which must not change
// until it has been acknowledged. The data is sent by the next Output or
// by the stack's own processing.
func (e *Endpoint) Write(data []byte, copy bool) *tcpip.Error {
	if !e.state.canSend() || e.released {
		return tcpip.ErrClosedForSend
	}
	if len(data) == 0 {
		return nil
	}
	return e.enqueue(data, 0, copy, nil)
}

// Recved opens the receive window by n bytes after the application has
// consumed received data.
func (e *Endpoint) Recved(n int) {
	if e.released {
		return
	}
	e.rcvWnd = min(e.rcvWnd+n, e.proto.opts.ReceiveWindow)
	switch {
	case !e.ackDelay && !e.ackNow:
		e.ack()
	case e.ackDelay && e.rcvWnd >= e.proto.opts.ReceiveWindow/2:
		e.ackNow = true
		e.Output()
	}
}

// Close closes e. A listening or unconnected endpoint is released at once.
// A connection sends its FIN after any queued data and is released once
// the close handshake finishes.
func (e *Endpoint) Close() *tcpip.Error {
	if e.released {
		return nil
	}
	switch e.state {
	case StateClosed, StateListen, StateSynSent:
		e.release()
		return nil
	case StateSynRcvd, StateEstablished:
		if err := e.enqueue(nil, header.TCPFlagFin, true, nil); err != nil {
			return err
		}
		e.state = StateFinWait1
	case StateCloseWait:
		if err := e.enqueue(nil, header.TCPFlagFin, true, nil); err != nil {
			return err
		}
		e.state = StateLastAck
	default:
		return nil
	}
	e.Output()
	return nil
}

// Abort releases e at once and sends a RST to the peer. The error callback
// is called with ErrConnectionAborted.
func (e *Endpoint) Abort() {
	if e.released {
		return
	}
	if e.state == StateTimeWait {
		e.release()
		return
	}
	seq, ack := e.sndNxt, e.rcvNxt
	synchronizing := e.state != StateClosed && e.state != StateListen
	e.release()
	e.notifyError(tcpip.ErrConnectionAborted)
	if synchronizing {
		e.proto.sendReset(e.localAddr, e.remoteAddr, e.localPort, e.remotePort, seq, ack)
	}
}

// release removes e from the protocol and frees everything it holds. It
// is idempotent.
func (e *Endpoint) release() {
	if e.released {
		return
	}
	p := e.proto
	p.unregister(e)
	e.purge()
	if e.reserved {
		p.stack.PortManager().ReleasePort(ProtocolNumber, e.bindAddr, e.localPort)
		e.reserved = false
	}
	p.stack.Pools().Free(e.slot)
	e.slot = memp.Handle{}
	e.state = StateClosed
	e.released = true
}

// purge frees the queued segments of e.
func (e *Endpoint) purge() {
	pools := e.proto.stack.Pools()
	freeSegments(pools, &e.unsent)
	freeSegments(pools, &e.unacked)
	e.sndQueueLen = 0
}

func (e *Endpoint) notifyError(err *tcpip.Error) {
	if e.errf != nil {
		e.errf(e, err)
	}
}

// deliverData hands received data, or the end of stream when pkt is nil,
// to the application.
func (e *Endpoint) deliverData(pkt *buffer.Buffer) {
	if e.recv != nil {
		e.recv(e, pkt)
		return
	}
	if pkt == nil {
		e.Close()
		return
	}
	n := pkt.TotLen()
	pkt.Free()
	e.Recved(n)
}

// matches reports whether s belongs to the connection of e.
func (e *Endpoint) matches(s *incoming) bool {
	return e.remotePort == s.srcPort && e.localPort == s.dstPort &&
		e.remoteAddr == s.src && e.localAddr == s.dst
}

// ack acknowledges received data: an ACK already delayed once is sent
// immediately, otherwise it is delayed until the next fast timer.
func (e *Endpoint) ack() {
	if e.ackDelay {
		e.ackDelay = false
		e.ackNow = true
		e.Output()
		return
	}
	e.ackDelay = true
}
