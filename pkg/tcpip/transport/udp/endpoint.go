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

package udp

import (
	"fmt"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// EndpointState represents the state of a UDP endpoint.
type EndpointState uint32

// Endpoint states.
const (
	StateInitial EndpointState = iota
	StateBound
	StateConnected
	StateClosed
)

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateBound:
		return "BOUND"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// RecvFunc is called for every datagram delivered to an endpoint. pkt holds
// the payload with the UDP header hidden; the callback owns it and must
// free it.
type RecvFunc func(ep *Endpoint, pkt *buffer.Buffer, src tcpip.FullAddress)

// Endpoint is a UDP protocol control block.
//
// Endpoint methods are not synchronized. They must be called with the
// stack's core lock held, from Stack.Do, Stack.Post or a protocol callback.
type Endpoint struct {
	proto *protocol
	slot  memp.Handle

	state     EndpointState
	localAddr tcpip.Address
	localPort uint16
	dstAddr   tcpip.Address
	dstPort   uint16

	reuseAddr  bool
	noChecksum bool
	ttl        uint8
	tos        uint8

	recv RecvFunc
}

// NewEndpoint allocates an endpoint from the stack's UDP pool. The stack
// must have been created with the UDP protocol.
func NewEndpoint(s *stack.Stack) (*Endpoint, *tcpip.Error) {
	p, ok := s.TransportProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	slot, err := s.Pools().Alloc(memp.UDPPCB)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		proto: p,
		slot:  slot,
		ttl:   s.IP().DefaultTTL(),
	}, nil
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("udp %s:%d -> %s:%d (%s)", e.localAddr, e.localPort, e.dstAddr, e.dstPort, e.state)
}

// State returns the state of e.
func (e *Endpoint) State() EndpointState { return e.state }

// LocalAddress returns the bound address and port.
func (e *Endpoint) LocalAddress() tcpip.FullAddress {
	return tcpip.FullAddress{Addr: e.localAddr, Port: e.localPort}
}

// RemoteAddress returns the connected peer, if any.
func (e *Endpoint) RemoteAddress() (tcpip.FullAddress, bool) {
	if e.state != StateConnected {
		return tcpip.FullAddress{}, false
	}
	return tcpip.FullAddress{Addr: e.dstAddr, Port: e.dstPort}, true
}

// SetReuseAddr allows e to share its local port with other endpoints that
// also set it. It only affects later calls to Bind.
func (e *Endpoint) SetReuseAddr(v bool) { e.reuseAddr = v }

// SetNoChecksum disables checksums on outgoing datagrams.
func (e *Endpoint) SetNoChecksum(v bool) { e.noChecksum = v }

// SetTTL sets the TTL of outgoing datagrams.
func (e *Endpoint) SetTTL(ttl uint8) { e.ttl = ttl }

// SetTOS sets the type of service of outgoing datagrams.
func (e *Endpoint) SetTOS(tos uint8) { e.tos = tos }

// SetRecv installs the receive callback. Datagrams arriving while no
// callback is installed are dropped.
func (e *Endpoint) SetRecv(fn RecvFunc) { e.recv = fn }

// Bind binds e to addr and port. An any addr accepts datagrams for every
// local address, and a zero port picks the next free ephemeral port.
// Binding an already bound endpoint moves it.
//
// Bind fails with ErrPortInUse if another endpoint holds an overlapping
// binding, unless both set ReuseAddr.
func (e *Endpoint) Bind(addr tcpip.Address, port uint16) *tcpip.Error {
	if e.state == StateClosed {
		return tcpip.ErrInvalidEndpointState
	}
	s := e.proto.stack
	if !addr.IsAny() && s.FindLocalNIC(addr) == nil {
		return tcpip.ErrBadLocalAddress
	}

	pm := s.PortManager()
	bound := e.state != StateInitial
	if bound {
		pm.ReleasePort(ProtocolNumber, e.localAddr, e.localPort)
	}
	got, err := pm.ReservePort(ProtocolNumber, addr, port, e.reuseAddr)
	if err != nil {
		if bound {
			// Put the old binding back; it was ours a moment ago.
			pm.ReservePort(ProtocolNumber, e.localAddr, e.localPort, e.reuseAddr)
		}
		return err
	}
	e.localAddr, e.localPort = addr, got
	if !bound {
		e.state = StateBound
		e.proto.add(e)
	}
	return nil
}

// Connect sets the default destination of e and restricts input to
// datagrams from it. An unbound endpoint is bound to an ephemeral port
// first.
func (e *Endpoint) Connect(addr tcpip.Address, port uint16) *tcpip.Error {
	switch e.state {
	case StateClosed:
		return tcpip.ErrInvalidEndpointState
	case StateInitial:
		if err := e.Bind(tcpip.AnyAddress, 0); err != nil {
			return err
		}
	}
	e.dstAddr, e.dstPort = addr, port
	e.state = StateConnected
	return nil
}

// Disconnect removes the default destination. The endpoint stays bound.
func (e *Endpoint) Disconnect() {
	if e.state != StateConnected {
		return
	}
	e.dstAddr, e.dstPort = tcpip.Address{}, 0
	e.state = StateBound
}

// Close releases the local port and returns e to the pool. e must not be
// used afterwards.
func (e *Endpoint) Close() {
	if e.state == StateClosed {
		return
	}
	s := e.proto.stack
	if e.state != StateInitial {
		s.PortManager().ReleasePort(ProtocolNumber, e.localAddr, e.localPort)
		e.proto.remove(e)
	}
	s.Pools().Free(e.slot)
	e.slot = memp.Handle{}
	e.recv = nil
	e.state = StateClosed
}

// Send sends pkt to the connected peer. pkt is borrowed.
func (e *Endpoint) Send(pkt *buffer.Buffer) *tcpip.Error {
	if e.state != StateConnected {
		return tcpip.ErrNotConnected
	}
	return e.SendTo(pkt, e.dstAddr, e.dstPort)
}

// SendTo sends pkt to dst:port over the interface that routes dst. An
// unbound endpoint is bound to an ephemeral port first. pkt is borrowed.
func (e *Endpoint) SendTo(pkt *buffer.Buffer, dst tcpip.Address, port uint16) *tcpip.Error {
	nic := e.proto.stack.FindRoute(dst)
	if nic == nil {
		e.proto.stack.Stats().UDP.PacketSendErrors.Increment()
		return tcpip.ErrNoRoute
	}
	return e.SendToIf(pkt, dst, port, nic)
}

// SendToIf sends pkt to dst:port over nic. pkt is borrowed.
//
// The UDP header goes into the header space of pkt when it has some;
// otherwise, as for caller memory, a separate header segment is chained in
// front of it.
func (e *Endpoint) SendToIf(pkt *buffer.Buffer, dst tcpip.Address, port uint16, nic *stack.NIC) *tcpip.Error {
	s := e.proto.stack
	stats := &s.Stats().UDP
	switch e.state {
	case StateClosed:
		return tcpip.ErrInvalidEndpointState
	case StateInitial:
		if err := e.Bind(tcpip.AnyAddress, 0); err != nil {
			stats.PacketSendErrors.Increment()
			return err
		}
	}
	if pkt.TotLen()+header.UDPMinimumSize > header.UDPMaximumSize {
		stats.PacketSendErrors.Increment()
		return tcpip.ErrMessageTooLong
	}

	q := pkt
	if err := pkt.Header(header.UDPMinimumSize); err != nil {
		h, err := s.Allocator().Alloc(buffer.IP, header.UDPMinimumSize, buffer.Heap)
		if err != nil {
			stats.PacketSendErrors.Increment()
			return err
		}
		h.Chain(pkt)
		q = h
	}

	src := e.localAddr
	if src.IsAny() {
		src = nic.Address()
	}
	u := header.UDP(q.Payload())
	u.Encode(&header.UDPFields{
		SrcPort: e.localPort,
		DstPort: port,
		Length:  uint16(q.TotLen()),
	})
	if !e.noChecksum {
		u.SetChecksum(header.UDPChecksum(src, dst, q.Views()...))
	}

	err := s.IP().OutputIf(q, src, dst, e.ttl, e.tos, ProtocolNumber, nic)
	if q == pkt {
		pkt.Header(-header.UDPMinimumSize)
	} else {
		q.Free()
	}
	if err != nil {
		stats.PacketSendErrors.Increment()
		return err
	}
	stats.PacketsSent.Increment()
	return nil
}

// matches reports whether a datagram from src to dst:dstPort is for e, and
// whether e is connected to src.
func (e *Endpoint) matches(dst tcpip.Address, dstPort uint16, src tcpip.FullAddress, broadcast bool) (match, exact bool) {
	if e.localPort != dstPort {
		return false, false
	}
	if !e.localAddr.IsAny() && e.localAddr != dst && !broadcast {
		return false, false
	}
	if e.state != StateConnected {
		return true, false
	}
	if e.dstAddr != src.Addr || e.dstPort != src.Port {
		return false, false
	}
	return true, true
}
