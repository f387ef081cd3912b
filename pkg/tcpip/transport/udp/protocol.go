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

// Package udp contains the implementation of the UDP transport protocol. To
// use it in the networking stack, pass udp.NewProtocol as one of the
// transport protocols when calling stack.New(). Then endpoints can be
// created with NewEndpoint.
package udp

import (
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the udp protocol number.
	ProtocolNumber = header.UDPProtocolNumber
)

type protocol struct {
	stack *stack.Stack

	// endpoints holds the bound endpoints, most recently bound first.
	endpoints []*Endpoint
}

// Number returns the udp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

func (p *protocol) add(e *Endpoint) {
	p.endpoints = append([]*Endpoint{e}, p.endpoints...)
}

func (p *protocol) remove(e *Endpoint) {
	for i, ep := range p.endpoints {
		if ep == e {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			return
		}
	}
}

// demux returns the endpoint a datagram is delivered to: an endpoint
// connected to src if there is one, else the first unconnected endpoint
// bound to the destination.
func (p *protocol) demux(dst tcpip.Address, dstPort uint16, src tcpip.FullAddress, broadcast bool) *Endpoint {
	var unconnected *Endpoint
	for _, e := range p.endpoints {
		match, exact := e.matches(dst, dstPort, src, broadcast)
		if exact {
			return e
		}
		if match && unconnected == nil {
			unconnected = e
		}
	}
	return unconnected
}

// HandlePacket implements stack.TransportProtocol.HandlePacket. It takes
// ownership of pkt.
func (p *protocol) HandlePacket(nic *stack.NIC, info stack.PacketInfo, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().UDP
	if pkt.Len() < header.UDPMinimumSize {
		stats.MalformedPacketsReceived.Increment()
		pkt.Free()
		return
	}
	h := header.UDP(pkt.Payload())
	length := int(h.Length())
	if length < header.UDPMinimumSize || length > pkt.TotLen() {
		stats.MalformedPacketsReceived.Increment()
		p.stack.DropLogger().Debugf("udp: %s: bad length %d in %d byte datagram from %s", nic.Name(), length, pkt.TotLen(), info.Src)
		pkt.Free()
		return
	}
	pkt.Realloc(length)

	if !header.UDPChecksumValid(info.Src, info.Dst, pkt.Views()...) {
		stats.ChecksumErrors.Increment()
		p.stack.DropLogger().Debugf("udp: %s: bad checksum %#04x from %s", nic.Name(), h.Checksum(), info.Src)
		pkt.Free()
		return
	}

	src := tcpip.FullAddress{NIC: nic.ID(), Addr: info.Src, Port: h.SourcePort()}
	e := p.demux(info.Dst, h.DestinationPort(), src, info.Broadcast)
	if e == nil {
		stats.UnknownPortErrors.Increment()
		// No port unreachable for broadcast and multicast datagrams.
		if !info.Broadcast {
			pkt.Header(info.HeaderLen)
			p.stack.IP().SendDestUnreachable(pkt, header.ICMPv4PortUnreachable)
		}
		pkt.Free()
		return
	}

	stats.PacketsReceived.Increment()
	if e.recv == nil {
		pkt.Free()
		return
	}
	pkt.Header(-header.UDPMinimumSize)
	e.recv(e, pkt, src)
}

// NewProtocol returns a UDP transport protocol. It is a
// stack.TransportProtocolFactory.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return &protocol{stack: s}
}

// Endpoints returns the bound endpoints, most recently bound first. It
// must be called with the stack's core lock held.
func Endpoints(s *stack.Stack) []*Endpoint {
	p, ok := s.TransportProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return nil
	}
	return append([]*Endpoint(nil), p.endpoints...)
}
