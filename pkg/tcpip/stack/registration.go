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

package stack

import (
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
)

// Packet ownership follows one rule throughout the stack: a HandlePacket
// method takes the caller's reference and must free the packet, while an
// output or write method borrows the packet and the caller frees it
// afterwards. A protocol that keeps a borrowed packet takes its own
// reference first.

// PacketInfo describes the network layer of a packet delivered to a
// transport protocol.
type PacketInfo struct {
	// Src and Dst are the IPv4 source and destination addresses.
	Src, Dst tcpip.Address

	// HeaderLen is the length of the IPv4 header hidden in front of the
	// transport payload. Revealing it with Header gives back the whole
	// datagram, as needed to quote it in an ICMP error.
	HeaderLen int

	// Broadcast is set if Dst was a broadcast or multicast address.
	Broadcast bool
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4, arp) that want to be part of the networking stack.
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() tcpip.NetworkProtocolNumber

	// HandlePacket is called by a NIC when a frame of this protocol
	// arrives. The link header has been hidden.
	HandlePacket(nic *NIC, pkt *buffer.Buffer)
}

// IPLayer is the network protocol that carries transport traffic. It is
// implemented by ipv4.
type IPLayer interface {
	NetworkProtocol

	// DefaultTTL returns the TTL used for locally originated packets.
	DefaultTTL() uint8

	// Output adds an IP header to pkt and sends it to dst over the route
	// found by Stack.FindRoute. An any src selects the interface address.
	Output(pkt *buffer.Buffer, src, dst tcpip.Address, ttl, tos uint8, proto tcpip.TransportProtocolNumber) *tcpip.Error

	// OutputIf is Output over a given interface.
	OutputIf(pkt *buffer.Buffer, src, dst tcpip.Address, ttl, tos uint8, proto tcpip.TransportProtocolNumber, nic *NIC) *tcpip.Error

	// SendDestUnreachable sends an ICMP destination unreachable message
	// quoting pkt, whose IP header must be visible.
	SendDestUnreachable(pkt *buffer.Buffer, code header.ICMPv4Code)
}

// TransportProtocol is the interface that needs to be implemented by
// transport protocols (e.g., tcp, udp) that want to be part of the
// networking stack.
type TransportProtocol interface {
	// Number returns the transport protocol number.
	Number() tcpip.TransportProtocolNumber

	// HandlePacket is called by the IP layer when a datagram for this
	// protocol arrives. The IP header has been hidden.
	HandlePacket(nic *NIC, info PacketInfo, pkt *buffer.Buffer)
}

// LinkAddressResolver is implemented by the protocol that maps IP
// addresses to link addresses on interfaces that need it (ARP).
type LinkAddressResolver interface {
	// ResolveAndOutput adds a link header to pkt and sends it to the next
	// hop for dst, resolving the link address first if needed.
	ResolveAndOutput(nic *NIC, pkt *buffer.Buffer, dst tcpip.Address) *tcpip.Error

	// SnoopIP is given the source of every inbound IP frame so that
	// existing cache entries are refreshed.
	SnoopIP(nic *NIC, src tcpip.Address, srcLink tcpip.LinkAddress)
}

// NetworkProtocolFactory instantiates a network protocol for a stack.
//
// NetworkProtocolFactory will be called by new stacks to create an instance
// of the protocol; the protocol may schedule its periodic timeouts there.
type NetworkProtocolFactory func(*Stack) NetworkProtocol

// TransportProtocolFactory instantiates a transport protocol for a stack.
type TransportProtocolFactory func(*Stack) TransportProtocol

// NetworkDispatcher contains the methods used by the network stack to deliver
// inbound frames to the appropriate network endpoint after it has been
// handled by the data link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol endpoint
	// and hands the frame over for further processing. The frame is copied
	// before DeliverNetworkPacket returns.
	DeliverNetworkPacket(frame []byte)
}

// LinkEndpointCapabilities is the type associated with the capabilities
// supported by a link-layer endpoint. It is a set of bitfields.
type LinkEndpointCapabilities uint

// The following are the supported link endpoint capabilities.
const (
	CapabilityNone LinkEndpointCapabilities = 0

	// CapabilityResolutionRequired is set by endpoints that frame packets
	// with an Ethernet header and need link address resolution.
	CapabilityResolutionRequired LinkEndpointCapabilities = 1 << iota
)

// LinkEndpoint is the interface implemented by data link layer protocols (e.g.,
// ethernet, loopback, raw) and used by network layer protocols to send packets
// out through the implementer's data link endpoint.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint. This is
	// usually dictated by the backing physical network; when such a
	// physical network doesn't exist, the limit is generally 64k, which
	// includes the maximum size of an IP packet.
	MTU() uint32

	// Capabilities returns the set of capabilities supported by the
	// endpoint.
	Capabilities() LinkEndpointCapabilities

	// MaxHeaderLength returns the maximum size the data link (and
	// lower level layers combined) headers can have.
	MaxHeaderLength() uint16

	// LinkAddress returns the link address (typically a MAC) of the
	// link endpoint.
	LinkAddress() tcpip.LinkAddress

	// WritePacket writes a fully framed packet to the link. The endpoint
	// borrows pkt and must copy what it keeps.
	WritePacket(pkt *buffer.Buffer) *tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool
}
