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

// Package ipv4 contains the implementation of the ipv4 network protocol and
// its companion ICMP. To use it in the networking stack, pass NewProtocol
// (or the factory returned by NewProtocolWithOptions) as one of the network
// protocols when calling stack.New().
//
// The protocol validates and delivers inbound datagrams, forwards them
// between interfaces when enabled, fragments outbound datagrams that do not
// fit the interface MTU and reassembles inbound fragments, one datagram at
// a time.
package ipv4

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// MaxTotalSize is maximum size that can be encoded in the 16-bit
	// TotalLength field of the ipv4 header.
	MaxTotalSize = 0xffff

	// DefaultReassemblyBufferSize is the capacity of the reassembly buffer,
	// IP header included.
	DefaultReassemblyBufferSize = 5760

	// DefaultReassemblyMaxAge is the number of reassembly ticks an
	// incomplete datagram survives.
	DefaultReassemblyMaxAge = 3

	// DefaultReassemblyTick is the period of the reassembly aging tick.
	DefaultReassemblyTick = time.Second

	// DefaultICMPRateLimit is the number of ICMP error messages allowed per
	// second.
	DefaultICMPRateLimit = 1000

	// DefaultICMPBurst is the ICMP error burst size.
	DefaultICMPBurst = 50
)

// Options configures the ipv4 protocol.
type Options struct {
	// DefaultTTL is the TTL of locally originated datagrams.
	DefaultTTL uint8

	// Forwarding enables forwarding of datagrams not addressed to the
	// stack.
	Forwarding bool

	// ReassemblyBufferSize is the capacity of the reassembly buffer.
	ReassemblyBufferSize int

	// ReassemblyMaxAge is the lifetime of an incomplete datagram, in
	// ticks.
	ReassemblyMaxAge int

	// ReassemblyTick is the period of the aging tick.
	ReassemblyTick time.Duration

	// ICMPRateLimit limits ICMP error messages per second. Zero means
	// DefaultICMPRateLimit; rate.Inf disables limiting.
	ICMPRateLimit rate.Limit

	// ICMPBurst is the ICMP error burst size.
	ICMPBurst int
}

// DefaultOptions returns the options used by NewProtocol.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:           header.IPv4DefaultTTL,
		ReassemblyBufferSize: DefaultReassemblyBufferSize,
		ReassemblyMaxAge:     DefaultReassemblyMaxAge,
		ReassemblyTick:       DefaultReassemblyTick,
		ICMPRateLimit:        DefaultICMPRateLimit,
		ICMPBurst:            DefaultICMPBurst,
	}
}

func (o *Options) fillIn() {
	d := DefaultOptions()
	if o.DefaultTTL == 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.ReassemblyBufferSize == 0 {
		o.ReassemblyBufferSize = d.ReassemblyBufferSize
	}
	if o.ReassemblyMaxAge == 0 {
		o.ReassemblyMaxAge = d.ReassemblyMaxAge
	}
	if o.ReassemblyTick == 0 {
		o.ReassemblyTick = d.ReassemblyTick
	}
	if o.ICMPRateLimit == 0 {
		o.ICMPRateLimit = d.ICMPRateLimit
	}
	if o.ICMPBurst == 0 {
		o.ICMPBurst = d.ICMPBurst
	}
}

var _ stack.IPLayer = (*protocol)(nil)

type protocol struct {
	stack *stack.Stack
	opts  Options

	// id is the identification of the next originated datagram.
	id uint16

	reass       reassembler
	icmpLimiter *rate.Limiter
	echoHandler EchoHandler
}

// NewProtocol creates a new ipv4 protocol with default options. It is a
// stack.NetworkProtocolFactory.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return NewProtocolWithOptions(DefaultOptions())(s)
}

// NewProtocolWithOptions returns a factory for ipv4 protocols configured by
// opts. Zero fields take their default values.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.NetworkProtocol {
		p := &protocol{
			stack:       s,
			opts:        opts,
			icmpLimiter: rate.NewLimiter(opts.ICMPRateLimit, opts.ICMPBurst),
		}
		p.reass.init(p, opts.ReassemblyBufferSize, opts.ReassemblyMaxAge)
		if _, err := s.AddCyclicTimeout(opts.ReassemblyTick, p.reass.tick); err != nil {
			panic("ipv4: cannot schedule reassembly tick: " + err.String())
		}
		return p
	}
}

// Number returns the ipv4 protocol number.
func (*protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// DefaultTTL implements stack.IPLayer.DefaultTTL.
func (p *protocol) DefaultTTL() uint8 {
	return p.opts.DefaultTTL
}

// HandlePacket is called by a NIC when a new ipv4 packet arrives. It takes
// ownership of pkt.
func (p *protocol) HandlePacket(nic *stack.NIC, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().IP
	stats.PacketsReceived.Increment()

	if pkt.Len() < header.IPv4MinimumSize {
		stats.MalformedPacketsReceived.Increment()
		pkt.Free()
		return
	}
	h := header.IPv4(pkt.Payload())
	hlen := header.IPv4HeaderLength(h[0])
	if hlen < header.IPv4MinimumSize || hlen > pkt.Len() {
		stats.MalformedPacketsReceived.Increment()
		p.stack.DropLogger().Debugf("ipv4: %s: bad header length %d in %d byte segment", nic.Name(), hlen, pkt.Len())
		pkt.Free()
		return
	}
	if !h[:hlen].IsChecksumValid() {
		stats.ChecksumErrors.Increment()
		p.stack.DropLogger().Debugf("ipv4: %s: bad header checksum %#04x from %s", nic.Name(), h.Checksum(), h.SourceAddress())
		pkt.Free()
		return
	}
	tlen := int(h.TotalLength())
	if tlen < hlen || tlen > pkt.TotLen() {
		stats.MalformedPacketsReceived.Increment()
		pkt.Free()
		return
	}
	// Drop link-layer padding.
	pkt.Realloc(tlen)

	dst := h.DestinationAddress()
	in := p.localNIC(dst)
	if in == nil {
		if p.opts.Forwarding && !nic.IsBroadcast(dst) && !dst.IsMulticast() {
			p.forward(nic, pkt)
			return
		}
		stats.InvalidDestinationAddressesReceived.Increment()
		pkt.Free()
		return
	}

	if h.IsFragment() {
		stats.FragmentsReceived.Increment()
		pkt = p.reass.process(pkt)
		if pkt == nil {
			return
		}
		h = header.IPv4(pkt.Payload())
		hlen = int(h.HeaderLength())
	}

	info := stack.PacketInfo{
		Src:       h.SourceAddress(),
		Dst:       dst,
		HeaderLen: hlen,
		Broadcast: in.IsBroadcast(dst) || dst.IsMulticast(),
	}
	proto := h.TransportProtocol()
	pkt.Header(-hlen)

	if proto == header.ICMPv4ProtocolNumber {
		stats.PacketsDelivered.Increment()
		p.handleICMP(nic, info, pkt)
		return
	}
	t := p.stack.TransportProtocolInstance(proto)
	if t == nil {
		stats.UnknownProtocolReceived.Increment()
		if !info.Broadcast {
			pkt.Header(hlen)
			p.SendDestUnreachable(pkt, header.ICMPv4ProtoUnreachable)
		}
		pkt.Free()
		return
	}
	stats.PacketsDelivered.Increment()
	t.HandlePacket(nic, info, pkt)
}

// localNIC returns the up interface that accepts datagrams for dst, as its
// unicast address or one of its broadcast addresses, or nil.
func (p *protocol) localNIC(dst tcpip.Address) *stack.NIC {
	for _, n := range p.stack.NICs() {
		if !n.IsUp() {
			continue
		}
		if (!n.Address().IsAny() && dst == n.Address()) || n.IsBroadcast(dst) || dst.IsMulticast() {
			return n
		}
	}
	return nil
}

// forward sends a datagram that is not for us out of the interface that
// routes its destination. It takes ownership of pkt.
func (p *protocol) forward(in *stack.NIC, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().IP
	defer pkt.Free()

	h := header.IPv4(pkt.Payload())
	dst := h.DestinationAddress()
	out := p.stack.FindRoute(dst)
	if out == nil || out == in {
		stats.NoRoute.Increment()
		p.stack.DropLogger().Debugf("ipv4: no route to forward %s", dst)
		return
	}
	if h.TTL() <= 1 {
		stats.TTLExceeded.Increment()
		p.sendTimeExceeded(pkt, header.ICMPv4TTLExceeded)
		return
	}
	if pkt.TotLen() > int(out.MTU()) && h.Flags()&header.IPv4FlagDontFragment != 0 {
		p.SendDestUnreachable(pkt, header.ICMPv4FragmentationNeeded)
		return
	}
	h.DecrementTTL()
	stats.PacketsForwarded.Increment()
	p.transmit(pkt, out, dst)
}

// Output implements stack.IPLayer.Output.
func (p *protocol) Output(pkt *buffer.Buffer, src, dst tcpip.Address, ttl, tos uint8, proto tcpip.TransportProtocolNumber) *tcpip.Error {
	nic := p.stack.FindRoute(dst)
	if nic == nil {
		p.stack.Stats().IP.NoRoute.Increment()
		return tcpip.ErrNoRoute
	}
	return p.OutputIf(pkt, src, dst, ttl, tos, proto, nic)
}

// OutputIf implements stack.IPLayer.OutputIf. It prepends an IP header to
// pkt, numbers the datagram and sends it, fragmenting it if it does not
// fit the interface MTU. pkt is borrowed.
func (p *protocol) OutputIf(pkt *buffer.Buffer, src, dst tcpip.Address, ttl, tos uint8, proto tcpip.TransportProtocolNumber, nic *stack.NIC) *tcpip.Error {
	stats := &p.stack.Stats().IP
	if pkt.TotLen()+header.IPv4MinimumSize > MaxTotalSize {
		stats.OutgoingPacketErrors.Increment()
		return tcpip.ErrMessageTooLong
	}
	if err := pkt.Header(header.IPv4MinimumSize); err != nil {
		stats.OutgoingPacketErrors.Increment()
		return err
	}
	if src.IsAny() {
		src = nic.Address()
	}
	h := header.IPv4(pkt.Payload())
	h.Encode(&header.IPv4Fields{
		TOS:         tos,
		TotalLength: uint16(pkt.TotLen()),
		ID:          p.id,
		TTL:         ttl,
		Protocol:    uint8(proto),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	p.id++
	h.SetChecksum(^h.CalculateChecksum())

	err := p.transmit(pkt, nic, dst)
	pkt.Header(-header.IPv4MinimumSize)
	return err
}

// OutputHeaderIncluded sends a datagram whose IP header is already built
// over nic to the destination named in the header. pkt is borrowed.
func (p *protocol) OutputHeaderIncluded(pkt *buffer.Buffer, nic *stack.NIC) *tcpip.Error {
	h := header.IPv4(pkt.Payload())
	return p.transmit(pkt, nic, h.DestinationAddress())
}

// transmit hands a complete datagram to nic, fragmenting it if needed.
func (p *protocol) transmit(pkt *buffer.Buffer, nic *stack.NIC, dst tcpip.Address) *tcpip.Error {
	stats := &p.stack.Stats().IP
	if pkt.TotLen() > int(nic.MTU()) {
		return p.fragment(pkt, nic, dst)
	}
	if err := nic.Output(pkt, dst); err != nil {
		stats.OutgoingPacketErrors.Increment()
		return err
	}
	stats.PacketsSent.Increment()
	return nil
}
