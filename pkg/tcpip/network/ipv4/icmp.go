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

package ipv4

import (
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/checksum"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// EchoHandler is called for every valid echo reply received. payload is
// only valid during the call.
type EchoHandler func(src tcpip.Address, ident, seq uint16, payload []byte)

// handleICMP handles an ICMP message whose IP header has been hidden. It
// takes ownership of pkt.
func (p *protocol) handleICMP(nic *stack.NIC, info stack.PacketInfo, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().ICMP
	defer pkt.Free()

	if pkt.TotLen() < header.ICMPv4MinimumSize || pkt.Len() < header.ICMPv4MinimumSize {
		stats.Invalid.Increment()
		return
	}
	var c checksum.Checksumer
	for _, v := range pkt.Views() {
		c.Add(v)
	}
	if c.Checksum() != 0xffff {
		stats.Invalid.Increment()
		p.stack.DropLogger().Debugf("ipv4: bad ICMP checksum from %s", info.Src)
		return
	}

	h := header.ICMPv4(pkt.Payload())
	switch h.Type() {
	case header.ICMPv4Echo:
		stats.EchoRequestsReceived.Increment()
		if info.Broadcast {
			stats.Invalid.Increment()
			return
		}
		p.replyEcho(nic, info, pkt)

	case header.ICMPv4EchoReply:
		stats.EchoRepliesReceived.Increment()
		if p.echoHandler != nil {
			payload := pkt.ToBytes()[header.ICMPv4MinimumSize:]
			p.echoHandler(info.Src, h.Ident(), h.Sequence(), payload)
		}

	case header.ICMPv4DstUnreachable:
		stats.DstUnreachableReceived.Increment()
	}
}

// replyEcho turns the echo request in pkt into a reply in place and sends
// it back where it came from.
func (p *protocol) replyEcho(nic *stack.NIC, info stack.PacketInfo, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().ICMP

	h := header.ICMPv4(pkt.Payload())
	old := uint16(h.Type())<<8 | uint16(h.Code())
	h.SetType(header.ICMPv4EchoReply)
	h.SetChecksum(checksum.Update(h.Checksum(), old, uint16(h.Type())<<8|uint16(h.Code())))

	if err := pkt.Header(info.HeaderLen); err != nil {
		return
	}
	ip := header.IPv4(pkt.Payload())
	ip.SetSourceAddress(info.Dst)
	ip.SetDestinationAddress(info.Src)
	ip.SetTTL(p.opts.DefaultTTL)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	if err := p.OutputHeaderIncluded(pkt, nic); err != nil {
		p.stack.DropLogger().Debugf("ipv4: echo reply to %s: %s", info.Src, err)
		return
	}
	stats.EchoRepliesSent.Increment()
}

// SetEchoHandler installs the handler called on echo replies. It must be
// called with the stack's core lock held.
func SetEchoHandler(s *stack.Stack, fn EchoHandler) {
	if p, ok := s.NetworkProtocolInstance(ProtocolNumber).(*protocol); ok {
		p.echoHandler = fn
	}
}

// SendEcho sends an ICMP echo request carrying payload to dst. It must be
// called with the stack's core lock held.
func SendEcho(s *stack.Stack, dst tcpip.Address, ident, seq uint16, payload []byte) *tcpip.Error {
	p, ok := s.NetworkProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	pkt, err := s.Allocator().Alloc(buffer.Transport, header.ICMPv4MinimumSize+len(payload), buffer.Heap)
	if err != nil {
		return err
	}
	defer pkt.Free()

	b := pkt.Payload()
	copy(b[header.ICMPv4MinimumSize:], payload)
	h := header.ICMPv4(b)
	h.SetType(header.ICMPv4Echo)
	h.SetCode(0)
	h.SetIdent(ident)
	h.SetSequence(seq)
	h.SetChecksum(header.ICMPv4Checksum(h, b[header.ICMPv4MinimumSize:]))
	return p.Output(pkt, tcpip.AnyAddress, dst, p.opts.DefaultTTL, 0, header.ICMPv4ProtocolNumber)
}

// SendDestUnreachable implements stack.IPLayer.SendDestUnreachable.
func (p *protocol) SendDestUnreachable(pkt *buffer.Buffer, code header.ICMPv4Code) {
	if p.sendError(pkt, header.ICMPv4DstUnreachable, code) {
		p.stack.Stats().ICMP.DstUnreachableSent.Increment()
	}
}

// sendTimeExceeded sends an ICMP time exceeded message quoting pkt, whose
// IP header must be visible.
func (p *protocol) sendTimeExceeded(pkt *buffer.Buffer, code header.ICMPv4Code) {
	if p.sendError(pkt, header.ICMPv4TimeExceeded, code) {
		p.stack.Stats().ICMP.TimeExceededSent.Increment()
	}
}

// sendError builds an ICMP error message of the given type quoting the IP
// header and the first bytes of the payload of pkt, and sends it to the
// source of pkt. It reports whether the message was sent.
//
// No error is sent about a datagram from an unspecified, broadcast or
// multicast source, about a fragment other than the first, or about an
// ICMP error message.
func (p *protocol) sendError(pkt *buffer.Buffer, typ header.ICMPv4Type, code header.ICMPv4Code) bool {
	stats := &p.stack.Stats().ICMP
	if pkt.Len() < header.IPv4MinimumSize {
		return false
	}
	ip := header.IPv4(pkt.Payload())
	hlen := int(ip.HeaderLength())
	src := ip.SourceAddress()
	if src.IsAny() || src.IsLimitedBroadcast() || src.IsMulticast() || ip.FragmentOffset() != 0 {
		return false
	}
	if ip.TransportProtocol() == header.ICMPv4ProtocolNumber {
		var t [1]byte
		if pkt.CopyTo(t[:], hlen) == 1 {
			switch header.ICMPv4Type(t[0]) {
			case header.ICMPv4Echo, header.ICMPv4EchoReply:
			default:
				return false
			}
		}
	}
	if !p.icmpLimiter.Allow() {
		stats.RateLimited.Increment()
		return false
	}

	quote := make([]byte, min(pkt.TotLen(), hlen+header.ICMPv4ErrorDataSize))
	pkt.CopyTo(quote, 0)

	msg, err := p.stack.Allocator().Alloc(buffer.Transport, header.ICMPv4MinimumSize+len(quote), buffer.Heap)
	if err != nil {
		return false
	}
	defer msg.Free()
	b := msg.Payload()
	h := header.ICMPv4(b)
	h.SetType(typ)
	h.SetCode(code)
	h.SetRestOfHeader()
	copy(b[header.ICMPv4MinimumSize:], quote)
	h.SetChecksum(header.ICMPv4Checksum(h, quote))

	if err := p.Output(msg, tcpip.AnyAddress, src, p.opts.DefaultTTL, 0, header.ICMPv4ProtocolNumber); err != nil {
		p.stack.DropLogger().Debugf("ipv4: ICMP type %d code %d to %s: %s", typ, code, src, err)
		return false
	}
	return true
}
