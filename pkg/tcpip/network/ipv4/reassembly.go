// Copyright 2026 The gVisor Authors.
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
	"github.com/ipstack/ipstack/pkg/bitmap"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
)

// reassState is the state of the reassembly context.
type reassState uint8

const (
	// reassIdle: no datagram in flight.
	reassIdle reassState = iota
	// reassCollecting: fragments arriving, total length unknown.
	reassCollecting
	// reassLastSeen: the final fragment arrived, total length known.
	reassLastSeen
)

func (s reassState) String() string {
	switch s {
	case reassIdle:
		return "idle"
	case reassCollecting:
		return "collecting"
	case reassLastSeen:
		return "last-seen"
	default:
		return "unknown"
	}
}

// reassembler rebuilds one fragmented datagram at a time. A fragment of a
// different datagram replaces the one in flight.
type reassembler struct {
	p      *protocol
	maxAge int

	state reassState
	src   tcpip.Address
	dst   tcpip.Address
	id    uint16

	// hdr holds the header of the datagram, taken from the first
	// fragment seen and replaced by the one at offset zero.
	hdr  [header.IPv4MaximumHeaderSize]byte
	hlen int

	// data holds the payload; present has one bit per fragment unit of
	// data received.
	data    []byte
	present bitmap.Bitmap

	// total is the payload length, known once the final fragment arrived.
	total int
	age   int
}

func (r *reassembler) init(p *protocol, size, maxAge int) {
	r.p = p
	r.maxAge = maxAge
	r.data = make([]byte, size-header.IPv4MinimumSize)
	r.present = bitmap.New(uint32(len(r.data)+header.IPv4FragmentUnit-1) / header.IPv4FragmentUnit)
}

func (r *reassembler) matches(h header.IPv4) bool {
	return r.state != reassIdle && r.src == h.SourceAddress() && r.dst == h.DestinationAddress() && r.id == h.ID()
}

// start discards any datagram in flight and begins collecting the one h
// belongs to.
func (r *reassembler) start(h header.IPv4) {
	if r.state != reassIdle {
		r.p.stack.Stats().IP.ReassemblyReplaced.Increment()
	}
	r.reset()
	r.state = reassCollecting
	r.src = h.SourceAddress()
	r.dst = h.DestinationAddress()
	r.id = h.ID()
	r.hlen = copy(r.hdr[:], h[:h.HeaderLength()])
	r.age = r.maxAge
}

func (r *reassembler) reset() {
	r.state = reassIdle
	r.present.Reset()
	r.total = 0
	r.hlen = 0
}

// complete reports whether every unit of the payload is present.
func (r *reassembler) complete() bool {
	if r.state != reassLastSeen {
		return false
	}
	units := uint32(r.total+header.IPv4FragmentUnit-1) / header.IPv4FragmentUnit
	return r.present.IsRangeSet(0, units)
}

// process adds the fragment in pkt to the context and takes ownership of
// it. It returns the reassembled datagram, IP header included, once every
// fragment has arrived, and nil before that or if the fragment was
// dropped.
func (r *reassembler) process(pkt *buffer.Buffer) *buffer.Buffer {
	stats := &r.p.stack.Stats().IP
	defer pkt.Free()

	h := header.IPv4(pkt.Payload())
	hlen := int(h.HeaderLength())
	off := int(h.FragmentOffset())
	n := pkt.TotLen() - hlen
	more := h.More()

	if more && (n == 0 || n%header.IPv4FragmentUnit != 0) {
		stats.MalformedPacketsReceived.Increment()
		return nil
	}
	if !r.matches(h) {
		r.start(h)
	}
	if off+n > len(r.data) {
		stats.ReassemblyOverflows.Increment()
		r.p.stack.DropLogger().Debugf("ipv4: fragment [%d, %d) of datagram %d from %s exceeds the %d byte reassembly buffer: %s", off, off+n, r.id, r.src, len(r.data), tcpip.ErrFragmentTooLarge)
		r.reset()
		return nil
	}

	pkt.CopyTo(r.data[off:off+n], hlen)
	begin := uint32(off / header.IPv4FragmentUnit)
	end := uint32(off+n+header.IPv4FragmentUnit-1) / header.IPv4FragmentUnit
	r.present.SetRange(begin, end)
	if off == 0 {
		r.hlen = copy(r.hdr[:], h[:hlen])
	}
	if !more {
		r.total = off + n
		r.state = reassLastSeen
	}

	if !r.complete() {
		return nil
	}
	return r.build()
}

// build copies the completed datagram into a new buffer and clears the
// context.
func (r *reassembler) build() *buffer.Buffer {
	stats := &r.p.stack.Stats().IP
	defer r.reset()

	b := make([]byte, r.hlen+r.total)
	copy(b, r.hdr[:r.hlen])
	copy(b[r.hlen:], r.data[:r.total])
	h := header.IPv4(b)
	h.SetTotalLength(uint16(len(b)))
	h.SetFlagsFragmentOffset(0, 0)
	h.SetChecksum(0)
	h.SetChecksum(^h.CalculateChecksum())

	out, err := r.p.stack.Allocator().Alloc(buffer.Link, len(b), buffer.Pool)
	if err != nil {
		r.p.stack.DropLogger().Debugf("ipv4: no buffer for %d byte reassembled datagram: %s", len(b), err)
		return nil
	}
	out.CopyFrom(b)
	stats.ReassembliesCompleted.Increment()
	return out
}

// tick ages the context and discards it once it reaches its maximum age.
// If the first fragment had arrived the sender is told with an ICMP time
// exceeded message.
func (r *reassembler) tick() {
	if r.state == reassIdle {
		return
	}
	r.age--
	if r.age > 0 {
		return
	}
	r.p.stack.Stats().IP.ReassemblyTimeouts.Increment()
	r.p.stack.DropLogger().Debugf("ipv4: datagram %d from %s: %s", r.id, r.src, tcpip.ErrReassemblyTimeout)
	if r.present.IsRangeSet(0, 1) {
		quote := make([]byte, r.hlen+header.ICMPv4ErrorDataSize)
		copy(quote, r.hdr[:r.hlen])
		copy(quote[r.hlen:], r.data[:header.ICMPv4ErrorDataSize])
		if pkt, err := r.p.stack.Allocator().NewFrom(buffer.Raw, quote); err == nil {
			r.p.sendTimeExceeded(pkt, header.ICMPv4ReassemblyTimeout)
			pkt.Free()
		}
	}
	r.reset()
}
