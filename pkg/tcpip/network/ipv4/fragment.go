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
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// fragmentPayloadSize returns the largest fragment payload that fits an
// mtu with a header of hlen bytes, rounded down to the fragment unit.
func fragmentPayloadSize(mtu, hlen int) int {
	return (mtu - hlen) / header.IPv4FragmentUnit * header.IPv4FragmentUnit
}

// fragment splits the datagram in pkt into fragments that fit nic's MTU and
// sends each one to dst. The fragments carry a copy of the original header
// with the offset, more fragments flag, total length and checksum
// rewritten; an original that is itself a fragment keeps its offset and
// flag. If a fragment cannot be allocated the remaining ones are abandoned;
// fragments already sent are not recalled. pkt is borrowed.
func (p *protocol) fragment(pkt *buffer.Buffer, nic *stack.NIC, dst tcpip.Address) *tcpip.Error {
	stats := &p.stack.Stats().IP
	orig := header.IPv4(pkt.Payload())
	hlen := int(orig.HeaderLength())

	if orig.Flags()&header.IPv4FlagDontFragment != 0 {
		stats.FragmentationErrors.Increment()
		return tcpip.ErrMessageTooLong
	}
	nfb := fragmentPayloadSize(int(nic.MTU()), hlen)
	if nfb <= 0 {
		stats.FragmentationErrors.Increment()
		return tcpip.ErrMessageTooLong
	}

	var hdr [header.IPv4MaximumHeaderSize]byte
	copy(hdr[:], orig[:hlen])
	more := orig.More()
	offset := int(orig.FragmentOffset())

	left := pkt.TotLen() - hlen
	poff := hlen
	for left > 0 {
		last := left <= nfb
		n := nfb
		if last {
			n = left
		}

		h := header.IPv4(hdr[:hlen])
		var flags uint8
		if !last || more {
			flags = header.IPv4FlagMoreFragments
		}
		h.SetFlagsFragmentOffset(flags, uint16(offset))
		h.SetTotalLength(uint16(hlen + n))
		h.SetChecksum(0)
		h.SetChecksum(^h.CalculateChecksum())

		frag, err := p.stack.Allocator().Alloc(buffer.Link, hlen+n, buffer.Pool)
		if err != nil {
			stats.FragmentationErrors.Increment()
			return err
		}
		fillFragment(frag, h, pkt, poff)

		err = nic.Output(frag, dst)
		frag.Free()
		if err != nil {
			stats.OutgoingPacketErrors.Increment()
			return err
		}
		stats.FragmentsCreated.Increment()
		stats.PacketsSent.Increment()

		left -= n
		poff += n
		offset += n
	}
	return nil
}

// fillFragment writes h followed by the payload of pkt starting at off
// into the segments of frag.
func fillFragment(frag *buffer.Buffer, h header.IPv4, pkt *buffer.Buffer, off int) {
	w := 0
	for _, v := range frag.Views() {
		i := 0
		if w < len(h) {
			i = copy(v, h[w:])
			w += i
		}
		if i < len(v) {
			w += pkt.CopyTo(v[i:], off+w-len(h))
		}
	}
}
