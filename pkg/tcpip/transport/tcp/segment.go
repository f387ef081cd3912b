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

// segment is an outgoing TCP segment. It lives on exactly one of the unsent
// and unacked queues of its endpoint, and owns pkt, whose first segment
// starts with the encoded TCP header.
type segment struct {
	segmentEntry

	// slot is the TCPSeg pool slot accounting for this segment.
	slot memp.Handle

	pkt *buffer.Buffer

	// hdrLen is the length of the TCP header, options included.
	hdrLen int

	sequenceNumber seqnum.Value
	flags          header.TCPFlags

	// dataLen is the number of payload bytes after the header.
	dataLen int
}

func (s *segment) String() string {
	return fmt.Sprintf("seq %d len %d [%s]", s.sequenceNumber, s.dataLen, s.flags)
}

func (s *segment) flagIsSet(flag header.TCPFlags) bool {
	return s.flags&flag != 0
}

// logicalLen is the segment length in the sequence number space. It's defined
// as the data length plus one for each of the SYN and FIN bits set.
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(s.dataLen)
	if s.flagIsSet(header.TCPFlagSyn) {
		l++
	}
	if s.flagIsSet(header.TCPFlagFin) {
		l++
	}
	return l
}

// end returns the sequence number following the segment.
func (s *segment) end() seqnum.Value {
	return s.sequenceNumber.Add(s.logicalLen())
}

// tcp returns the encoded header.
func (s *segment) tcp() header.TCP {
	return header.TCP(s.pkt.Payload()[:s.hdrLen])
}

// setFlag ORs flag into the segment flags and its header.
func (s *segment) setFlag(flag header.TCPFlags) {
	s.flags |= flag
	s.tcp().SetFlags(uint8(s.flags))
}

// free releases the buffer chain and the pool slot of s. It returns the
// number of buffer segments released.
func (s *segment) free(pools *memp.Pools) int {
	n := 0
	if s.pkt != nil {
		n = s.pkt.Free()
		s.pkt = nil
	}
	pools.Free(s.slot)
	s.slot = memp.Handle{}
	return n
}

// freeSegments frees every segment of l and empties it.
func freeSegments(pools *memp.Pools, l *segmentList) {
	for s := l.Front(); s != nil; {
		next := s.Next()
		s.free(pools)
		s = next
	}
	l.Reset()
}

// incoming is a received segment, parsed once by HandlePacket.
type incoming struct {
	nic *stack.NIC

	src, dst         tcpip.Address
	srcPort, dstPort uint16

	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          header.TCPFlags
	window         uint16

	// mss is the value of the MSS option, if hasMSS.
	mss    uint16
	hasMSS bool

	// pkt holds the payload with the TCP header hidden. It is nil once
	// the payload has been handed to the application.
	pkt     *buffer.Buffer
	dataLen int
}

func (s *incoming) flagIsSet(flag header.TCPFlags) bool {
	return s.flags&flag != 0
}

// logicalLen is the length of s in sequence space.
func (s *incoming) logicalLen() seqnum.Size {
	l := seqnum.Size(s.dataLen)
	if s.flags.Intersects(header.TCPFlagSyn | header.TCPFlagFin) {
		l++
	}
	return l
}

// parse validates the TCP header at the front of pkt and fills s from it,
// hiding the header. It returns false if the header is malformed.
func (s *incoming) parse(info stack.PacketInfo, pkt *buffer.Buffer) bool {
	if pkt.Len() < header.TCPMinimumSize {
		return false
	}
	h := header.TCP(pkt.Payload())

	// h is the header followed by the payload. The data offset must cover
	// at least the minimum header and must fit within the first buffer
	// segment, or part of the header would be delivered as payload.
	if !h.IsValid(pkt.TotLen()) {
		return false
	}
	offset := int(h.DataOffset())

	s.src, s.dst = info.Src, info.Dst
	s.srcPort = h.SourcePort()
	s.dstPort = h.DestinationPort()
	s.sequenceNumber = seqnum.Value(h.SequenceNumber())
	s.ackNumber = seqnum.Value(h.AckNumber())
	s.flags = h.Flags() & (header.TCPFlagFin | header.TCPFlagSyn | header.TCPFlagRst | header.TCPFlagPsh | header.TCPFlagAck | header.TCPFlagUrg)
	s.window = h.WindowSize()
	s.mss, s.hasMSS = header.ParseMSSOption(h.Options())

	pkt.Header(-offset)
	s.pkt = pkt
	s.dataLen = pkt.TotLen()
	return true
}

// trimFront drops the first n payload bytes of s. A payload spread over
// several buffer segments is first copied into one.
func (s *incoming) trimFront(a *buffer.Allocator, n int) *tcpip.Error {
	if n <= s.pkt.Len() {
		s.pkt.Header(-n)
	} else {
		c, err := a.Copy(buffer.Raw, s.pkt, buffer.Heap)
		if err != nil {
			return err
		}
		s.pkt.Free()
		s.pkt = c
		s.pkt.Header(-n)
	}
	s.dataLen -= n
	s.sequenceNumber.UpdateForward(seqnum.Size(n))
	return nil
}
