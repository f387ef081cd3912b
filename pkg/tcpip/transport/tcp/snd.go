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
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
)

// enqueue splits data into segments of at most one MSS and appends them to
// the unsent queue. A SYN or FIN in flags occupies one sequence number.
// opts, if not nil, are TCP options carried by a single segment without
// data.
//
// With copyData set the data is copied into the arena; otherwise each
// segment references data behind a separate header buffer.
func (e *Endpoint) enqueue(data []byte, flags header.TCPFlags, copyData bool, opts []byte) *tcpip.Error {
	p := e.proto
	pools := p.stack.Pools()
	stats := &p.stack.Stats().TCP

	if len(data) > e.sndBuf {
		stats.SendQueueFull.Increment()
		return tcpip.ErrNoBufferSpace
	}
	queueLen := e.sndQueueLen
	if queueLen >= p.opts.SendQueueLen {
		stats.SendQueueFull.Increment()
		return tcpip.ErrQueueTooLong
	}

	var queue segmentList
	var last *segment
	seq := e.sndLbb
	left := data
	for queue.Empty() || len(left) > 0 {
		n := min(len(left), e.mss)
		s, err := e.newSegment(left[:n], seq, flags, copyData, opts)
		if err != nil {
			freeSegments(pools, &queue)
			return err
		}
		queue.PushBack(s)
		last = s
		queueLen += s.pkt.Clen()
		if queueLen > p.opts.SendQueueLen {
			freeSegments(pools, &queue)
			stats.SendQueueFull.Increment()
			return tcpip.ErrQueueTooLong
		}
		left = left[n:]
		seq = seq.Add(seqnum.Size(n))
	}

	// Small writes are merged into the last unsent segment when the two
	// fit one MSS and neither carries a SYN or FIN.
	const synFin = header.TCPFlagSyn | header.TCPFlagFin
	if tail := e.unsent.Back(); tail != nil && tail.dataLen > 0 && !tail.flags.Intersects(synFin) &&
		!flags.Intersects(synFin) && tail.dataLen+queue.Front().dataLen <= e.mss {
		head := queue.Front()
		queue.Remove(head)
		head.pkt.Header(-head.hdrLen)
		tail.pkt.Cat(head.pkt)
		head.pkt = nil
		tail.dataLen += head.dataLen
		head.free(pools)
		if last == head {
			last = tail
		}
	}
	e.unsent.PushBackList(&queue)

	size := seqnum.Size(len(data))
	if flags.Intersects(synFin) {
		size++
	}
	e.sndLbb.UpdateForward(size)
	e.sndBuf -= int(size)
	e.sndQueueLen = queueLen

	if last.dataLen > 0 {
		last.setFlag(header.TCPFlagPsh)
	}
	return nil
}

// newSegment builds one outgoing segment holding data.
func (e *Endpoint) newSegment(data []byte, seq seqnum.Value, flags header.TCPFlags, copyData bool, opts []byte) (*segment, *tcpip.Error) {
	p := e.proto
	a := p.stack.Allocator()
	slot, err := p.stack.Pools().Alloc(memp.TCPSeg)
	if err != nil {
		return nil, err
	}

	var pkt *buffer.Buffer
	switch {
	case opts != nil:
		if pkt, err = a.Alloc(buffer.Transport, len(opts), buffer.Heap); err == nil {
			copy(pkt.Payload(), opts)
		}
		data = nil
	case copyData:
		if pkt, err = a.Alloc(buffer.Transport, len(data), buffer.Heap); err == nil {
			copy(pkt.Payload(), data)
		}
	default:
		if pkt, err = a.Alloc(buffer.Transport, 0, buffer.Heap); err == nil {
			ref, rerr := a.NewRef(data)
			if rerr != nil {
				pkt.Free()
				pkt, err = nil, rerr
			} else {
				pkt.Cat(ref)
			}
		}
	}
	if err == nil {
		err = pkt.Header(header.TCPMinimumSize)
		if err != nil {
			pkt.Free()
		}
	}
	if err != nil {
		p.stack.Pools().Free(slot)
		return nil, err
	}

	hdrLen := header.TCPMinimumSize + len(opts)
	header.TCP(pkt.Payload()).Encode(&header.TCPFields{
		SrcPort:    e.localPort,
		DstPort:    e.remotePort,
		SeqNum:     uint32(seq),
		DataOffset: uint8(hdrLen),
		Flags:      flags,
	})
	return &segment{
		slot:           slot,
		pkt:            pkt,
		hdrLen:         hdrLen,
		sequenceNumber: seq,
		flags:          flags,
		dataLen:        len(data),
	}, nil
}

// Output sends as much of the unsent queue as the send and congestion
// windows allow, or a bare ACK if one is due and no data can go. It does
// nothing while a segment for e is being processed; the stack calls it
// once processing completes.
func (e *Endpoint) Output() *tcpip.Error {
	if e.released || e.proto.input == e {
		return nil
	}
	wnd := min(e.sndWnd, e.cwnd)

	s := e.unsent.Front()
	if e.ackNow && (s == nil || e.inFlight(s) > wnd) {
		e.ackDelay, e.ackNow = false, false
		return e.sendEmpty(e.sndNxt, header.TCPFlagAck)
	}

	for s != nil && e.inFlight(s) <= wnd {
		e.unsent.Remove(s)
		if e.state != StateSynSent {
			s.setFlag(header.TCPFlagAck)
			e.ackDelay, e.ackNow = false, false
		}
		e.sendSegment(s)

		e.sndNxt = s.end()
		if e.sndMax.LessThan(e.sndNxt) {
			e.sndMax = e.sndNxt
		}

		if s.logicalLen() > 0 {
			// A retransmitted segment goes back in front of the
			// segments sent after it.
			if back := e.unacked.Back(); back != nil && s.sequenceNumber.LessThan(back.sequenceNumber) {
				e.unacked.PushFront(s)
			} else {
				e.unacked.PushBack(s)
			}
		} else {
			e.sndQueueLen -= s.free(e.proto.stack.Pools())
		}
		s = e.unsent.Front()
	}
	return nil
}

// inFlight returns how far the end of the data of s lies beyond the last
// acknowledged sequence number.
func (e *Endpoint) inFlight(s *segment) int {
	return int(e.lastAck.Size(s.sequenceNumber)) + s.dataLen
}

// sendSegment fills in the acknowledgement fields of s and transmits it.
func (e *Endpoint) sendSegment(s *segment) {
	h := s.tcp()
	h.SetAckNumber(uint32(e.rcvNxt))
	if e.rcvWnd < e.mss {
		h.SetWindowSize(0)
	} else {
		h.SetWindowSize(uint16(e.rcvWnd))
	}

	e.rtime = 0
	if !e.rttActive {
		e.rttActive = true
		e.rttest = e.proto.ticks
		e.rtseq = s.sequenceNumber
	}
	e.proto.transmit(s.pkt, e.localAddr, e.remoteAddr, e.ttl, e.tos)
}

// sendEmpty sends a segment without data at seq.
func (e *Endpoint) sendEmpty(seq seqnum.Value, flags header.TCPFlags) *tcpip.Error {
	p := e.proto
	pkt, err := p.stack.Allocator().Alloc(buffer.IP, header.TCPMinimumSize, buffer.Heap)
	if err != nil {
		p.stack.DropLogger().Debugf("tcp: %s: no buffer for ACK: %s", e, err)
		return err
	}
	defer pkt.Free()
	header.TCP(pkt.Payload()).Encode(&header.TCPFields{
		SrcPort:    e.localPort,
		DstPort:    e.remotePort,
		SeqNum:     uint32(seq),
		AckNum:     uint32(e.rcvNxt),
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: uint16(e.rcvWnd),
	})
	return p.transmit(pkt, e.localAddr, e.remoteAddr, e.ttl, e.tos)
}

// rexmit moves the oldest unacknowledged segment back to the front of the
// unsent queue and sends it again.
func (e *Endpoint) rexmit() {
	s := e.unacked.Front()
	if s == nil {
		return
	}
	e.unacked.Remove(s)
	e.unsent.PushFront(s)
	e.sndNxt = s.sequenceNumber
	e.nrtx++
	e.rttActive = false
	e.Output()
}

// rexmitRTO moves every unacknowledged segment back to the front of the
// unsent queue, keeping their order, and sends again what the windows
// allow.
func (e *Endpoint) rexmitRTO() {
	if e.unacked.Empty() {
		return
	}
	e.unsent.PushFrontList(&e.unacked)
	e.sndNxt = e.unsent.Front().sequenceNumber
	e.nrtx++
	e.rttActive = false
	e.proto.stack.Stats().TCP.Retransmits.Increment()
	e.Output()
}

// sendKeepalive sends the peer a segment that repeats the last sent
// sequence number, which the peer must acknowledge.
func (e *Endpoint) sendKeepalive() {
	if e.sendEmpty(e.sndNxt-1, header.TCPFlagAck) == nil {
		e.proto.stack.Stats().TCP.KeepalivesSent.Increment()
	}
}
