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

// Package tcp contains the implementation of the TCP transport protocol. To use
// it in the networking stack, pass tcp.NewProtocol as one of the transport
// protocols when calling stack.New(). Then endpoints can be created with
// NewEndpoint.
//
// Every endpoint operation, like the rest of the stack, must run with the
// stack's core lock held: from the stack loop (Stack.Do, Stack.Post) or
// while the loop is not running.
package tcp

import (
	"time"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// DefaultMSS is the default maximum segment size. A peer's MSS option
	// can only lower it.
	DefaultMSS = header.TCPDefaultMSS

	// DefaultReceiveWindow is the default receive window.
	DefaultReceiveWindow = 4096

	// DefaultSendBufferSize is the default number of bytes that may be
	// queued for sending and not yet acknowledged.
	DefaultSendBufferSize = 4096

	// DefaultSendQueueLen is the default limit on the number of buffer
	// segments held by the send queues of one endpoint.
	DefaultSendQueueLen = 4 * DefaultSendBufferSize / DefaultMSS

	// DefaultMaxRetransmits is the number of retransmissions after which a
	// connection is dropped.
	DefaultMaxRetransmits = 12

	// DefaultMaxSynRetransmits is the number of SYN retransmissions after
	// which a connection attempt is dropped.
	DefaultMaxSynRetransmits = 6

	// DefaultTimerInterval is the period of the fast timer. The slow timer
	// runs at every second fast tick.
	DefaultTimerInterval = 250 * time.Millisecond

	// DefaultInitialRTO is the retransmission timeout used before any
	// round-trip time has been measured.
	DefaultInitialRTO = 3 * time.Second

	// DefaultFinWait2Timeout is how long an endpoint may wait for the FIN
	// of its peer in FIN-WAIT-2.
	DefaultFinWait2Timeout = 20 * time.Second

	// DefaultSynRcvdTimeout is how long a passive open may wait for the
	// final ACK of the handshake.
	DefaultSynRcvdTimeout = 20 * time.Second

	// DefaultMSL is the maximum segment lifetime. Endpoints stay in
	// TIME-WAIT for twice this long.
	DefaultMSL = 60 * time.Second

	// DefaultKeepaliveIdle is the idle time before the first keepalive
	// segment.
	DefaultKeepaliveIdle = 2 * time.Hour

	// DefaultKeepaliveInterval is the interval between keepalive segments.
	DefaultKeepaliveInterval = 75 * time.Second

	// DefaultKeepaliveCount is the number of unanswered keepalives after which
	// the connection is aborted.
	DefaultKeepaliveCount = 9

	// initialISS is the first initial send sequence number handed out.
	initialISS = 6510

	// maxWindow bounds the congestion window to what a window field can
	// express.
	maxWindow = 0xffff
)

// backoff scales the retransmission timeout by the number of
// retransmissions so far.
var backoff = [...]uint{1, 2, 3, 4, 5, 6, 7, 7, 7, 7, 7, 7, 7}

// Options configures the TCP protocol. Zero fields take their default
// values.
type Options struct {
	// MSS is the largest segment payload this stack sends or announces.
	MSS int

	// ReceiveWindow is the receive window of a new endpoint.
	ReceiveWindow int

	// SendBufferSize is the send buffer of a new endpoint.
	SendBufferSize int

	// SendQueueLen limits the buffer segments queued on one endpoint.
	SendQueueLen int

	// MaxRetransmits and MaxSynRetransmits bound retransmissions of data
	// and of SYN segments.
	MaxRetransmits    int
	MaxSynRetransmits int

	// TimerInterval is the period of the fast timer.
	TimerInterval time.Duration

	// InitialRTO is the retransmission timeout before any measurement.
	InitialRTO time.Duration

	// FinWait2Timeout, SynRcvdTimeout and MSL bound the lifetime of
	// closing and half-open endpoints.
	FinWait2Timeout time.Duration
	SynRcvdTimeout  time.Duration
	MSL             time.Duration

	// KeepaliveIdle, KeepaliveInterval and KeepaliveCount configure
	// keepalive probing of endpoints that enable it.
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int
}

// DefaultOptions returns the options used by NewProtocol.
func DefaultOptions() Options {
	return Options{
		MSS:               DefaultMSS,
		ReceiveWindow:     DefaultReceiveWindow,
		SendBufferSize:    DefaultSendBufferSize,
		SendQueueLen:      DefaultSendQueueLen,
		MaxRetransmits:    DefaultMaxRetransmits,
		MaxSynRetransmits: DefaultMaxSynRetransmits,
		TimerInterval:     DefaultTimerInterval,
		InitialRTO:        DefaultInitialRTO,
		FinWait2Timeout:   DefaultFinWait2Timeout,
		SynRcvdTimeout:    DefaultSynRcvdTimeout,
		MSL:               DefaultMSL,
		KeepaliveIdle:     DefaultKeepaliveIdle,
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveCount:    DefaultKeepaliveCount,
	}
}

func (o *Options) fillIn() {
	d := DefaultOptions()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDuration := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&o.MSS, d.MSS)
	setInt(&o.ReceiveWindow, d.ReceiveWindow)
	setInt(&o.SendBufferSize, d.SendBufferSize)
	setInt(&o.SendQueueLen, d.SendQueueLen)
	setInt(&o.MaxRetransmits, d.MaxRetransmits)
	setInt(&o.MaxSynRetransmits, d.MaxSynRetransmits)
	setInt(&o.KeepaliveCount, d.KeepaliveCount)
	setDuration(&o.TimerInterval, d.TimerInterval)
	setDuration(&o.InitialRTO, d.InitialRTO)
	setDuration(&o.FinWait2Timeout, d.FinWait2Timeout)
	setDuration(&o.SynRcvdTimeout, d.SynRcvdTimeout)
	setDuration(&o.MSL, d.MSL)
	setDuration(&o.KeepaliveIdle, d.KeepaliveIdle)
	setDuration(&o.KeepaliveInterval, d.KeepaliveInterval)
	o.MSS = min(o.MSS, maxWindow)
	o.ReceiveWindow = min(o.ReceiveWindow, maxWindow)
}

// slowTicks converts d into a number of slow timer ticks.
func (o *Options) slowTicks(d time.Duration) uint32 {
	return uint32(d / (2 * o.TimerInterval))
}

// protocol implements stack.TransportProtocol.
type protocol struct {
	stack *stack.Stack
	opts  Options

	// active holds the endpoints that are connecting, connected or
	// closing, most recently used first. listeners and timeWait hold the
	// endpoints in those states.
	active    []*Endpoint
	listeners []*Endpoint
	timeWait  []*Endpoint

	// ticks counts slow timer ticks. fastTicks counts fast ones.
	ticks     uint32
	fastTicks uint32

	iss seqnum.Value

	// input is the endpoint HandlePacket is processing. Output for it is
	// deferred until processing completes.
	input *Endpoint
}

// NewProtocol returns a TCP transport protocol with default options. It is
// a stack.TransportProtocolFactory.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolWithOptions(DefaultOptions())(s)
}

// NewProtocolWithOptions returns a factory for TCP protocols configured by
// opts.
func NewProtocolWithOptions(opts Options) stack.TransportProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.TransportProtocol {
		p := &protocol{
			stack: s,
			opts:  opts,
			iss:   initialISS,
		}
		if _, err := s.AddCyclicTimeout(opts.TimerInterval, p.tick); err != nil {
			panic("tcp: cannot schedule timer: " + err.String())
		}
		return p
	}
}

// Number returns the tcp protocol number.
func (*protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

func (p *protocol) nextISS() seqnum.Value {
	p.iss.UpdateForward(seqnum.Size(p.ticks))
	return p.iss
}

func removeEndpoint(list []*Endpoint, e *Endpoint) []*Endpoint {
	for i, ep := range list {
		if ep == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// unregister removes e from whichever endpoint list holds it.
func (p *protocol) unregister(e *Endpoint) {
	p.active = removeEndpoint(p.active, e)
	p.listeners = removeEndpoint(p.listeners, e)
	p.timeWait = removeEndpoint(p.timeWait, e)
}

// findActive returns the synchronizing or synchronized endpoint for the
// segment and moves it to the front of the active list.
func (p *protocol) findActive(s *incoming) *Endpoint {
	for i, e := range p.active {
		if e.matches(s) {
			if i != 0 {
				copy(p.active[1:i+1], p.active[:i])
				p.active[0] = e
			}
			return e
		}
	}
	return nil
}

func (p *protocol) findTimeWait(s *incoming) *Endpoint {
	for _, e := range p.timeWait {
		if e.matches(s) {
			return e
		}
	}
	return nil
}

func (p *protocol) findListener(s *incoming) *Endpoint {
	for _, e := range p.listeners {
		if e.localPort == s.dstPort && (e.localAddr.IsAny() || e.localAddr == s.dst) {
			return e
		}
	}
	return nil
}

// HandlePacket implements stack.TransportProtocol.HandlePacket. It takes
// ownership of pkt.
func (p *protocol) HandlePacket(nic *stack.NIC, info stack.PacketInfo, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().TCP
	stats.SegmentsReceived.Increment()

	// TCP is unicast only.
	if info.Broadcast {
		pkt.Free()
		return
	}
	if !header.TCPChecksumValid(info.Src, info.Dst, pkt.Views()...) {
		stats.ChecksumErrors.Increment()
		p.stack.DropLogger().Debugf("tcp: %s: bad checksum from %s", nic.Name(), info.Src)
		pkt.Free()
		return
	}
	s := incoming{nic: nic}
	if !s.parse(info, pkt) {
		p.stack.DropLogger().Debugf("tcp: %s: malformed segment from %s", nic.Name(), info.Src)
		pkt.Free()
		return
	}
	defer func() {
		if s.pkt != nil {
			s.pkt.Free()
		}
	}()

	if e := p.findActive(&s); e != nil {
		p.deliver(e, &s)
		return
	}
	if e := p.findTimeWait(&s); e != nil {
		e.inputTimeWait(&s)
		return
	}
	if l := p.findListener(&s); l != nil {
		l.inputListen(&s)
		return
	}
	if !s.flagIsSet(header.TCPFlagRst) {
		p.sendReset(s.dst, s.src, s.dstPort, s.srcPort, s.ackNumber, s.sequenceNumber.Add(s.logicalLen()))
	}
}

// deliver runs the segment through the state machine of e and then hands
// the results to the application.
func (p *protocol) deliver(e *Endpoint, s *incoming) {
	p.input = e
	r := e.process(s)
	p.input = nil
	defer func() {
		if r.data != nil {
			r.data.Free()
		}
	}()

	switch {
	case r.aborted:
		return
	case r.reset:
		err := tcpip.ErrConnectionReset
		if e.state == StateSynSent {
			err = tcpip.ErrConnectionRefused
		} else {
			p.stack.Stats().TCP.EstablishedResets.Increment()
		}
		e.release()
		e.notifyError(err)
		return
	case r.closed:
		e.release()
		return
	}

	if e.acked > 0 && e.sent != nil {
		e.sent(e, e.acked)
		if e.released {
			return
		}
	}
	if r.data != nil {
		data := r.data
		r.data = nil
		e.deliverData(data)
		if e.released {
			return
		}
	}
	if r.gotFin {
		e.deliverData(nil)
		if e.released {
			return
		}
	}
	e.Output()
}

// tick is the periodic TCP timer. It runs the fast timer every time and the
// slow timer every other time.
func (p *protocol) tick() {
	p.fastTimer()
	p.fastTicks++
	if p.fastTicks&1 != 0 {
		p.slowTimer()
	}
}

// sendReset sends a RST segment that is not tied to any endpoint.
func (p *protocol) sendReset(local, remote tcpip.Address, localPort, remotePort uint16, seq, ack seqnum.Value) {
	pkt, err := p.stack.Allocator().Alloc(buffer.IP, header.TCPMinimumSize, buffer.Heap)
	if err != nil {
		p.stack.DropLogger().Debugf("tcp: RST to %s:%d: %s", remote, remotePort, err)
		return
	}
	defer pkt.Free()
	header.TCP(pkt.Payload()).Encode(&header.TCPFields{
		SrcPort:    localPort,
		DstPort:    remotePort,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagRst | header.TCPFlagAck,
		WindowSize: uint16(p.opts.ReceiveWindow),
	})
	p.transmit(pkt, local, remote, p.stack.IP().DefaultTTL(), 0)
	p.stack.Stats().TCP.ResetsSent.Increment()
}

// transmit checksums the TCP segment at the front of pkt and sends it. pkt
// is borrowed.
func (p *protocol) transmit(pkt *buffer.Buffer, local, remote tcpip.Address, ttl, tos uint8) *tcpip.Error {
	h := header.TCP(pkt.Payload())
	h.SetChecksum(0)
	h.SetChecksum(header.TCPChecksum(local, remote, pkt.Views()...))
	if err := p.stack.IP().Output(pkt, local, remote, ttl, tos, ProtocolNumber); err != nil {
		p.stack.DropLogger().Debugf("tcp: segment to %s: %s", remote, err)
		return err
	}
	p.stack.Stats().TCP.SegmentsSent.Increment()
	return nil
}

// Endpoints returns the endpoints of s that are connecting, connected,
// listening or closing. It must be called with the stack's core lock held.
func Endpoints(s *stack.Stack) []*Endpoint {
	p, ok := s.TransportProtocolInstance(ProtocolNumber).(*protocol)
	if !ok {
		return nil
	}
	var eps []*Endpoint
	eps = append(eps, p.listeners...)
	eps = append(eps, p.active...)
	eps = append(eps, p.timeWait...)
	return eps
}
