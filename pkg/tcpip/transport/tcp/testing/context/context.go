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

// Package context provides a test context for use in tcp tests. It also
// provides helper methods to assert/check certain behaviours.
package context

import (
	"bytes"
	"testing"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/checker"
	"github.com/ipstack/ipstack/pkg/tcpip/faketime"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/link/channel"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/network/ipv4"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
	"github.com/ipstack/ipstack/pkg/tcpip/testutil"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/tcp"
)

const (
	// StackPort is used as the listening port in tests for passive
	// connects.
	StackPort = 1234

	// TestPort is the TCP port used for packets sent to the stack
	// via the link layer endpoint.
	TestPort = 4096

	// TestInitialSequenceNumber is the initial sequence number sent in packets that
	// are sent in response to a SYN or in the initial SYN sent to the stack.
	TestInitialSequenceNumber = 789
)

var (
	// StackAddr is the IPv4 address assigned to the stack.
	StackAddr = testutil.MustParse4("10.0.0.1")

	// TestAddr is the source address for packets sent to the stack via the
	// link layer endpoint.
	TestAddr = testutil.MustParse4("10.0.0.2")

	// StackNetmask is the netmask of the stack interface.
	StackNetmask = testutil.MustParse4("255.255.255.0")
)

// Headers is used to represent the TCP header fields when building a
// new packet.
type Headers struct {
	// SrcPort holds the src port value to be used in the packet.
	SrcPort uint16

	// DstPort holds the destination port value to be used in the packet.
	DstPort uint16

	// SeqNum is the value of the sequence number field in the TCP header.
	SeqNum seqnum.Value

	// AckNum represents the acknowledgement number field in the TCP header.
	AckNum seqnum.Value

	// Flags are the TCP flags in the TCP header.
	Flags header.TCPFlags

	// RcvWnd is the window to be advertised in the ReceiveWindow field of
	// the TCP header.
	RcvWnd seqnum.Size

	// TCPOpts holds the options to be sent in the option field of the TCP
	// header.
	TCPOpts []byte
}

// Options contains options for creating a new test context.
type Options struct {
	// MTU indicates the maximum transmission unit on the link layer.
	MTU uint32

	// TCP configures the TCP protocol. Zero fields take their defaults.
	TCP tcp.Options
}

// Context provides an initialized Network stack and a link layer endpoint
// for use in TCP tests.
type Context struct {
	t      *testing.T
	linkEP *channel.Endpoint
	s      *stack.Stack
	clock  *faketime.ManualClock
	opts   tcp.Options

	// IRS holds the initial sequence number in the SYN sent by endpoint in
	// case of an active connect or the sequence number sent by the endpoint
	// in the SYN-ACK sent in response to a SYN when listening in passive
	// mode.
	IRS seqnum.Value

	// Port holds the port bound by EP below in case of an active connect or
	// the listening port number in case of a passive connect.
	Port uint16

	// EP is the test endpoint in the stack owned by this context. This endpoint
	// is used in various tests to either initiate an active connect or is used
	// as a passive listening endpoint to accept inbound connections.
	EP *tcp.Endpoint

	// Received accumulates the data delivered to the receive callback of
	// EP and of accepted endpoints.
	Received []byte

	// GotFin is set once the receive callback reports the peer's FIN.
	GotFin bool

	// Errors records the errors reported to the error callback.
	Errors []*tcpip.Error

	// Acked accumulates the byte counts reported to the sent callback.
	Acked int

	// Accepted holds the endpoints handed to the accept callback.
	Accepted []*tcp.Endpoint
}

// New allocates and initializes a test context containing a new
// stack and a link-layer endpoint.
func New(t *testing.T, mtu uint32) *Context {
	return NewWithOpts(t, Options{MTU: mtu})
}

// NewWithOpts allocates and initializes a test context containing a new
// stack and a link-layer endpoint with specific options.
func NewWithOpts(t *testing.T, opts Options) *Context {
	t.Helper()
	c := &Context{
		t:     t,
		clock: faketime.NewManualClock(),
	}
	c.s = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocolWithOptions(opts.TCP)},
		Clock:              c.clock,
	})
	c.opts = opts.TCP
	c.linkEP = channel.New(256, opts.MTU, tcpip.LinkAddress{})
	if err := c.s.CreateNIC(1, c.linkEP, stack.NICConfig{
		Addr:    StackAddr,
		Netmask: StackNetmask,
		Flags:   stack.FlagUp | stack.FlagLinkUp | stack.FlagBroadcast,
	}); err != nil {
		t.Fatalf("CreateNIC failed: %s", err)
	}
	return c
}

// Cleanup aborts the test endpoint if it is still alive and drops every
// packet the stack sent.
func (c *Context) Cleanup() {
	if c.EP != nil {
		c.EP.Abort()
	}
	for _, ep := range c.Accepted {
		ep.Abort()
	}
	c.linkEP.Drain()
}

// Stack returns a reference to the stack in the Context.
func (c *Context) Stack() *stack.Stack {
	return c.s
}

// Tick advances the clock by n TCP timer intervals and runs the timers
// that became due at each step.
func (c *Context) Tick(n int) {
	interval := c.opts.TimerInterval
	if interval == 0 {
		interval = tcp.DefaultTimerInterval
	}
	for i := 0; i < n; i++ {
		c.clock.Advance(interval)
		c.s.RunTimers()
	}
}

// CheckNoPacket verifies that no packet has been sent.
func (c *Context) CheckNoPacket(errMsg string) {
	c.t.Helper()
	if p, ok := c.linkEP.Read(); ok {
		c.t.Fatalf("%s: got %x", errMsg, p.Frame)
	}
}

// GetPacket reads a packet from the link layer endpoint and verifies
// that it is an IPv4 packet with the expected source and destination
// addresses.
func (c *Context) GetPacket() []byte {
	c.t.Helper()
	b := c.GetPacketNonBlocking()
	if b == nil {
		c.t.Fatalf("Packet wasn't written out")
	}
	return b
}

// GetPacketNonBlocking reads a packet from the link layer endpoint
// and verifies that it is an IPv4 packet with the expected source
// and destination address. If no packet is available it will return
// nil immediately.
func (c *Context) GetPacketNonBlocking() []byte {
	c.t.Helper()
	p, ok := c.linkEP.Read()
	if !ok {
		return nil
	}
	checker.IPv4(c.t, p.Frame, checker.SrcAddr(StackAddr), checker.DstAddr(TestAddr))
	return p.Frame
}

// BuildSegment builds a TCP segment based on the given Headers and payload.
func (c *Context) BuildSegment(payload []byte, h *Headers) []byte {
	return c.BuildSegmentWithAddrs(payload, h, TestAddr, StackAddr)
}

// BuildSegmentWithAddrs builds a TCP segment based on the given Headers,
// payload and source and destination IPv4 addresses.
func (c *Context) BuildSegmentWithAddrs(payload []byte, h *Headers, src, dst tcpip.Address) []byte {
	// Allocate a buffer for data and headers.
	buf := make([]byte, header.TCPMinimumSize+header.IPv4MinimumSize+len(h.TCPOpts)+len(payload))
	copy(buf[len(buf)-len(payload):], payload)
	copy(buf[len(buf)-len(payload)-len(h.TCPOpts):], h.TCPOpts)

	// Initialize the IP header.
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		TTL:         65,
		Protocol:    uint8(tcp.ProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	// Initialize the TCP header.
	t := header.TCP(buf[header.IPv4MinimumSize:])
	t.Encode(&header.TCPFields{
		SrcPort:    h.SrcPort,
		DstPort:    h.DstPort,
		SeqNum:     uint32(h.SeqNum),
		AckNum:     uint32(h.AckNum),
		DataOffset: uint8(header.TCPMinimumSize + len(h.TCPOpts)),
		Flags:      h.Flags,
		WindowSize: uint16(h.RcvWnd),
	})
	t.SetChecksum(header.TCPChecksum(src, dst, t))
	return buf
}

// SendSegment injects a TCP segment that has already been built.
func (c *Context) SendSegment(s []byte) {
	c.linkEP.InjectIPv4(tcpip.LinkAddress{}, s)
}

// SendPacket builds and sends a TCP segment(with the provided payload & TCP
// headers) in an IPv4 packet via the link layer endpoint.
func (c *Context) SendPacket(payload []byte, h *Headers) {
	c.SendSegment(c.BuildSegment(payload, h))
}

// SendAck sends an ACK packet acknowledging bytesReceived bytes after the
// SYN of the stack.
func (c *Context) SendAck(seq seqnum.Value, bytesReceived int) {
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  seq,
		AckNum:  c.IRS.Add(1 + seqnum.Size(bytesReceived)),
		RcvWnd:  30000,
	})
}

// ReceiveAndCheckPacket reads a packet from the link layer endpoint and
// verifies that the packet packet payload of packet matches the slice
// of data indicated by offset & size.
func (c *Context) ReceiveAndCheckPacket(data []byte, offset, size int) {
	c.t.Helper()

	b := c.GetPacket()
	checker.IPv4(c.t, b,
		checker.PayloadLen(size+header.TCPMinimumSize),
		checker.TCP(
			checker.DstPort(TestPort),
			checker.TCPSeqNum(uint32(c.IRS.Add(seqnum.Size(1+offset)))),
			checker.TCPAckNum(uint32(seqnum.Value(TestInitialSequenceNumber).Add(1))),
			checker.TCPFlagsMatch(header.TCPFlagAck, ^header.TCPFlagPsh),
		),
	)

	pdata := data[offset:][:size]
	if p := b[header.IPv4MinimumSize+header.TCPMinimumSize:]; !bytes.Equal(pdata, p) {
		c.t.Fatalf("Data is different: expected %v, got %v", pdata, p)
	}
}

// install sets the recording callbacks of the context on ep.
func (c *Context) install(ep *tcp.Endpoint) {
	ep.SetRecv(func(ep *tcp.Endpoint, pkt *buffer.Buffer) {
		if pkt == nil {
			c.GotFin = true
			return
		}
		n := pkt.TotLen()
		c.Received = append(c.Received, pkt.ToBytes()...)
		pkt.Free()
		ep.Recved(n)
	})
	ep.SetSent(func(_ *tcp.Endpoint, acked int) {
		c.Acked += acked
	})
	ep.SetErr(func(_ *tcp.Endpoint, err *tcpip.Error) {
		c.Errors = append(c.Errors, err)
	})
}

// Create creates a TCP endpoint with recording callbacks.
func (c *Context) Create() {
	c.t.Helper()
	ep, err := tcp.NewEndpoint(c.s)
	if err != nil {
		c.t.Fatalf("NewEndpoint failed: %s", err)
	}
	c.install(ep)
	c.EP = ep
}

// CreateConnected creates a connected TCP endpoint.
func (c *Context) CreateConnected(iss seqnum.Value, rcvWnd seqnum.Size) {
	c.t.Helper()
	c.Create()
	c.Connect(iss, rcvWnd, nil)
}

// Connect performs the 3-way handshake for c.EP with the provided Initial
// Sequence Number (iss) and receive window(rcvWnd) and any options if
// specified.
//
// PreCondition: c.EP must already be created.
func (c *Context) Connect(iss seqnum.Value, rcvWnd seqnum.Size, options []byte) {
	c.t.Helper()

	var connected bool
	c.EP.SetConnected(func(_ *tcp.Endpoint, err *tcpip.Error) {
		if err != nil {
			c.t.Errorf("Unexpected error when connecting: %s", err)
		}
		connected = true
	})
	if err := c.EP.Connect(TestAddr, TestPort); err != nil {
		c.t.Fatalf("Unexpected return value from Connect: %s", err)
	}

	// Receive SYN packet.
	b := c.GetPacket()
	checker.IPv4(c.t, b,
		checker.TCP(
			checker.DstPort(TestPort),
			checker.TCPFlags(header.TCPFlagSyn),
		),
	)
	if got, want := c.EP.State(), tcp.StateSynSent; got != want {
		c.t.Fatalf("Unexpected endpoint state: want %s, got %s", want, got)
	}

	tcpHdr := header.TCP(header.IPv4(b).Payload())
	c.IRS = seqnum.Value(tcpHdr.SequenceNumber())

	c.SendPacket(nil, &Headers{
		SrcPort: tcpHdr.DestinationPort(),
		DstPort: tcpHdr.SourcePort(),
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  iss,
		AckNum:  c.IRS.Add(1),
		RcvWnd:  rcvWnd,
		TCPOpts: options,
	})

	// Receive ACK packet.
	checker.IPv4(c.t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPAckNum(uint32(iss)+1),
		),
	)

	if !connected {
		c.t.Fatalf("Connected callback was not called")
	}
	if got, want := c.EP.State(), tcp.StateEstablished; got != want {
		c.t.Fatalf("Unexpected endpoint state: want %s, got %s", want, got)
	}
	c.Port = tcpHdr.SourcePort()
}

// Listen binds c.EP to StackPort and makes it accept connections, which
// are recorded in Accepted.
func (c *Context) Listen() {
	c.t.Helper()
	if c.EP == nil {
		c.Create()
	}
	if err := c.EP.Bind(tcpip.AnyAddress, StackPort); err != nil {
		c.t.Fatalf("Bind failed: %s", err)
	}
	c.EP.SetAccept(func(ep *tcp.Endpoint) *tcpip.Error {
		c.Accepted = append(c.Accepted, ep)
		return nil
	})
	if err := c.EP.Listen(); err != nil {
		c.t.Fatalf("Listen failed: %s", err)
	}
	c.Port = StackPort
}

// PassiveConnect completes a handshake initiated by the test side with the
// listening c.EP, announcing mss and rcvWnd. It returns the accepted
// endpoint.
func (c *Context) PassiveConnect(mss uint16, rcvWnd seqnum.Size) *tcp.Endpoint {
	c.t.Helper()

	opts := make([]byte, header.TCPOptionMSSLength)
	header.EncodeMSSOption(uint32(mss), opts)
	iss := seqnum.Value(TestInitialSequenceNumber)
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagSyn,
		SeqNum:  iss,
		RcvWnd:  rcvWnd,
		TCPOpts: opts,
	})

	// Receive the SYN-ACK reply.
	b := c.GetPacket()
	tcpHdr := header.TCP(header.IPv4(b).Payload())
	c.IRS = seqnum.Value(tcpHdr.SequenceNumber())
	checker.IPv4(c.t, b,
		checker.TCP(
			checker.SrcPort(StackPort),
			checker.DstPort(TestPort),
			checker.TCPFlags(header.TCPFlagAck|header.TCPFlagSyn),
			checker.TCPAckNum(uint32(iss)+1),
			checker.TCPSynMSS(min(mss, tcp.DefaultMSS)),
		),
	)

	n := len(c.Accepted)
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagAck,
		SeqNum:  iss + 1,
		AckNum:  c.IRS + 1,
		RcvWnd:  rcvWnd,
	})
	if len(c.Accepted) != n+1 {
		c.t.Fatalf("Connection was not accepted")
	}
	ep := c.Accepted[n]
	if got, want := ep.State(), tcp.StateEstablished; got != want {
		c.t.Fatalf("Unexpected endpoint state: want %s, got %s", want, got)
	}
	c.install(ep)
	return ep
}

// CheckNoLeaks verifies that no segment, packet buffer or arena block is
// still allocated.
func (c *Context) CheckNoLeaks() {
	c.t.Helper()
	for _, typ := range []memp.Type{memp.PBuf, memp.PBufPool, memp.TCPSeg} {
		if u := c.s.Pools().Usage(typ); u.Used != 0 {
			c.t.Errorf("%s leaked: %+v", typ, u)
		}
	}
	if u := c.s.Heap().Usage(); u.Blocks != 0 {
		c.t.Errorf("heap blocks leaked: %+v", u)
	}
}
