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

package tcp_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/checker"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/tcp"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/tcp/testing/context"
)

// tickUntilError advances the timers until the endpoint reports an error,
// and returns the number of packets sent meanwhile.
func tickUntilError(t *testing.T, c *context.Context) int {
	t.Helper()
	sent := 0
	for i := 0; i < 500 && len(c.Errors) == 0; i++ {
		c.Tick(1)
		for c.GetPacketNonBlocking() != nil {
			sent++
		}
	}
	if len(c.Errors) == 0 {
		t.Fatalf("no error reported")
	}
	return sent
}

func TestRetransmitTimeout(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	data := generateRandomPayload(t, 100)
	if err := c.EP.Write(data, true); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	c.EP.Output()
	c.ReceiveAndCheckPacket(data, 0, len(data))

	// The initial RTO is 3s, six slow timer ticks.
	c.Tick(10)
	c.CheckNoPacket("retransmitted before the RTO")
	c.Tick(1)
	c.ReceiveAndCheckPacket(data, 0, len(data))

	stats := c.Stack().Stats().TCP
	if got := stats.Timeouts.Value(); got != 1 {
		t.Errorf("got Timeouts = %d, want = 1", got)
	}
	if got := stats.Retransmits.Value(); got != 1 {
		t.Errorf("got Retransmits = %d, want = 1", got)
	}

	c.SendAck(context.TestInitialSequenceNumber+1, len(data))
	c.CheckNoLeaks()
}

func TestMaxRetransmits(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{MaxRetransmits: 2},
	})
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	if err := c.EP.Write([]byte{1, 2, 3}, true); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	c.EP.Output()
	c.GetPacket()

	if got := tickUntilError(t, c); got != 2 {
		t.Errorf("got %d retransmissions, want = 2", got)
	}
	if diff := cmp.Diff([]*tcpip.Error{tcpip.ErrTimeout}, c.Errors, errorIdentity); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.EP.State(), tcp.StateClosed; got != want {
		t.Errorf("got State() = %s, want = %s", got, want)
	}
	if got := c.Stack().Stats().TCP.ConnectionsAborted.Value(); got != 1 {
		t.Errorf("got ConnectionsAborted = %d, want = 1", got)
	}
	c.CheckNoLeaks()
}

func TestGiveUpConnect(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{MaxSynRetransmits: 2},
	})
	defer c.Cleanup()

	c.Create()
	connected := false
	c.EP.SetConnected(func(*tcp.Endpoint, *tcpip.Error) { connected = true })
	if err := c.EP.Connect(context.TestAddr, context.TestPort); err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	checker.IPv4(t, c.GetPacket(), checker.TCP(checker.TCPFlags(header.TCPFlagSyn)))

	if got := tickUntilError(t, c); got != 2 {
		t.Errorf("got %d SYN retransmissions, want = 2", got)
	}
	if diff := cmp.Diff([]*tcpip.Error{tcpip.ErrTimeout}, c.Errors, errorIdentity); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if connected {
		t.Errorf("connected callback called")
	}
	c.CheckNoLeaks()
}

func TestDelayedAck(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)

	// The application holds on to the data, so only the delayed ACK
	// acknowledges it.
	var got []byte
	c.EP.SetRecv(func(_ *tcp.Endpoint, pkt *buffer.Buffer) {
		if pkt != nil {
			got = append(got, pkt.ToBytes()...)
			pkt.Free()
		}
	})
	data := []byte{1, 2, 3}
	send := func(off int) {
		c.SendPacket(data, &context.Headers{
			SrcPort: context.TestPort,
			DstPort: c.Port,
			Flags:   header.TCPFlagAck,
			SeqNum:  context.TestInitialSequenceNumber + 1 + seqnum.Value(off),
			AckNum:  c.IRS + 1,
			RcvWnd:  30000,
		})
	}
	checkAck := func(received int) {
		t.Helper()
		checker.IPv4(t, c.GetPacket(),
			checker.TCP(
				checker.TCPAckNum(uint32(context.TestInitialSequenceNumber+1+received)),
				checker.TCPWindow(uint16(tcp.DefaultReceiveWindow-received)),
				checker.TCPFlags(header.TCPFlagAck),
			),
		)
	}

	send(0)
	c.CheckNoPacket("ACK not delayed")
	c.Tick(1)
	checkAck(3)

	// Every second segment is acknowledged at once.
	send(3)
	c.CheckNoPacket("ACK not delayed")
	send(6)
	checkAck(9)

	if want := []byte{1, 2, 3, 1, 2, 3, 1, 2, 3}; !cmp.Equal(want, got) {
		t.Errorf("got data = %v, want = %v", got, want)
	}
	c.CheckNoLeaks()
}

func TestKeepalive(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{
			KeepaliveIdle:     time.Second,
			KeepaliveInterval: 500 * time.Millisecond,
			KeepaliveCount:    2,
		},
	})
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	c.EP.SetKeepalive(true)

	expectKeepalive := func() {
		t.Helper()
		checker.IPv4(t, c.GetPacket(),
			checker.PayloadLen(header.TCPMinimumSize),
			checker.TCP(
				checker.TCPSeqNum(uint32(c.IRS)),
				checker.TCPAckNum(uint32(context.TestInitialSequenceNumber)+1),
				checker.TCPFlags(header.TCPFlagAck),
			),
		)
	}

	c.Tick(4)
	c.CheckNoPacket("keepalive before the idle time")
	c.Tick(1)
	expectKeepalive()
	c.Tick(2)
	expectKeepalive()
	c.Tick(2)
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.TCPSeqNum(uint32(c.IRS)+1),
			checker.TCPFlags(header.TCPFlagRst|header.TCPFlagAck),
		),
	)

	if diff := cmp.Diff([]*tcpip.Error{tcpip.ErrConnectionAborted}, c.Errors, errorIdentity); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	stats := c.Stack().Stats().TCP
	if got := stats.KeepalivesSent.Value(); got != 2 {
		t.Errorf("got KeepalivesSent = %d, want = 2", got)
	}
	if got := stats.ConnectionsAborted.Value(); got != 1 {
		t.Errorf("got ConnectionsAborted = %d, want = 1", got)
	}
	c.CheckNoLeaks()
}

func TestKeepaliveAnswered(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{
			KeepaliveIdle:     time.Second,
			KeepaliveInterval: 500 * time.Millisecond,
			KeepaliveCount:    2,
		},
	})
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	c.EP.SetKeepalive(true)

	c.Tick(5)
	c.GetPacket()
	c.SendAck(context.TestInitialSequenceNumber+1, 0)

	// The answer restarts the idle time.
	c.Tick(5)
	c.CheckNoPacket("keepalive before the idle time")
	c.Tick(1)
	c.GetPacket()
	if len(c.Errors) != 0 {
		t.Errorf("got errors %v", c.Errors)
	}
}

func TestFinWait2Timeout(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{FinWait2Timeout: time.Second},
	})
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	if err := c.EP.Close(); err != nil {
		t.Fatalf("Close failed: %s", err)
	}
	c.GetPacket()
	c.SendAck(context.TestInitialSequenceNumber+1, 1)

	c.Tick(4)
	if got, want := c.EP.State(), tcp.StateFinWait2; got != want {
		t.Fatalf("got State() = %s, want = %s", got, want)
	}
	c.Tick(1)
	if got, want := c.EP.State(), tcp.StateClosed; got != want {
		t.Fatalf("got State() = %s, want = %s", got, want)
	}
	if diff := cmp.Diff([]*tcpip.Error{tcpip.ErrTimeout}, c.Errors, errorIdentity); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	c.CheckNoLeaks()
}

func TestSynRcvdTimeout(t *testing.T) {
	c := context.NewWithOpts(t, context.Options{
		MTU: defaultMTU,
		TCP: tcp.Options{SynRcvdTimeout: time.Second},
	})
	defer c.Cleanup()

	c.Listen()
	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: context.StackPort,
		Flags:   header.TCPFlagSyn,
		SeqNum:  context.TestInitialSequenceNumber,
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(), checker.TCP(checker.TCPFlags(header.TCPFlagSyn|header.TCPFlagAck)))

	c.Tick(4)
	if len(c.Errors) != 0 {
		t.Fatalf("half-open connection dropped early: %v", c.Errors)
	}
	c.Tick(1)
	if diff := cmp.Diff([]*tcpip.Error{tcpip.ErrTimeout}, c.Errors, errorIdentity); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if len(c.Accepted) != 0 {
		t.Errorf("got %d connections accepted, want = 0", len(c.Accepted))
	}
	if got, want := c.EP.State(), tcp.StateListen; got != want {
		t.Errorf("got listener State() = %s, want = %s", got, want)
	}
	c.CheckNoLeaks()
}

func TestPoll(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(context.TestInitialSequenceNumber, 30000)
	data := []byte{1, 2, 3}
	polls := 0
	c.EP.SetPoll(func(ep *tcp.Endpoint) {
		polls++
		if polls == 1 {
			if err := ep.Write(data, true); err != nil {
				t.Errorf("Write failed: %s", err)
			}
		}
	}, 2)

	// Data written by the poll callback is sent right away.
	c.Tick(3)
	if polls != 1 {
		t.Fatalf("got %d polls, want = 1", polls)
	}
	c.ReceiveAndCheckPacket(data, 0, len(data))

	c.Tick(4)
	if polls != 2 {
		t.Errorf("got %d polls, want = 2", polls)
	}
	c.CheckNoPacket("unexpected packet")
}
