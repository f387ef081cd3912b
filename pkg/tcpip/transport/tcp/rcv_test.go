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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/seqnum"
)

func TestResetAcceptable(t *testing.T) {
	for _, tt := range []struct {
		state EndpointState
		seq   seqnum.Value
		ack   seqnum.Value
		want  bool
	}{
		{StateEstablished, 99, 0, false},
		{StateEstablished, 100, 0, true},
		{StateEstablished, 105, 0, true},
		{StateEstablished, 110, 0, true},
		{StateEstablished, 111, 0, false},
		{StateSynSent, 0, 499, false},
		{StateSynSent, 0, 500, true},
		{StateSynSent, 0, 501, false},
	} {
		e, _ := newTestEndpoint(t, Options{})
		e.state = tt.state
		e.rcvNxt, e.rcvWnd = 100, 10
		e.sndNxt = 500
		r := e.process(&incoming{
			sequenceNumber: tt.seq,
			ackNumber:      tt.ack,
			flags:          header.TCPFlagRst | header.TCPFlagAck,
		})
		if r.reset != tt.want {
			t.Errorf("RST seq %d ack %d in %s: got reset = %t, want = %t", tt.seq, tt.ack, tt.state, r.reset, tt.want)
		}
		e.release()
	}
}

func TestWindowUpdate(t *testing.T) {
	const (
		wl1 = seqnum.Value(100)
		wnd = 1000
	)
	for _, tt := range []struct {
		name    string
		seq     seqnum.Value
		ackOff  seqnum.Size
		window  uint16
		wantWnd int
	}{
		{"newer sequence number", wl1 + 1, 0, 2000, 2000},
		{"newer sequence number shrinks", wl1 + 1, 0, 500, 500},
		{"newer acknowledgement", wl1, 10, 2000, 2000},
		{"same segment opens window", wl1, 0, 2000, 2000},
		{"same segment shrinks window", wl1, 0, 500, wnd},
		{"older sequence number", wl1 - 1, 0, 500, wnd},
		{"older sequence number opens window", wl1 - 1, 0, 5000, 5000},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEndpoint(t, Options{})
			e.sndWl1, e.sndWl2, e.sndWnd = wl1, e.lastAck, wnd
			e.handleAck(&incoming{
				sequenceNumber: tt.seq,
				ackNumber:      e.lastAck.Add(tt.ackOff),
				flags:          header.TCPFlagAck,
				window:         tt.window,
			})
			if e.sndWnd != tt.wantWnd {
				t.Errorf("got sndWnd = %d, want = %d", e.sndWnd, tt.wantWnd)
			}
			e.release()
		})
	}
}

func TestFastRetransmit(t *testing.T) {
	e, link := newTestEndpoint(t, Options{})
	if err := e.enqueue(make([]byte, 3*DefaultMSS), 0, true, nil); err != nil {
		t.Fatalf("enqueue failed: %s", err)
	}
	all := seqs(&e.unsent)
	e.Output()
	link.Drain()

	dup := func() {
		e.handleAck(&incoming{
			sequenceNumber: e.sndWl1,
			ackNumber:      e.lastAck,
			flags:          header.TCPFlagAck,
			window:         maxWindow,
		})
	}
	dup()
	dup()
	if link.NumQueued() != 0 || e.inFastRecovery {
		t.Fatalf("retransmitted after %d duplicate ACKs", e.dupAcks)
	}
	dup()
	if !e.inFastRecovery {
		t.Fatalf("not in fast recovery after 3 duplicate ACKs")
	}
	if got := link.NumQueued(); got != 1 {
		t.Errorf("got %d segments retransmitted, want = 1", got)
	}
	if got := e.proto.stack.Stats().TCP.FastRetransmit.Value(); got != 1 {
		t.Errorf("got FastRetransmit = %d, want = 1", got)
	}
	if diff := cmp.Diff(all, seqs(&e.unacked)); diff != "" {
		t.Errorf("unacked mismatch (-want +got):\n%s", diff)
	}
	const ssthresh = maxWindow / 2
	if e.ssthresh != ssthresh {
		t.Errorf("got ssthresh = %d, want = %d", e.ssthresh, ssthresh)
	}
	if want := ssthresh + 3*DefaultMSS; e.cwnd != want {
		t.Errorf("got cwnd = %d, want = %d", e.cwnd, want)
	}

	// Further duplicates inflate the window by one segment each.
	dup()
	if want := ssthresh + 4*DefaultMSS; e.cwnd != want {
		t.Errorf("got cwnd = %d, want = %d", e.cwnd, want)
	}

	// A new acknowledgement deflates it to ssthresh and frees the data.
	e.handleAck(&incoming{
		sequenceNumber: e.sndWl1,
		ackNumber:      e.sndMax,
		flags:          header.TCPFlagAck,
		window:         maxWindow,
	})
	if e.inFastRecovery {
		t.Errorf("still in fast recovery")
	}
	if want := ssthresh + max(DefaultMSS*DefaultMSS/ssthresh, 1); e.cwnd != want {
		t.Errorf("got cwnd = %d, want = %d", e.cwnd, want)
	}
	if got, want := e.acked, 3*DefaultMSS; got != want {
		t.Errorf("got acked = %d, want = %d", got, want)
	}
	if !e.unacked.Empty() {
		t.Errorf("unacked not empty: %v", seqs(&e.unacked))
	}
	if got, want := e.SendBufferAvailable(), DefaultSendBufferSize; got != want {
		t.Errorf("got SendBufferAvailable() = %d, want = %d", got, want)
	}

	e.release()
	link.Drain()
	checkNoLeaks(t, e)
}

func TestRTTEstimator(t *testing.T) {
	e, link := newTestEndpoint(t, Options{})
	for _, tt := range []struct {
		rtt     uint32
		wantSA  int
		wantSV  int
		wantRTO int
	}{
		// The initial deviation is the initial RTO of 6 slow ticks.
		{rtt: 4, wantSA: 4, wantSV: 9, wantRTO: 9},
		{rtt: 2, wantSA: 6, wantSV: 9, wantRTO: 9},
		{rtt: 16, wantSA: 22, wantSV: 23, wantRTO: 25},
	} {
		if err := e.enqueue(make([]byte, 10), 0, true, nil); err != nil {
			t.Fatalf("enqueue failed: %s", err)
		}
		e.Output()
		if !e.rttActive {
			t.Fatalf("no RTT sample started")
		}
		e.proto.ticks += tt.rtt
		e.handleAck(&incoming{
			sequenceNumber: e.sndWl1,
			ackNumber:      e.sndNxt,
			flags:          header.TCPFlagAck,
			window:         maxWindow,
		})
		if e.rttActive {
			t.Errorf("rtt %d: sample still active", tt.rtt)
		}
		if e.sa != tt.wantSA || e.sv != tt.wantSV || e.rto != tt.wantRTO {
			t.Errorf("rtt %d: got sa, sv, rto = %d, %d, %d, want = %d, %d, %d", tt.rtt, e.sa, e.sv, e.rto, tt.wantSA, tt.wantSV, tt.wantRTO)
		}
	}
	e.release()
	link.Drain()
	checkNoLeaks(t, e)
}

func TestHandleData(t *testing.T) {
	const rcvNxt = seqnum.Value(100)
	for _, tt := range []struct {
		name       string
		seq        seqnum.Value
		flags      header.TCPFlags
		wantData   []byte
		wantRcvNxt seqnum.Value
		wantAckNow bool
		wantFin    bool
	}{
		{
			name:       "in order",
			seq:        rcvNxt,
			wantData:   []byte("0123456789"),
			wantRcvNxt: rcvNxt + 10,
		},
		{
			name:       "old prefix",
			seq:        rcvNxt - 4,
			wantData:   []byte("456789"),
			wantRcvNxt: rcvNxt + 6,
		},
		{
			name:       "with FIN",
			seq:        rcvNxt,
			flags:      header.TCPFlagFin,
			wantData:   []byte("0123456789"),
			wantRcvNxt: rcvNxt + 11,
			wantFin:    true,
		},
		{
			name:       "entirely old",
			seq:        rcvNxt - 10,
			wantRcvNxt: rcvNxt,
			wantAckNow: true,
		},
		{
			name:       "out of order",
			seq:        rcvNxt + 5,
			wantRcvNxt: rcvNxt,
			wantAckNow: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEndpoint(t, Options{})
			e.rcvNxt = rcvNxt
			pkt, err := e.proto.stack.Allocator().NewFrom(buffer.Transport, []byte("0123456789"))
			if err != nil {
				t.Fatalf("NewFrom failed: %s", err)
			}
			s := incoming{
				sequenceNumber: tt.seq,
				flags:          tt.flags,
				pkt:            pkt,
				dataLen:        pkt.TotLen(),
			}
			var r inputResult
			e.handleData(&s, &r)

			var got []byte
			if r.data != nil {
				got = r.data.ToBytes()
				r.data.Free()
			}
			if s.pkt != nil {
				s.pkt.Free()
			}
			if diff := cmp.Diff(tt.wantData, got); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
			if e.rcvNxt != tt.wantRcvNxt {
				t.Errorf("got rcvNxt = %d, want = %d", e.rcvNxt, tt.wantRcvNxt)
			}
			if e.ackNow != tt.wantAckNow {
				t.Errorf("got ackNow = %t, want = %t", e.ackNow, tt.wantAckNow)
			}
			if r.gotFin != tt.wantFin {
				t.Errorf("got gotFin = %t, want = %t", r.gotFin, tt.wantFin)
			}
			e.release()
			checkNoLeaks(t, e)
		})
	}
}
