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

//go:build linux

package tun

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/mem"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

type recvDispatcher struct {
	c chan []byte
}

func (d *recvDispatcher) DeliverNetworkPacket(frame []byte) {
	d.c <- append([]byte(nil), frame...)
}

func newAllocator() *buffer.Allocator {
	var descs [memp.NumTypes]memp.Desc
	descs[memp.PBuf] = memp.Desc{Count: 4}
	descs[memp.PBufPool] = memp.Desc{Size: 256, Count: 4}
	return buffer.NewAllocator(memp.New(descs, nil), mem.New(4096, nil))
}

// socketPair returns a SOCK_SEQPACKET pair, closed when the test ends.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newEndpoint(t *testing.T, opts Options) (*Endpoint, *recvDispatcher) {
	t.Helper()
	e, err := New(&opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := &recvDispatcher{c: make(chan []byte, 4)}
	e.Attach(d)
	t.Cleanup(e.Close)
	return e, d
}

func ipv4Packet(payload string) []byte {
	b := make([]byte, header.IPv4MinimumSize+len(payload))
	header.IPv4(b).Encode(&header.IPv4Fields{
		TotalLength: uint16(len(b)),
		TTL:         64,
		Protocol:    17,
		SrcAddr:     tcpip.AddrFrom4(10, 0, 0, 2),
		DstAddr:     tcpip.AddrFrom4(10, 0, 0, 1),
	})
	copy(b[header.IPv4MinimumSize:], payload)
	return b
}

func receive(t *testing.T, d *recvDispatcher) []byte {
	t.Helper()
	select {
	case f := <-d.c:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("frame not delivered")
		return nil
	}
}

func expectNone(t *testing.T, d *recvDispatcher) {
	t.Helper()
	select {
	case f := <-d.c:
		t.Fatalf("unexpected frame delivered: %x", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadDelivers(t *testing.T) {
	fd, peer := socketPair(t)
	_, d := newEndpoint(t, Options{FD: fd, MTU: 1500})

	want := ipv4Packet("hello")
	if _, err := unix.Write(peer, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if diff := cmp.Diff(want, receive(t, d)); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestTUNDropsNonIPv4(t *testing.T) {
	fd, peer := socketPair(t)
	_, d := newEndpoint(t, Options{FD: fd, MTU: 1500})

	// An IPv6 version nibble.
	if _, err := unix.Write(peer, []byte{0x60, 0, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expectNone(t, d)
}

func TestTAPPassesEthernet(t *testing.T) {
	fd, peer := socketPair(t)
	mac := tcpip.LinkAddress{2, 0, 0, 0, 0, 1}
	e, d := newEndpoint(t, Options{FD: fd, MTU: 1500, Ethernet: true, Address: mac})

	if e.MaxHeaderLength() != header.EthernetMinimumSize {
		t.Errorf("MaxHeaderLength() = %d, want %d", e.MaxHeaderLength(), header.EthernetMinimumSize)
	}
	if e.LinkAddress() != mac {
		t.Errorf("LinkAddress() = %s, want %s", e.LinkAddress(), mac)
	}

	frame := make([]byte, header.EthernetMinimumSize+4)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress{2, 0, 0, 0, 0, 2},
		DstAddr: mac,
		Type:    header.ARPProtocolNumber,
	})
	if _, err := unix.Write(peer, frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if diff := cmp.Diff(frame, receive(t, d)); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePacket(t *testing.T) {
	for _, tc := range []struct {
		name       string
		packetInfo bool
		wantPrefix []byte
	}{
		{name: "bare"},
		{name: "packet info", packetInfo: true, wantPrefix: []byte{0, 0, 0x08, 0x00}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fd, peer := socketPair(t)
			e, _ := newEndpoint(t, Options{FD: fd, MTU: 1500, PacketInfo: tc.packetInfo})

			pkt, err := newAllocator().NewFrom(buffer.Raw, ipv4Packet("out"))
			if err != nil {
				t.Fatalf("NewFrom: %s", err)
			}
			defer pkt.Free()
			if err := e.WritePacket(pkt); err != nil {
				t.Fatalf("WritePacket: %s", err)
			}

			buf := make([]byte, 2048)
			n, rerr := unix.Read(peer, buf)
			if rerr != nil {
				t.Fatalf("Read: %v", rerr)
			}
			want := append(append([]byte(nil), tc.wantPrefix...), ipv4Packet("out")...)
			if diff := cmp.Diff(want, buf[:n]); diff != "" {
				t.Errorf("written frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPacketInfoStripped(t *testing.T) {
	fd, peer := socketPair(t)
	_, d := newEndpoint(t, Options{FD: fd, MTU: 1500, PacketInfo: true})

	pkt := ipv4Packet("pi")
	if _, err := unix.Write(peer, prependPacketInfo(pkt, header.IPv4ProtocolNumber)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if diff := cmp.Diff(pkt, receive(t, d)); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	if _, err := unix.Write(peer, prependPacketInfo(pkt, header.ARPProtocolNumber)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expectNone(t, d)
}

func TestPeerCloseCallsClosedFunc(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])

	closed := make(chan error, 1)
	newEndpoint(t, Options{FD: fds[0], MTU: 1500, ClosedFunc: func(err error) { closed <- err }})
	unix.Close(fds[1])

	select {
	case err := <-closed:
		if err == nil {
			t.Errorf("ClosedFunc called with nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ClosedFunc not called")
	}
}

func TestCloseStopsLoop(t *testing.T) {
	fd, _ := socketPair(t)
	e, err := New(&Options{FD: fd, MTU: 1500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Attach(&recvDispatcher{c: make(chan []byte)})
	if !e.IsAttached() {
		t.Fatalf("IsAttached() = false after Attach")
	}

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
	if e.IsAttached() {
		t.Errorf("IsAttached() = true after Close")
	}
}

func TestPacketInfoHeader(t *testing.T) {
	frame := []byte{1, 2, 3}
	b := prependPacketInfo(frame, header.IPv4ProtocolNumber)
	if got := PacketInfoHeader(b).Protocol(); got != header.IPv4ProtocolNumber {
		t.Errorf("Protocol() = %#x, want %#x", got, header.IPv4ProtocolNumber)
	}
	if diff := cmp.Diff([]byte{0, 0, 0x08, 0x00, 1, 2, 3}, b); diff != "" {
		t.Errorf("prependPacketInfo mismatch (-want +got):\n%s", diff)
	}
}
