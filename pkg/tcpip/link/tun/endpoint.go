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

// Package tun provides data-link layer endpoints backed by Linux TUN and
// TAP devices, or by any other boundary-preserving file descriptor such as
// one end of a SOCK_SEQPACKET socket pair.
//
// A TUN endpoint exchanges bare IPv4 packets. A TAP endpoint exchanges
// Ethernet frames and needs ARP.
package tun

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// Options specify the details about the endpoint to be created.
type Options struct {
	// FD is the file descriptor used to send and receive frames. The
	// endpoint does not take ownership of it.
	FD int

	// MTU is the maximum size of a packet, excluding link headers.
	MTU uint32

	// Ethernet selects TAP framing and link address resolution.
	Ethernet bool

	// PacketInfo is set when the device was opened without IFF_NO_PI and
	// every frame carries a packet information header.
	PacketInfo bool

	// Address is the link address of a TAP endpoint.
	Address tcpip.LinkAddress

	// ClosedFunc is called when reading from FD fails for good, for
	// example because the peer of a socket pair went away.
	ClosedFunc func(error)
}

// Endpoint is a link endpoint over a file descriptor.
type Endpoint struct {
	fd         int
	mtu        uint32
	hdrSize    int
	packetInfo bool
	addr       tcpip.LinkAddress
	caps       stack.LinkEndpointCapabilities
	closedFunc func(error)

	// efd is an eventfd that stops the dispatch loop.
	efd int

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	closed     bool
	wg         sync.WaitGroup
}

// New creates a new endpoint. It makes FD non-blocking.
func New(opts *Options) (*Endpoint, error) {
	if err := unix.SetNonblock(opts.FD, true); err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		fd:         opts.FD,
		mtu:        opts.MTU,
		packetInfo: opts.PacketInfo,
		addr:       opts.Address,
		closedFunc: opts.ClosedFunc,
		efd:        efd,
	}
	if opts.Ethernet {
		e.hdrSize = header.EthernetMinimumSize
		e.caps |= stack.CapabilityResolutionRequired
	}
	return e, nil
}

// Attach implements stack.LinkEndpoint. It starts the goroutine reading
// frames from the file descriptor.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dispatcher != nil || e.closed {
		return
	}
	e.dispatcher = dispatcher
	e.wg.Add(1)
	go e.dispatchLoop(dispatcher)
}

// IsAttached implements stack.LinkEndpoint.
func (e *Endpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil && !e.closed
}

// Close stops the dispatch loop and waits for it to exit. It does not
// close the file descriptor.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	var one = [8]byte{1}
	unix.Write(e.efd, one[:])
	e.wg.Wait()
	unix.Close(e.efd)
}

// MTU implements stack.LinkEndpoint.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Capabilities implements stack.LinkEndpoint.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.caps
}

// MaxHeaderLength implements stack.LinkEndpoint.
func (e *Endpoint) MaxHeaderLength() uint16 {
	return uint16(e.hdrSize)
}

// LinkAddress implements stack.LinkEndpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.addr
}

// WritePacket implements stack.LinkEndpoint. The frame is written with a
// single non-blocking write; a full device queue yields ErrWouldBlock.
func (e *Endpoint) WritePacket(pkt *buffer.Buffer) *tcpip.Error {
	frame := pkt.ToBytes()
	if e.packetInfo {
		proto := header.IPv4ProtocolNumber
		if e.hdrSize != 0 && len(frame) >= header.EthernetMinimumSize {
			proto = header.Ethernet(frame).Type()
		}
		frame = prependPacketInfo(frame, proto)
	}
	for {
		_, err := unix.Write(e.fd, frame)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return translateErrno(err)
		}
		return nil
	}
}

func (e *Endpoint) bufferSize() int {
	n := int(e.mtu) + e.hdrSize
	if e.packetInfo {
		n += PacketInfoHeaderSize
	}
	return n
}

// dispatchLoop reads frames until the endpoint is closed or the file
// descriptor fails.
func (e *Endpoint) dispatchLoop(d stack.NetworkDispatcher) {
	defer e.wg.Done()

	buf := make([]byte, e.bufferSize())
	fds := []unix.PollFd{
		{Fd: int32(e.fd), Events: unix.POLLIN},
		{Fd: int32(e.efd), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Read(e.fd, buf)
		switch err {
		case nil:
			if n == 0 {
				e.fail(unix.ECONNRESET)
				return
			}
			e.deliver(d, buf[:n])
			continue
		case unix.EINTR:
			continue
		case unix.EAGAIN:
		default:
			e.fail(err)
			return
		}

		if _, err := unix.Poll(fds, -1); err != nil && err != unix.EINTR {
			e.fail(err)
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			e.fail(unix.ECONNRESET)
			return
		}
	}
}

// deliver strips the packet information header, if any, and hands the
// frame to the stack. A TUN endpoint only passes IPv4 packets.
func (e *Endpoint) deliver(d stack.NetworkDispatcher, frame []byte) {
	if e.packetInfo {
		if len(frame) < PacketInfoHeaderSize {
			return
		}
		proto := PacketInfoHeader(frame).Protocol()
		frame = frame[PacketInfoHeaderSize:]
		if e.hdrSize == 0 && proto != header.IPv4ProtocolNumber {
			log.Debugf("tun: dropping packet of protocol %#04x", uint16(proto))
			return
		}
	}
	if e.hdrSize == 0 && (len(frame) == 0 || frame[0]>>4 != header.IPv4Version) {
		return
	}
	d.DeliverNetworkPacket(frame)
}

func (e *Endpoint) fail(err error) {
	log.Warningf("tun: fd %d: %v", e.fd, err)
	if e.closedFunc != nil {
		e.closedFunc(err)
	}
}

var translations = map[unix.Errno]*tcpip.Error{
	unix.EAGAIN:   tcpip.ErrWouldBlock,
	unix.ENOBUFS:  tcpip.ErrNoBufferSpace,
	unix.ENOMEM:   tcpip.ErrNoBufferSpace,
	unix.EMSGSIZE: tcpip.ErrMessageTooLong,
	unix.EIO:      tcpip.ErrLinkDown,
	unix.ENETDOWN: tcpip.ErrLinkDown,
	unix.EPIPE:    tcpip.ErrClosedForSend,
}

// translateErrno translates a write error into a *tcpip.Error.
func translateErrno(err error) *tcpip.Error {
	if errno, ok := err.(unix.Errno); ok {
		if e, ok := translations[errno]; ok {
			return e
		}
	}
	return tcpip.ErrBadLinkEndpoint
}
