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

// Package pipe provides the implementation of pipe-like data-link layer
// endpoints. Such endpoints allow packets to be sent between two interfaces,
// typically of two different stacks.
//
// Frames are handed to the peer on a goroutine owned by the receiving end,
// never on the writer's goroutine, so that a stack holding its core lock
// while writing cannot block on the peer's.
package pipe

import (
	"sync"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// DefaultQueueLen is the number of frames in flight per direction.
const DefaultQueueLen = 64

// Options configures a pipe.
type Options struct {
	// MTU of both ends.
	MTU uint32

	// Ethernet selects Ethernet framing and link address resolution.
	Ethernet bool

	// QueueLen is the number of frames that may be in flight per
	// direction. Zero means DefaultQueueLen.
	QueueLen int
}

// New returns both ends of a new pipe.
func New(linkAddr1, linkAddr2 tcpip.LinkAddress, opts Options) (*Endpoint, *Endpoint) {
	qlen := opts.QueueLen
	if qlen <= 0 {
		qlen = DefaultQueueLen
	}
	var caps stack.LinkEndpointCapabilities
	if opts.Ethernet {
		caps |= stack.CapabilityResolutionRequired
	}
	mk := func(addr tcpip.LinkAddress) *Endpoint {
		return &Endpoint{
			linkAddr: addr,
			mtu:      opts.MTU,
			caps:     caps,
			in:       make(chan []byte, qlen),
			done:     make(chan struct{}),
		}
	}
	ep1, ep2 := mk(linkAddr1), mk(linkAddr2)
	ep1.linked = ep2
	ep2.linked = ep1
	return ep1, ep2
}

// Endpoint is one end of a pipe.
type Endpoint struct {
	linked   *Endpoint
	linkAddr tcpip.LinkAddress
	mtu      uint32
	caps     stack.LinkEndpointCapabilities

	// in carries frames written by the peer.
	in   chan []byte
	done chan struct{}

	mu         sync.Mutex
	dispatcher stack.NetworkDispatcher
	closed     bool
	wg         sync.WaitGroup
}

// dispatchLoop delivers inbound frames until the endpoint is closed.
func (e *Endpoint) dispatchLoop(d stack.NetworkDispatcher) {
	defer e.wg.Done()
	for {
		select {
		case f := <-e.in:
			d.DeliverNetworkPacket(f)
		case <-e.done:
			return
		}
	}
}

// WritePacket implements stack.LinkEndpoint. The frame is copied and
// queued for the peer; it is silently dropped if the peer is not attached
// and fails with ErrWouldBlock if the peer's queue is full.
func (e *Endpoint) WritePacket(pkt *buffer.Buffer) *tcpip.Error {
	if !e.linked.IsAttached() {
		return nil
	}
	select {
	case e.linked.in <- pkt.ToBytes():
		return nil
	default:
		return tcpip.ErrWouldBlock
	}
}

// Attach implements stack.LinkEndpoint. It starts the goroutine delivering
// frames from the peer.
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

// Close stops delivery to this end and waits for the delivery goroutine
// to exit. Frames still queued are discarded.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()
	e.wg.Wait()
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
	if e.caps&stack.CapabilityResolutionRequired != 0 {
		return buffer.LinkHeaderLen
	}
	return 0
}

// LinkAddress implements stack.LinkEndpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.linkAddr
}
