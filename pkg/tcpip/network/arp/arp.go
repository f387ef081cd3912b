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

// Package arp implements the ARP network protocol. It is used to resolve
// IPv4 addresses into link-local MAC addresses, and answers requests for
// the addresses of its stack's interfaces.
//
// To use it in the networking stack, pass arp.NewProtocol as one of the
// network protocols when calling stack.New. Interfaces whose link endpoint
// sets stack.CapabilityResolutionRequired then resolve next hops through
// the protocol's cache.
//
// The cache is a fixed-size table. An entry is empty, pending (a request
// went out and at most one packet waits for the answer) or stable. A
// periodic tick ages the entries; stable entries expire after MaxAge ticks
// and unanswered pending ones after MaxPending ticks, discarding their
// queued packet. A caller that still needs the address resolves it again.
package arp

import (
	"time"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ARP protocol number.
	ProtocolNumber = header.ARPProtocolNumber

	// DefaultTableSize is the number of cache entries.
	DefaultTableSize = 10

	// DefaultMaxAge is the number of ticks a stable entry stays valid
	// after its last update: 20 minutes at the default tick.
	DefaultMaxAge = 240

	// DefaultMaxPending is the number of ticks a pending entry waits for
	// an answer. It must be at least 2, or an entry created just before a
	// tick would expire at once.
	DefaultMaxPending = 2

	// DefaultTick is the period of the aging tick.
	DefaultTick = 5 * time.Second
)

// Options configures the ARP protocol.
type Options struct {
	// TableSize is the number of cache entries.
	TableSize int

	// MaxAge is the lifetime of a stable entry, in ticks.
	MaxAge int

	// MaxPending is the lifetime of an unanswered pending entry, in ticks.
	MaxPending int

	// Tick is the period of the aging tick.
	Tick time.Duration
}

// DefaultOptions returns the options used by NewProtocol.
func DefaultOptions() Options {
	return Options{
		TableSize:  DefaultTableSize,
		MaxAge:     DefaultMaxAge,
		MaxPending: DefaultMaxPending,
		Tick:       DefaultTick,
	}
}

func (o *Options) fillIn() {
	d := DefaultOptions()
	if o.TableSize <= 0 {
		o.TableSize = d.TableSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = d.MaxAge
	}
	if o.MaxPending < 2 {
		o.MaxPending = d.MaxPending
	}
	if o.Tick <= 0 {
		o.Tick = d.Tick
	}
}

var _ stack.LinkAddressResolver = (*protocol)(nil)

// protocol implements stack.NetworkProtocol and stack.LinkAddressResolver.
type protocol struct {
	stack *stack.Stack
	opts  Options
	table []entry
}

// NewProtocol returns an ARP network protocol with default options. It is a
// stack.NetworkProtocolFactory.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return NewProtocolWithOptions(DefaultOptions())(s)
}

// NewProtocolWithOptions returns a factory for ARP protocols configured by
// opts. Zero fields take their default values.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	opts.fillIn()
	return func(s *stack.Stack) stack.NetworkProtocol {
		p := &protocol{
			stack: s,
			opts:  opts,
			table: make([]entry, opts.TableSize),
		}
		if _, err := s.AddCyclicTimeout(opts.Tick, p.tick); err != nil {
			panic("arp: cannot schedule aging tick: " + err.String())
		}
		return p
	}
}

func (*protocol) Number() tcpip.NetworkProtocolNumber { return ProtocolNumber }

// HandlePacket handles an inbound ARP frame whose Ethernet header has been
// hidden. It takes ownership of pkt.
//
// The sender's entry is refreshed if it exists, or created if the frame is
// addressed to us. A request for our address is turned into the reply in
// place and sent back.
func (p *protocol) HandlePacket(nic *stack.NIC, pkt *buffer.Buffer) {
	stats := &p.stack.Stats().ARP
	stats.PacketsReceived.Increment()
	defer pkt.Free()

	if pkt.Len() < header.ARPSize {
		stats.MalformedPacketsReceived.Increment()
		return
	}
	h := header.ARP(pkt.Payload())
	if !h.IsValid() {
		stats.MalformedPacketsReceived.Increment()
		return
	}

	sender := h.SenderAddress()
	senderLink := h.SenderLinkAddress()
	local := nic.Address()
	forUs := !local.IsAny() && h.TargetAddress() == local

	if err := p.update(nic, sender, senderLink, forUs); err != nil {
		p.stack.DropLogger().Debugf("arp: %s: not caching %s at %s: %s", nic.Name(), sender, senderLink, err)
	}

	if h.Op() != header.ARPRequest || !forUs {
		return
	}
	if err := pkt.Header(header.EthernetMinimumSize); err != nil {
		return
	}
	eth := header.Ethernet(pkt.Payload())
	eth.Encode(&header.EthernetFields{
		SrcAddr: nic.LinkAddress(),
		DstAddr: senderLink,
		Type:    ProtocolNumber,
	})
	h = header.ARP(pkt.Payload()[header.EthernetMinimumSize:])
	h.SetOp(header.ARPReply)
	copy(h.HardwareAddressTarget(), senderLink[:])
	copy(h.ProtocolAddressTarget(), sender[:])
	linkAddr := nic.LinkAddress()
	copy(h.HardwareAddressSender(), linkAddr[:])
	copy(h.ProtocolAddressSender(), local[:])
	if err := nic.LinkOutput(pkt); err != nil {
		p.stack.DropLogger().Debugf("arp: %s: reply to %s: %s", nic.Name(), sender, err)
		return
	}
	stats.RepliesSent.Increment()
}

// SnoopIP implements stack.LinkAddressResolver.SnoopIP. Only existing
// entries for hosts on nic's subnet are refreshed.
func (p *protocol) SnoopIP(nic *stack.NIC, src tcpip.Address, srcLink tcpip.LinkAddress) {
	if !src.SameNet(nic.Address(), nic.Netmask()) {
		return
	}
	p.update(nic, src, srcLink, false)
}

// ResolveAndOutput implements stack.LinkAddressResolver.ResolveAndOutput.
//
// Broadcast and multicast destinations map directly onto Ethernet
// addresses. Unicast destinations off nic's subnet go to the gateway, and
// fail with ErrNoRoute when there is none. pkt is borrowed; if the next hop
// is still being resolved a copy is queued and nil is returned.
func (p *protocol) ResolveAndOutput(nic *stack.NIC, pkt *buffer.Buffer, dst tcpip.Address) *tcpip.Error {
	switch {
	case nic.IsBroadcast(dst):
		return p.output(nic, pkt, tcpip.BroadcastLinkAddress)
	case dst.IsMulticast():
		return p.output(nic, pkt, tcpip.MulticastLinkAddress(dst))
	}
	if !dst.SameNet(nic.Address(), nic.Netmask()) {
		if nic.Gateway().IsAny() {
			return tcpip.ErrNoRoute
		}
		dst = nic.Gateway()
	}
	return p.query(nic, dst, pkt)
}

// output frames the IP packet in pkt for linkAddr and sends it. pkt is
// borrowed and left as it was found.
func (p *protocol) output(nic *stack.NIC, pkt *buffer.Buffer, linkAddr tcpip.LinkAddress) *tcpip.Error {
	if err := pkt.Header(header.EthernetMinimumSize); err != nil {
		return err
	}
	header.Ethernet(pkt.Payload()).Encode(&header.EthernetFields{
		SrcAddr: nic.LinkAddress(),
		DstAddr: linkAddr,
		Type:    header.IPv4ProtocolNumber,
	})
	err := nic.LinkOutput(pkt)
	pkt.Header(-header.EthernetMinimumSize)
	return err
}

// query resolves addr on nic. If pkt is not nil it is sent once the
// address is known: at once for a stable entry, otherwise when the answer
// arrives, replacing any packet already waiting. Without a packet a
// request is always sent.
func (p *protocol) query(nic *stack.NIC, addr tcpip.Address, pkt *buffer.Buffer) *tcpip.Error {
	stats := &p.stack.Stats().ARP
	if nic.IsBroadcast(addr) || addr.IsMulticast() || addr.IsAny() {
		return tcpip.ErrNonUnicast
	}
	i, err := p.findOrCreate(addr)
	if err != nil {
		return err
	}
	e := &p.table[i]
	if e.state == stateEmpty {
		e.nic = nic
	}
	var act action
	e.state, act = e.state.transition(eventResolve)

	var result *tcpip.Error
	if act == actionRequest || pkt == nil {
		result = p.sendRequest(nic, addr)
	}
	if pkt == nil {
		return result
	}

	switch e.state {
	case stateStable:
		return p.output(nic, pkt, e.linkAddr)
	case statePending:
		q, err := p.stack.Allocator().Copy(buffer.Link, pkt, buffer.Heap)
		if err != nil {
			return err
		}
		if e.queued != nil {
			e.queued.Free()
			stats.DroppedQueuedPackets.Increment()
		}
		e.queued = q
		e.nic = nic
		stats.QueuedPackets.Increment()
		return nil
	}
	return result
}

// sendRequest broadcasts a request for addr on nic.
func (p *protocol) sendRequest(nic *stack.NIC, addr tcpip.Address) *tcpip.Error {
	pkt, err := p.stack.Allocator().Alloc(buffer.Raw, header.EthernetMinimumSize+header.ARPSize, buffer.Heap)
	if err != nil {
		return err
	}
	defer pkt.Free()

	b := pkt.Payload()
	linkAddr := nic.LinkAddress()
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: linkAddr,
		DstAddr: tcpip.BroadcastLinkAddress,
		Type:    ProtocolNumber,
	})
	h := header.ARP(b[header.EthernetMinimumSize:])
	h.SetIPv4OverEthernet()
	h.SetOp(header.ARPRequest)
	copy(h.HardwareAddressSender(), linkAddr[:])
	local := nic.Address()
	copy(h.ProtocolAddressSender(), local[:])
	clear(h.HardwareAddressTarget())
	copy(h.ProtocolAddressTarget(), addr[:])

	if err := nic.LinkOutput(pkt); err != nil {
		return err
	}
	p.stack.Stats().ARP.RequestsSent.Increment()
	return nil
}

// update records that addr is at linkAddr. An existing entry is refreshed
// and a packet queued on it is sent; a new one is only created if create
// is set.
func (p *protocol) update(nic *stack.NIC, addr tcpip.Address, linkAddr tcpip.LinkAddress, create bool) *tcpip.Error {
	if addr.IsAny() || nic.IsBroadcast(addr) || addr.IsMulticast() {
		return tcpip.ErrNonUnicast
	}
	i := p.lookup(addr)
	if i < 0 {
		if !create {
			return nil
		}
		var err *tcpip.Error
		if i, err = p.findOrCreate(addr); err != nil {
			return err
		}
	}
	e := &p.table[i]
	var act action
	e.state, act = e.state.transition(eventUpdate)
	e.linkAddr = linkAddr
	e.nic = nic
	e.age = 0
	p.stack.Stats().ARP.CacheUpdates.Increment()

	if act == actionFlush && e.queued != nil {
		q := e.queued
		e.queued = nil
		if err := p.output(nic, q, linkAddr); err != nil {
			p.stack.DropLogger().Debugf("arp: %s: queued packet to %s: %s", nic.Name(), addr, err)
		}
		q.Free()
	}
	return nil
}

// lookup returns the index of the pending or stable entry for addr, or -1.
func (p *protocol) lookup(addr tcpip.Address) int {
	for i := range p.table {
		if e := &p.table[i]; e.state != stateEmpty && e.addr == addr {
			return i
		}
	}
	return -1
}

// findOrCreate returns the index of the entry for addr. A missing entry
// takes, in order of preference, an empty slot, the oldest stable entry,
// the oldest pending entry without a queued packet, or the oldest pending
// entry with one, whose packet is discarded. The new entry is empty.
func (p *protocol) findOrCreate(addr tcpip.Address) (int, *tcpip.Error) {
	if i := p.lookup(addr); i >= 0 {
		return i, nil
	}
	empty, oldStable, oldPending, oldQueued := -1, -1, -1, -1
	for i := range p.table {
		e := &p.table[i]
		switch {
		case e.state == stateEmpty:
			if empty < 0 {
				empty = i
			}
		case e.state == stateStable:
			if oldStable < 0 || e.age >= p.table[oldStable].age {
				oldStable = i
			}
		case e.queued == nil:
			if oldPending < 0 || e.age >= p.table[oldPending].age {
				oldPending = i
			}
		default:
			if oldQueued < 0 || e.age >= p.table[oldQueued].age {
				oldQueued = i
			}
		}
	}

	i := empty
	for _, c := range []int{oldStable, oldPending, oldQueued} {
		if i >= 0 {
			break
		}
		i = c
	}
	if i < 0 {
		p.stack.Stats().ARP.TableFull.Increment()
		p.stack.DropLogger().Warningf("arp: table full, cannot resolve %s", addr)
		return -1, tcpip.ErrNoBufferSpace
	}
	if i != empty {
		p.stack.DropLogger().Debugf("arp: recycling entry for %s (%s) for %s", p.table[i].addr, p.table[i].state, addr)
	}
	p.release(i, eventRecycle)
	p.table[i] = entry{addr: addr}
	return i, nil
}

// release moves entry i to the empty state, discarding its queued packet.
func (p *protocol) release(i int, ev event) {
	e := &p.table[i]
	var act action
	e.state, act = e.state.transition(ev)
	if act == actionDrop && e.queued != nil {
		e.queued.Free()
		e.queued = nil
		p.stack.Stats().ARP.DroppedQueuedPackets.Increment()
	}
}

// tick ages every entry and expires those past their maximum age.
func (p *protocol) tick() {
	for i := range p.table {
		e := &p.table[i]
		if e.state == stateEmpty {
			continue
		}
		e.age++
		if (e.state == stateStable && e.age >= p.opts.MaxAge) ||
			(e.state == statePending && e.age >= p.opts.MaxPending) {
			p.stack.Stats().ARP.EntriesExpired.Increment()
			p.release(i, eventExpire)
		}
	}
}

func protocolOf(s *stack.Stack) *protocol {
	p, _ := s.NetworkProtocolInstance(ProtocolNumber).(*protocol)
	return p
}

// Query sends a request for addr on nic even if the address is already
// known, creating a pending entry if there is none. It must be called with
// the stack's core lock held.
func Query(s *stack.Stack, nic *stack.NIC, addr tcpip.Address) *tcpip.Error {
	p := protocolOf(s)
	if p == nil {
		return tcpip.ErrUnknownProtocol
	}
	return p.query(nic, addr, nil)
}

// Lookup returns the link address of addr if it has a stable entry. It must
// be called with the stack's core lock held.
func Lookup(s *stack.Stack, addr tcpip.Address) (tcpip.LinkAddress, bool) {
	p := protocolOf(s)
	if p == nil {
		return tcpip.LinkAddress{}, false
	}
	if i := p.lookup(addr); i >= 0 && p.table[i].state == stateStable {
		return p.table[i].linkAddr, true
	}
	return tcpip.LinkAddress{}, false
}

// Entries returns the entries that are not empty, in table order. It must
// be called with the stack's core lock held.
func Entries(s *stack.Stack) []Entry {
	p := protocolOf(s)
	if p == nil {
		return nil
	}
	var out []Entry
	for i := range p.table {
		e := &p.table[i]
		if e.state == stateEmpty {
			continue
		}
		en := Entry{
			Addr:     e.addr,
			LinkAddr: e.linkAddr,
			State:    e.state.String(),
			Age:      e.age,
			Queued:   e.queued != nil,
		}
		if e.nic != nil {
			en.NIC = e.nic.ID()
		}
		out = append(out, en)
	}
	return out
}
