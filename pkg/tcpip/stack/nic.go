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

package stack

import (
	"fmt"
	"strings"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
)

// NICFlags is the set of interface flags.
type NICFlags uint8

// Interface flags.
const (
	// FlagUp is set when the interface is administratively up.
	FlagUp NICFlags = 1 << iota
	// FlagBroadcast is set when the interface supports broadcast.
	FlagBroadcast
	// FlagPointToPoint is set on point-to-point links.
	FlagPointToPoint
	// FlagDHCP is set when the address is managed by DHCP.
	FlagDHCP
	// FlagLinkUp is set when the link is up.
	FlagLinkUp
)

var flagNames = []string{"UP", "BROADCAST", "POINTTOPOINT", "DHCP", "LINK_UP"}

func (f NICFlags) String() string {
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// NICConfig holds the addressing of a new interface.
type NICConfig struct {
	// Name is a human readable name, e.g. "eth0".
	Name string

	// Addr, Netmask and Gateway configure the interface address. Gateway
	// may be the any address.
	Addr, Netmask, Gateway tcpip.Address

	// MTU caps the IP MTU below the endpoint MTU when non-zero.
	MTU uint32

	// Flags are the initial interface flags. FlagBroadcast is implied on
	// Ethernet endpoints.
	Flags NICFlags
}

// NIC represents a "network interface card" to which the networking stack is
// attached.
//
// All fields are guarded by the stack's core lock.
type NIC struct {
	stack *Stack
	id    tcpip.NICID
	name  string
	ep    LinkEndpoint

	addr    tcpip.Address
	netmask tcpip.Address
	gateway tcpip.Address
	mtu     uint32
	flags   NICFlags
}

func newNIC(s *Stack, id tcpip.NICID, ep LinkEndpoint, cfg NICConfig) *NIC {
	mtu := ep.MTU()
	if cfg.MTU != 0 && cfg.MTU < mtu {
		mtu = cfg.MTU
	}
	flags := cfg.Flags
	if ep.Capabilities()&CapabilityResolutionRequired != 0 {
		flags |= FlagBroadcast
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("nic%d", id)
	}
	return &NIC{
		stack:   s,
		id:      id,
		name:    name,
		ep:      ep,
		addr:    cfg.Addr,
		netmask: cfg.Netmask,
		gateway: cfg.Gateway,
		mtu:     mtu,
		flags:   flags,
	}
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID { return n.id }

// Name returns the name of n.
func (n *NIC) Name() string { return n.name }

// Stack returns the stack n belongs to.
func (n *NIC) Stack() *Stack { return n.stack }

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint { return n.ep }

// Address returns the IPv4 address of n.
func (n *NIC) Address() tcpip.Address { return n.addr }

// Netmask returns the netmask of n.
func (n *NIC) Netmask() tcpip.Address { return n.netmask }

// Gateway returns the default gateway of n.
func (n *NIC) Gateway() tcpip.Address { return n.gateway }

// MTU returns the IP MTU of n.
func (n *NIC) MTU() uint32 { return n.mtu }

// LinkAddress returns the hardware address of n.
func (n *NIC) LinkAddress() tcpip.LinkAddress { return n.ep.LinkAddress() }

// Flags returns the interface flags.
func (n *NIC) Flags() NICFlags { return n.flags }

// NeedsResolution reports whether n frames packets with Ethernet headers
// and resolves next hops with ARP.
func (n *NIC) NeedsResolution() bool {
	return n.ep.Capabilities()&CapabilityResolutionRequired != 0
}

// IsUp reports whether the interface is up, administratively and at the
// link.
func (n *NIC) IsUp() bool {
	return n.flags&(FlagUp|FlagLinkUp) == FlagUp|FlagLinkUp
}

// SetAddress changes the addressing of n.
func (n *NIC) SetAddress(addr, netmask, gateway tcpip.Address) {
	n.addr, n.netmask, n.gateway = addr, netmask, gateway
}

// SetFlags sets the given flags.
func (n *NIC) SetFlags(f NICFlags) { n.flags |= f }

// ClearFlags clears the given flags.
func (n *NIC) ClearFlags(f NICFlags) { n.flags &^= f }

// IsBroadcast reports whether addr is a broadcast address on n: the limited
// broadcast or any address, or the directed broadcast of n's subnet when n
// supports broadcast.
func (n *NIC) IsBroadcast(addr tcpip.Address) bool {
	switch {
	case addr.IsLimitedBroadcast() || addr.IsAny():
		return true
	case n.flags&FlagBroadcast == 0:
		return false
	case addr == n.addr:
		return false
	}
	return addr.SameNet(n.addr, n.netmask) && addr.Mask(n.netmask.Invert()) == n.netmask.Invert()
}

// Output sends an IP packet to the next hop dst, resolving its link
// address first on Ethernet interfaces. pkt is borrowed.
func (n *NIC) Output(pkt *buffer.Buffer, dst tcpip.Address) *tcpip.Error {
	if n.NeedsResolution() {
		r := n.stack.resolver
		if r == nil {
			return tcpip.ErrNoLinkAddress
		}
		return r.ResolveAndOutput(n, pkt, dst)
	}
	return n.LinkOutput(pkt)
}

// LinkOutput writes a fully framed packet to the link. pkt is borrowed.
func (n *NIC) LinkOutput(pkt *buffer.Buffer) *tcpip.Error {
	stats := &n.stack.stats.Link
	if !n.IsUp() {
		stats.WriteErrors.Increment()
		return tcpip.ErrLinkDown
	}
	if err := n.ep.WritePacket(pkt); err != nil {
		stats.WriteErrors.Increment()
		return err
	}
	stats.FramesSent.Increment()
	return nil
}

// DeliverNetworkPacket implements NetworkDispatcher.DeliverNetworkPacket.
// While the stack loop runs the frame is queued on its mailbox; otherwise
// it is processed before DeliverNetworkPacket returns.
func (n *NIC) DeliverNetworkPacket(frame []byte) {
	s := n.stack
	if s.running.Load() {
		f := append([]byte(nil), frame...)
		if err := s.Post(func() { n.handleFrame(f) }); err != nil {
			s.stats.Link.FramesDropped.Increment()
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n.handleFrame(frame)
}

// handleFrame copies a received frame into a pool buffer and hands it to
// the network protocol named by its link header. s.mu must be held.
func (n *NIC) handleFrame(frame []byte) {
	s := n.stack
	s.stats.Link.FramesReceived.Increment()
	if !n.IsUp() {
		s.stats.Link.FramesDropped.Increment()
		return
	}

	pkt, err := s.alloc.Alloc(buffer.Raw, len(frame), buffer.Pool)
	if err != nil {
		s.stats.Link.FramesDropped.Increment()
		s.dropLog.Debugf("%s: no buffer for %d byte frame: %s", n.name, len(frame), err)
		return
	}
	pkt.CopyFrom(frame)

	proto := header.IPv4ProtocolNumber
	if n.NeedsResolution() {
		if len(frame) < header.EthernetMinimumSize || pkt.Len() < header.EthernetMinimumSize {
			s.stats.Link.FramesDropped.Increment()
			pkt.Free()
			return
		}
		eth := header.Ethernet(pkt.Payload())
		proto = eth.Type()
		if proto == header.IPv4ProtocolNumber && s.resolver != nil && pkt.Len() >= header.EthernetMinimumSize+header.IPv4MinimumSize {
			ip := header.IPv4(pkt.Payload()[header.EthernetMinimumSize:])
			s.resolver.SnoopIP(n, ip.SourceAddress(), eth.SourceAddress())
		}
		pkt.Header(-header.EthernetMinimumSize)
	}

	p, ok := s.networkProtocols[proto]
	if !ok {
		s.stats.Link.FramesDropped.Increment()
		pkt.Free()
		return
	}
	p.HandlePacket(n, pkt)
}

func (n *NIC) String() string {
	return fmt.Sprintf("%s(%s/%s, mtu %d, %s)", n.name, n.addr, n.netmask, n.mtu, n.flags)
}
