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

// Package tcpip provides the types shared by every layer of the embedded
// IPv4 stack: addresses, protocol numbers, status codes, clocks and
// statistics.
//
// The starting point is the creation of a stack with stack.New, which owns
// the allocators, interfaces and protocol state of one independent stack
// instance. Interfaces are attached with Stack.CreateNIC and driven by the
// single cooperative loop in Stack.Run.
package tcpip

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Address is an IPv4 address in network byte order.
type Address [4]byte

// Well-known addresses.
var (
	// AnyAddress is the wildcard address 0.0.0.0.
	AnyAddress = Address{}

	// BroadcastAddress is the limited broadcast address 255.255.255.255.
	BroadcastAddress = Address{0xff, 0xff, 0xff, 0xff}
)

// AddrFrom4 returns the address with the given four octets.
func AddrFrom4(a, b, c, d byte) Address {
	return Address{a, b, c, d}
}

// AddressFromUint32 converts a host-order integer into an Address.
func AddressFromUint32(v uint32) Address {
	return Address{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(s string) (Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, err
	}
	if !a.Is4() {
		return Address{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return Address(a.As4()), nil
}

// Uint32 returns the address as a host-order integer.
func (a Address) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
}

// IsAny reports whether a is the wildcard address.
func (a Address) IsAny() bool {
	return a == AnyAddress
}

// IsLimitedBroadcast reports whether a is 255.255.255.255.
func (a Address) IsLimitedBroadcast() bool {
	return a == BroadcastAddress
}

// IsMulticast reports whether a is in 224.0.0.0/4.
func (a Address) IsMulticast() bool {
	return a[0]&0xf0 == 0xe0
}

// Mask returns a with every bit outside m cleared.
func (a Address) Mask(m Address) Address {
	return Address{a[0] & m[0], a[1] & m[1], a[2] & m[2], a[3] & m[3]}
}

// Invert returns the bitwise complement of a, the host part of a netmask.
func (a Address) Invert() Address {
	return Address{^a[0], ^a[1], ^a[2], ^a[3]}
}

// SameNet reports whether a and b are on the same network under mask m.
func (a Address) SameNet(b, m Address) bool {
	return a.Mask(m) == b.Mask(m)
}

// LinkAddress is a 6-byte hardware (MAC) address.
type LinkAddress [6]byte

// Well-known link addresses.
var (
	// BroadcastLinkAddress is ff:ff:ff:ff:ff:ff.
	BroadcastLinkAddress = LinkAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return LinkAddress{}, fmt.Errorf("inconsistent parts: %s", s)
	}
	var addr LinkAddress
	for i, part := range parts {
		u, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return LinkAddress{}, fmt.Errorf("invalid hex digits: %s", s)
		}
		addr[i] = byte(u)
	}
	return addr, nil
}

// MulticastLinkAddress maps an IPv4 multicast group onto its Ethernet
// multicast address: 01:00:5e followed by the low 23 bits of the group.
func MulticastLinkAddress(a Address) LinkAddress {
	return LinkAddress{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}
}

// TransportProtocolNumber is the number of a transport protocol, as carried
// in the IPv4 protocol field.
type TransportProtocolNumber uint8

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint16

// NICID is a unique identifier for a NIC.
type NICID int32

// FullAddress represents a full transport node address.
type FullAddress struct {
	// NIC is the ID of the NIC this address refers to. It may be 0 to
	// select any interface.
	NIC NICID

	// Addr is the network address.
	Addr Address

	// Port is the transport port.
	Port uint16
}

// String implements the fmt.Stringer interface.
func (a FullAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// A Clock provides the current time and schedules work.
//
// Times returned by a Clock should only be compared with each other; the
// stack never relies on wall-clock time.
type Clock interface {
	// NowMonotonic returns a monotonic time value in nanoseconds.
	NowMonotonic() int64

	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine. It returns a Timer that can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d. Reset should be
	// invoked only on stopped or expired timers.
	Reset(d time.Duration)
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}
