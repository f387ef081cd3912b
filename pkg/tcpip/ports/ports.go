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

// Package ports provides PortManager that manages allocating, reserving and
// releasing transport ports.
package ports

import (
	"github.com/ipstack/ipstack/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 0x1000

	// LastEphemeral is the last ephemeral port.
	LastEphemeral = 0x7fff

	// numEphemeralPorts is the number of available ephemeral ports.
	numEphemeralPorts = LastEphemeral - FirstEphemeral + 1
)

type portDescriptor struct {
	transport tcpip.TransportProtocolNumber
	port      uint16
}

// PortManager manages allocating, reserving and releasing ports.
//
// PortManager is not safe for concurrent use; it is guarded by the stack's
// core lock.
type PortManager struct {
	allocatedPorts map[portDescriptor]bindAddresses

	// hint is the offset from FirstEphemeral at which the next ephemeral
	// port search starts. Ports are handed out in increasing order and
	// the search wraps around at LastEphemeral.
	hint uint32
}

type portNode struct {
	reuse bool
	refs  int
}

// bindAddresses is a set of IP addresses.
type bindAddresses map[tcpip.Address]portNode

// isAvailable checks whether an IP address is available to bind to. If the
// address is the "any" address, check all other addresses. Otherwise, just
// check against the "any" address and the provided address.
func (b bindAddresses) isAvailable(addr tcpip.Address, reuse bool) bool {
	if addr.IsAny() {
		if len(b) == 0 {
			return true
		}
		if !reuse {
			return false
		}
		for _, n := range b {
			if !n.reuse {
				return false
			}
		}
		return true
	}

	// If there is no conflict with the "any" address, check against the
	// provided address.
	if n, ok := b[tcpip.AnyAddress]; ok {
		if !reuse || !n.reuse {
			return false
		}
	}
	if n, ok := b[addr]; ok {
		if !reuse || !n.reuse {
			return false
		}
	}
	return true
}

// NewPortManager creates new PortManager.
func NewPortManager() *PortManager {
	return &PortManager{allocatedPorts: make(map[portDescriptor]bindAddresses)}
}

// PickEphemeralPort iterates over all ephemeral ports, starting after the
// last port it picked, allowing the caller to decide whether a given port
// is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	for i := uint32(0); i < numEphemeralPorts; i++ {
		off := (s.hint + i) % numEphemeralPorts
		port = uint16(FirstEphemeral + off)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}
		if ok {
			s.hint = off + 1
			return port, nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}

// IsPortAvailable tests if the given port is available for the given
// transport protocol.
func (s *PortManager) IsPortAvailable(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16, reuse bool) bool {
	if addrs, ok := s.allocatedPorts[portDescriptor{transport, port}]; ok {
		return addrs.isAvailable(addr, reuse)
	}
	return true
}

// ReservePort marks a port/IP combination as reserved so that it cannot be
// reserved by another endpoint. If port is zero, ReservePort will search for
// an unreserved ephemeral port and reserve it, returning its value in the
// "port" return value.
func (s *PortManager) ReservePort(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16, reuse bool) (reservedPort uint16, err *tcpip.Error) {
	// If a port is specified, just try to reserve it.
	if port != 0 {
		if !s.reserveSpecificPort(transport, addr, port, reuse) {
			return 0, tcpip.ErrPortInUse
		}
		return port, nil
	}

	// A port wasn't specified, so try to find one. Ephemeral ports are
	// never shared, so a reusable reservation is only taken on a port
	// nobody holds.
	return s.PickEphemeralPort(func(p uint16) (bool, *tcpip.Error) {
		if _, ok := s.allocatedPorts[portDescriptor{transport, p}]; ok {
			return false, nil
		}
		return s.reserveSpecificPort(transport, addr, p, reuse), nil
	})
}

// reserveSpecificPort tries to reserve the given port.
func (s *PortManager) reserveSpecificPort(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16, reuse bool) bool {
	desc := portDescriptor{transport, port}
	m, ok := s.allocatedPorts[desc]
	if ok && !m.isAvailable(addr, reuse) {
		return false
	}
	if !ok {
		m = make(bindAddresses)
		s.allocatedPorts[desc] = m
	}
	n := m[addr]
	n.reuse = reuse
	n.refs++
	m[addr] = n
	return true
}

// ReleasePort releases the reservation on a port/IP combination so that it can
// be reserved by other endpoints.
func (s *PortManager) ReleasePort(transport tcpip.TransportProtocolNumber, addr tcpip.Address, port uint16) {
	desc := portDescriptor{transport, port}
	m, ok := s.allocatedPorts[desc]
	if !ok {
		return
	}
	n, ok := m[addr]
	if !ok {
		return
	}
	n.refs--
	if n.refs > 0 {
		m[addr] = n
		return
	}
	delete(m, addr)
	if len(m) == 0 {
		delete(s.allocatedPorts, desc)
	}
}
