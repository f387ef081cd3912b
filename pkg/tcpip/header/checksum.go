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

// Package header provides the implementation of the encoding and decoding of
// network protocol headers.
package header

import (
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/checksum"
)

// PseudoHeaderChecksum calculates the pseudo-header checksum for the given
// transport protocol, addresses and transport length. The result is the
// unfolded ones-complement sum; transport layers combine it with the sum of
// their header and payload and complement the total.
func PseudoHeaderChecksum(protocol tcpip.TransportProtocolNumber, srcAddr, dstAddr tcpip.Address, totalLen uint16) uint16 {
	xsum := checksum.Checksum(srcAddr[:], 0)
	xsum = checksum.Checksum(dstAddr[:], xsum)

	// Add the length portion of the checksum to the pseudo-checksum.
	tmp := make([]byte, 2)
	tmp[0] = 0
	tmp[1] = uint8(protocol)
	xsum = checksum.Checksum(tmp, xsum)

	tmp[0] = uint8(totalLen >> 8)
	tmp[1] = uint8(totalLen)
	return checksum.Checksum(tmp, xsum)
}

// TransportChecksum returns the wire checksum of a transport segment whose
// header and payload are spread over views, given its pseudo-header. It is
// the complement of the sum; callers that need a non-zero UDP checksum must
// promote 0 to 0xffff themselves.
func TransportChecksum(protocol tcpip.TransportProtocolNumber, src, dst tcpip.Address, views ...[]byte) uint16 {
	var c checksum.Checksumer
	total := 0
	for _, v := range views {
		c.Add(v)
		total += len(v)
	}
	xsum := PseudoHeaderChecksum(protocol, src, dst, uint16(total))
	return ^checksum.Combine(xsum, c.Checksum())
}
