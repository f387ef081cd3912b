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

package tun

import (
	"encoding/binary"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

// PacketInfoHeaderSize is the size of the packet information header the
// kernel prepends to each frame when IFF_NO_PI is not set.
const PacketInfoHeaderSize = 4

// offsetProtocol is the offset of the ethertype in the packet information
// header. The two bytes before it hold flags, which are neither read nor set.
const offsetProtocol = 2

// PacketInfoHeader is the wire representation of the packet information sent if
// IFF_NO_PI flag is not set.
type PacketInfoHeader []byte

// Protocol returns the protocol field in h.
func (h PacketInfoHeader) Protocol() tcpip.NetworkProtocolNumber {
	return tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(h[offsetProtocol:]))
}

// prependPacketInfo returns frame behind a packet information header
// naming proto.
func prependPacketInfo(frame []byte, proto tcpip.NetworkProtocolNumber) []byte {
	b := make([]byte, PacketInfoHeaderSize+len(frame))
	binary.BigEndian.PutUint16(b[offsetProtocol:], uint16(proto))
	copy(b[PacketInfoHeaderSize:], frame)
	return b
}
