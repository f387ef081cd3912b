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

package tcpip

import (
	"reflect"
	"strings"
	"unicode"
)

// MemoryStats collects allocator statistics.
type MemoryStats struct {
	// PoolAllocFailures is the number of pool allocations that failed
	// because a pool was exhausted.
	PoolAllocFailures *StatCounter

	// HeapAllocFailures is the number of arena allocations that failed.
	HeapAllocFailures *StatCounter

	// InvalidFrees is the number of frees of stale or unknown handles.
	InvalidFrees *StatCounter
}

// LinkStats collects link-layer statistics.
type LinkStats struct {
	// FramesReceived is the number of frames handed to the stack by link
	// endpoints.
	FramesReceived *StatCounter

	// FramesSent is the number of frames written to link endpoints.
	FramesSent *StatCounter

	// FramesDropped is the number of inbound frames dropped before reaching
	// a network protocol: link down, short frames, unknown EtherType, or a
	// full mailbox.
	FramesDropped *StatCounter

	// WriteErrors is the number of frames the link endpoint refused.
	WriteErrors *StatCounter
}

// IPStats collects IP-specific stats.
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// MalformedPacketsReceived is the number of packets dropped because the
	// header failed version or length validation.
	MalformedPacketsReceived *StatCounter

	// ChecksumErrors is the number of packets with a bad header checksum.
	ChecksumErrors *StatCounter

	// InvalidDestinationAddressesReceived is the number of packets not
	// addressed to any local interface and not forwarded.
	InvalidDestinationAddressesReceived *StatCounter

	// PacketsForwarded is the number of packets forwarded to another
	// interface.
	PacketsForwarded *StatCounter

	// TTLExceeded is the number of forwarded packets dropped because their
	// TTL reached zero.
	TTLExceeded *StatCounter

	// PacketsDelivered is the number of packets delivered to ICMP or a
	// transport protocol.
	PacketsDelivered *StatCounter

	// UnknownProtocolReceived is the number of packets carrying an
	// unsupported protocol number.
	UnknownProtocolReceived *StatCounter

	// PacketsSent is the number of IP packets sent, counting each fragment.
	PacketsSent *StatCounter

	// OutgoingPacketErrors is the number of packets that failed to leave
	// the interface.
	OutgoingPacketErrors *StatCounter

	// NoRoute is the number of packets dropped for lack of a route.
	NoRoute *StatCounter

	// FragmentsCreated is the number of fragments produced on output.
	FragmentsCreated *StatCounter

	// FragmentationErrors is the number of datagrams whose fragmentation
	// was abandoned.
	FragmentationErrors *StatCounter

	// FragmentsReceived is the number of fragments accepted for
	// reassembly.
	FragmentsReceived *StatCounter

	// ReassembliesCompleted is the number of datagrams rebuilt from
	// fragments.
	ReassembliesCompleted *StatCounter

	// ReassemblyOverflows is the number of contexts discarded because a
	// fragment did not fit the reassembly buffer.
	ReassemblyOverflows *StatCounter

	// ReassemblyTimeouts is the number of contexts discarded by aging.
	ReassemblyTimeouts *StatCounter

	// ReassemblyReplaced is the number of in-flight contexts abandoned for
	// a fragment of another datagram.
	ReassemblyReplaced *StatCounter
}

// ICMPStats collects ICMP-specific stats.
type ICMPStats struct {
	// EchoRequestsReceived is the number of echo requests received.
	EchoRequestsReceived *StatCounter

	// EchoRepliesSent is the number of echo replies sent.
	EchoRepliesSent *StatCounter

	// EchoRepliesReceived is the number of echo replies received.
	EchoRepliesReceived *StatCounter

	// DstUnreachableSent is the number of destination unreachable messages
	// sent.
	DstUnreachableSent *StatCounter

	// DstUnreachableReceived is the number of destination unreachable
	// messages received.
	DstUnreachableReceived *StatCounter

	// TimeExceededSent is the number of time exceeded messages sent.
	TimeExceededSent *StatCounter

	// RateLimited is the number of error messages suppressed by the rate
	// limiter.
	RateLimited *StatCounter

	// Invalid is the number of ICMP packets dropped as malformed, with a bad
	// checksum, or an echo request to a non-unicast destination.
	Invalid *StatCounter
}

// ARPStats collects ARP-specific stats.
type ARPStats struct {
	// PacketsReceived is the number of ARP frames received.
	PacketsReceived *StatCounter

	// MalformedPacketsReceived is the number of short or inconsistent ARP
	// frames.
	MalformedPacketsReceived *StatCounter

	// RequestsSent is the number of ARP requests sent.
	RequestsSent *StatCounter

	// RepliesSent is the number of ARP replies sent.
	RepliesSent *StatCounter

	// CacheUpdates is the number of entries created or refreshed.
	CacheUpdates *StatCounter

	// QueuedPackets is the number of packets queued on pending entries.
	QueuedPackets *StatCounter

	// DroppedQueuedPackets is the number of queued packets discarded by
	// replacement, eviction or aging.
	DroppedQueuedPackets *StatCounter

	// EntriesExpired is the number of entries that aged out.
	EntriesExpired *StatCounter

	// TableFull is the number of lookups that found no recyclable entry.
	TableFull *StatCounter
}

// UDPStats collects UDP-specific stats.
type UDPStats struct {
	// PacketsReceived is the number of UDP datagrams delivered to a pcb.
	PacketsReceived *StatCounter

	// UnknownPortErrors is the number of datagrams for which no pcb
	// matched.
	UnknownPortErrors *StatCounter

	// MalformedPacketsReceived is the number of datagrams with a bad length
	// field.
	MalformedPacketsReceived *StatCounter

	// ChecksumErrors is the number of datagrams with a bad checksum.
	ChecksumErrors *StatCounter

	// PacketsSent is the number of UDP datagrams sent.
	PacketsSent *StatCounter

	// PacketSendErrors is the number of datagrams that could not be sent.
	PacketSendErrors *StatCounter
}

// TCPStats collects TCP-specific stats.
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings *StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via a listener.
	PassiveConnectionOpenings *StatCounter

	// EstablishedResets is the number of established connections that
	// received a RST.
	EstablishedResets *StatCounter

	// ResetsSent is the number of RST segments sent.
	ResetsSent *StatCounter

	// SegmentsReceived is the number of TCP segments received.
	SegmentsReceived *StatCounter

	// SegmentsSent is the number of TCP segments sent, including
	// retransmissions.
	SegmentsSent *StatCounter

	// ChecksumErrors is the number of segments with a bad checksum.
	ChecksumErrors *StatCounter

	// Retransmits is the number of segments requeued by an RTO.
	Retransmits *StatCounter

	// FastRetransmit is the number of segments requeued after three
	// duplicate ACKs.
	FastRetransmit *StatCounter

	// Timeouts is the number of RTO expirations.
	Timeouts *StatCounter

	// KeepalivesSent is the number of keepalive segments sent.
	KeepalivesSent *StatCounter

	// ConnectionsAborted is the number of connections aborted by the slow
	// timer.
	ConnectionsAborted *StatCounter

	// OutOfOrderDropped is the number of out-of-sequence segments dropped.
	OutOfOrderDropped *StatCounter

	// SendQueueFull is the number of writes rejected by the send buffer or
	// queue length limits.
	SendQueueFull *StatCounter
}

// Stats holds statistics about the networking stack.
//
// All fields are optional.
type Stats struct {
	// Memory breaks out allocator stats.
	Memory MemoryStats

	// Link breaks out link-layer stats.
	Link LinkStats

	// IP breaks out IP-specific stats.
	IP IPStats

	// ICMP breaks out ICMP-specific stats.
	ICMP ICMPStats

	// ARP breaks out ARP-specific stats.
	ARP ARPStats

	// UDP breaks out UDP-specific stats.
	UDP UDPStats

	// TCP breaks out TCP-specific stats.
	TCP TCPStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// Walk calls fn for every counter in s, in declaration order. Names are
// the snake_case group and field names joined by an underscore, for
// example "ip_packets_received". Nil counters are skipped.
func (s *Stats) Walk(fn func(name string, c *StatCounter)) {
	walk(reflect.ValueOf(s).Elem(), "", fn)
}

func walk(v reflect.Value, prefix string, fn func(string, *StatCounter)) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		name := snakeCase(t.Field(i).Name)
		if prefix != "" {
			name = prefix + "_" + name
		}
		f := v.Field(i)
		if c, ok := f.Interface().(*StatCounter); ok {
			if c != nil {
				fn(name, c)
			}
			continue
		}
		walk(f, name, fn)
	}
}

// snakeCase converts an exported Go identifier to snake_case, keeping
// acronyms such as "TCP" or "TTL" together.
func snakeCase(s string) string {
	var b strings.Builder
	r := []rune(s)
	for i, c := range r {
		if unicode.IsUpper(c) {
			prevLower := i > 0 && unicode.IsLower(r[i-1])
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if i > 0 && (prevLower || (nextLower && unicode.IsUpper(r[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(c))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
