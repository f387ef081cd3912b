// Copyright 2026 The gVisor Authors.
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

package arp

import (
	"fmt"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

// entryState is the resolution state of a cache entry.
type entryState uint8

const (
	// stateEmpty: the slot is free.
	stateEmpty entryState = iota
	// statePending: a request was sent and no answer arrived yet.
	statePending
	// stateStable: the link address is known.
	stateStable
)

func (s entryState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case statePending:
		return "pending"
	case stateStable:
		return "stable"
	default:
		return fmt.Sprintf("entryState(%d)", uint8(s))
	}
}

// event is something that happens to a cache entry.
type event uint8

const (
	// eventResolve: an outbound packet or query needs the entry.
	eventResolve event = iota
	// eventUpdate: a reply or a snooped frame carried the mapping.
	eventUpdate
	// eventExpire: the entry outlived its maximum age.
	eventExpire
	// eventRecycle: the slot is taken for another address.
	eventRecycle
)

// action is the side effect the caller of transition must perform.
type action uint8

const (
	actionNone action = iota
	// actionRequest: send an ARP request for the entry.
	actionRequest
	// actionFlush: send the queued packet, now that the address is known.
	actionFlush
	// actionDrop: discard the queued packet.
	actionDrop
)

// transition returns the state following s on ev, and what to do about
// it. It is the only place entry states change.
func (s entryState) transition(ev event) (entryState, action) {
	switch ev {
	case eventResolve:
		if s == stateEmpty {
			return statePending, actionRequest
		}
		return s, actionNone
	case eventUpdate:
		if s == statePending {
			return stateStable, actionFlush
		}
		return stateStable, actionNone
	case eventExpire, eventRecycle:
		if s == statePending {
			return stateEmpty, actionDrop
		}
		return stateEmpty, actionNone
	}
	panic(fmt.Sprintf("arp: unknown event %d in state %s", ev, s))
}

// entry is one slot of the cache.
type entry struct {
	addr     tcpip.Address
	linkAddr tcpip.LinkAddress
	nic      *stack.NIC
	state    entryState

	// age counts ticks since the entry was created or last updated.
	age int

	// queued is the one packet waiting for the address to resolve. It is
	// only set while the entry is pending.
	queued *buffer.Buffer
}

// Entry is a snapshot of a cache entry, as returned by Entries.
type Entry struct {
	Addr     tcpip.Address
	LinkAddr tcpip.LinkAddress
	NIC      tcpip.NICID
	State    string
	Age      int
	Queued   bool
}
