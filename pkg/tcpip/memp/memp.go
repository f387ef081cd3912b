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

// Package memp implements fixed-capacity pools of equally sized slots, one
// pool per object type.
//
// Every pool is carved from a single backing array when the Pools are
// created and never grows. Allocation and free are O(1) pops and pushes on
// a per-pool free list threaded through slot indices.
package memp

import (
	"fmt"
	"sync"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

// Type identifies an object class with its own pool.
type Type int

// Object types with dedicated pools.
const (
	// PBuf holds control blocks for buffers that reference external
	// memory.
	PBuf Type = iota

	// PBufPool holds fixed-size packet buffers.
	PBufPool

	// UDPPCB holds UDP protocol control blocks.
	UDPPCB

	// TCPPCB holds TCP protocol control blocks for connections.
	TCPPCB

	// TCPPCBListen holds TCP protocol control blocks for listeners.
	TCPPCBListen

	// TCPSeg holds queued TCP segments.
	TCPSeg

	// SysTimeout holds timer entries.
	SysTimeout

	// NumTypes is the number of pool types.
	NumTypes
)

var typeNames = [NumTypes]string{
	PBuf:         "pbuf",
	PBufPool:     "pbuf_pool",
	UDPPCB:       "udp_pcb",
	TCPPCB:       "tcp_pcb",
	TCPPCBListen: "tcp_pcb_listen",
	TCPSeg:       "tcp_seg",
	SysTimeout:   "sys_timeout",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < 0 || t >= NumTypes {
		return fmt.Sprintf("memp.Type(%d)", int(t))
	}
	return typeNames[t]
}

// MinSlotSize is the smallest slot handed out by any pool.
const MinSlotSize = 4

// Desc describes one pool.
type Desc struct {
	// Size is the payload size of a slot in bytes. Pools for objects that
	// live outside the pool memory may use 0.
	Size int

	// Count is the fixed number of slots.
	Count int
}

// Handle refers to an allocated slot. The zero Handle is nil.
type Handle struct {
	Type  Type
	Index int32
	gen   uint32
}

// IsNil reports whether h refers to no slot.
func (h Handle) IsNil() bool {
	return h.gen == 0
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	if h.IsNil() {
		return "memp.Handle(nil)"
	}
	return fmt.Sprintf("memp.Handle(%s[%d]/%d)", h.Type, h.Index, h.gen)
}

// Usage reports the occupancy of one pool.
type Usage struct {
	Avail int
	Used  int
	Max   int
	Err   uint64
}

type pool struct {
	size  int
	mem   []byte
	next  []int32
	gens  []uint32
	inUse []bool
	free  int32
	gen   uint32
	usage Usage
}

const nilIndex = -1

// Pools is the set of per-type pools of one stack. It is safe for
// concurrent use.
type Pools struct {
	mu    sync.Mutex
	pools [NumTypes]pool
	stats *tcpip.MemoryStats
}

// New carves every pool described by descs. stats may be nil.
func New(descs [NumTypes]Desc, stats *tcpip.MemoryStats) *Pools {
	if stats == nil {
		s := tcpip.Stats{}.FillIn()
		stats = &s.Memory
	}
	p := &Pools{stats: stats}
	for t := range descs {
		d := descs[t]
		if d.Count < 0 || d.Size < 0 {
			panic(fmt.Sprintf("memp: bad descriptor for %s: %+v", Type(t), d))
		}
		size := d.Size
		if size > 0 && size < MinSlotSize {
			size = MinSlotSize
		}
		pl := &p.pools[t]
		pl.size = size
		pl.mem = make([]byte, size*d.Count)
		pl.next = make([]int32, d.Count)
		pl.gens = make([]uint32, d.Count)
		pl.inUse = make([]bool, d.Count)
		pl.usage.Avail = d.Count
		pl.free = nilIndex
		for i := d.Count - 1; i >= 0; i-- {
			pl.next[i] = pl.free
			pl.free = int32(i)
		}
	}
	return p
}

// Alloc pops a slot of type t. It returns ErrNoBufferSpace when the pool is
// exhausted.
func (p *Pools) Alloc(t Type) (Handle, *tcpip.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl := &p.pools[t]
	i := pl.free
	if i == nilIndex {
		pl.usage.Err++
		p.stats.PoolAllocFailures.Increment()
		return Handle{}, tcpip.ErrNoBufferSpace
	}
	pl.free = pl.next[i]
	pl.next[i] = nilIndex
	pl.inUse[i] = true
	pl.gen++
	if pl.gen == 0 {
		pl.gen = 1
	}
	pl.gens[i] = pl.gen

	pl.usage.Used++
	if pl.usage.Used > pl.usage.Max {
		pl.usage.Max = pl.usage.Used
	}
	return Handle{Type: t, Index: i, gen: pl.gen}, nil
}

func (p *Pools) valid(h Handle) bool {
	if h.IsNil() || h.Type < 0 || h.Type >= NumTypes {
		return false
	}
	pl := &p.pools[h.Type]
	return h.Index >= 0 && int(h.Index) < len(pl.inUse) && pl.inUse[h.Index] && pl.gens[h.Index] == h.gen
}

// Free pushes the slot referenced by h back onto its pool. A stale, nil or
// foreign handle returns ErrInvalidHandle and leaves the pool untouched.
func (p *Pools) Free(h Handle) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(h) {
		p.stats.InvalidFrees.Increment()
		return tcpip.ErrInvalidHandle
	}
	pl := &p.pools[h.Type]
	pl.inUse[h.Index] = false
	pl.next[h.Index] = pl.free
	pl.free = h.Index
	pl.usage.Used--
	return nil
}

// Valid reports whether h refers to a live slot.
func (p *Pools) Valid(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid(h)
}

// Bytes returns the memory of the slot referenced by h. It panics if h is
// not live.
func (p *Pools) Bytes(h Handle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid(h) {
		panic(fmt.Sprintf("memp: use of stale or invalid handle %s", h))
	}
	pl := &p.pools[h.Type]
	start := int(h.Index) * pl.size
	return pl.mem[start : start+pl.size : start+pl.size]
}

// SlotSize returns the slot size of pool t.
func (p *Pools) SlotSize(t Type) int {
	return p.pools[t].size
}

// Usage returns the occupancy of pool t.
func (p *Pools) Usage(t Type) Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pools[t].usage
}
