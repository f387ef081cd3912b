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

// Package buffer implements reference-counted, chainable packet buffers.
//
// A packet is a chain of *Buffer segments linked through their next
// pointers. Every segment records the length of its own payload (Len) and
// the length of the chain from itself to the end (TotLen), so that for any
// segment p:
//
//	p.TotLen() == p.Len() + p.Next().TotLen()  // 0 if p.Next() is nil
//
// A segment's reference count equals the number of independent holders:
// the allocating caller, the previous segment's next link, and any
// protocol that retains it. Free walks a chain releasing segments whose
// count drops to zero and stops at the first one still referenced. Any use
// of a released segment panics.
package buffer

import (
	"fmt"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/mem"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

// Layer selects how much header space is reserved in front of the payload
// of a new buffer.
type Layer int

// Layers, outermost last.
const (
	// Transport reserves room for transport, IP and link headers.
	Transport Layer = iota
	// IP reserves room for IP and link headers.
	IP
	// Link reserves room for a link header.
	Link
	// Raw reserves nothing.
	Raw
)

// Header space reserved per layer.
const (
	LinkHeaderLen      = header.EthernetMinimumSize
	IPHeaderLen        = header.IPv4MinimumSize
	TransportHeaderLen = header.TCPMinimumSize
)

// Offset returns the number of bytes reserved in front of the payload.
func (l Layer) Offset() int {
	switch l {
	case Transport:
		return LinkHeaderLen + IPHeaderLen + TransportHeaderLen
	case IP:
		return LinkHeaderLen + IPHeaderLen
	case Link:
		return LinkHeaderLen
	case Raw:
		return 0
	default:
		panic(fmt.Sprintf("buffer: unknown layer %d", int(l)))
	}
}

// Kind is the storage kind of a segment.
type Kind int

// Storage kinds.
const (
	// Pool segments own a fixed-size pool slot. Large payloads are spread
	// over a chain of pool segments.
	Pool Kind = iota
	// Heap segments own one arena block holding headers and payload.
	Heap
	// ROM segments reference read-only memory owned by the caller.
	ROM
	// Ref segments reference memory owned by the caller, which must stay
	// valid until the segment is released.
	Ref
)

func (k Kind) String() string {
	switch k {
	case Pool:
		return "pool"
	case Heap:
		return "heap"
	case ROM:
		return "rom"
	case Ref:
		return "ref"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// owning reports whether a segment of this kind owns its storage.
func (k Kind) owning() bool {
	return k == Pool || k == Heap
}

// Allocator hands out buffers backed by a stack's pools and arena.
type Allocator struct {
	pools *memp.Pools
	heap  *mem.Arena
}

// NewAllocator returns an allocator drawing from pools and heap.
func NewAllocator(pools *memp.Pools, heap *mem.Arena) *Allocator {
	return &Allocator{pools: pools, heap: heap}
}

// Buffer is one segment of a packet buffer chain.
type Buffer struct {
	alloc *Allocator
	kind  Kind

	// data is the segment storage. The payload is data[off:off+len].
	data []byte
	off  int
	len  int

	totLen int
	next   *Buffer
	ref    int

	slot memp.Handle
	blk  mem.Ptr
}

// Alloc allocates a chain able to hold size bytes of payload behind the
// header space reserved for layer.
//
// Pool buffers take as many pool slots as needed, the first one also
// holding the reserved header space. Heap buffers take a single arena
// block. ROM and Ref buffers take only a control slot; the caller attaches
// memory with SetPayload.
func (a *Allocator) Alloc(layer Layer, size int, kind Kind) (*Buffer, *tcpip.Error) {
	if size < 0 {
		return nil, tcpip.ErrInvalidOption
	}
	offset := layer.Offset()

	switch kind {
	case Pool:
		return a.allocPool(offset, size)

	case Heap:
		blk, err := a.heap.Alloc(max(offset+size, 1))
		if err != nil {
			return nil, err
		}
		return &Buffer{
			alloc:  a,
			kind:   Heap,
			data:   a.heap.Bytes(blk)[:offset+size],
			off:    offset,
			len:    size,
			totLen: size,
			ref:    1,
			blk:    blk,
		}, nil

	case ROM, Ref:
		slot, err := a.pools.Alloc(memp.PBuf)
		if err != nil {
			return nil, err
		}
		return &Buffer{
			alloc:  a,
			kind:   kind,
			len:    size,
			totLen: size,
			ref:    1,
			slot:   slot,
		}, nil

	default:
		panic(fmt.Sprintf("buffer: unknown kind %d", int(kind)))
	}
}

func (a *Allocator) allocPool(offset, size int) (*Buffer, *tcpip.Error) {
	slotSize := a.pools.SlotSize(memp.PBufPool)
	if offset >= slotSize {
		return nil, tcpip.ErrHeaderSpace
	}

	var head, tail *Buffer
	rem := size
	for first := true; first || rem > 0; first = false {
		slot, err := a.pools.Alloc(memp.PBufPool)
		if err != nil {
			if head != nil {
				head.Free()
			}
			return nil, err
		}
		off := 0
		if first {
			off = offset
		}
		n := slotSize - off
		if n > rem {
			n = rem
		}
		b := &Buffer{
			alloc:  a,
			kind:   Pool,
			data:   a.pools.Bytes(slot),
			off:    off,
			len:    n,
			totLen: rem,
			ref:    1,
			slot:   slot,
		}
		if head == nil {
			head = b
		} else {
			tail.next = b
		}
		tail = b
		rem -= n
	}
	return head, nil
}

// NewRef returns a single Ref segment referencing data.
func (a *Allocator) NewRef(data []byte) (*Buffer, *tcpip.Error) {
	b, err := a.Alloc(Raw, len(data), Ref)
	if err != nil {
		return nil, err
	}
	b.SetPayload(data)
	return b, nil
}

// NewFrom allocates a heap buffer at layer and copies data into it.
func (a *Allocator) NewFrom(layer Layer, data []byte) (*Buffer, *tcpip.Error) {
	b, err := a.Alloc(layer, len(data), Heap)
	if err != nil {
		return nil, err
	}
	copy(b.Payload(), data)
	return b, nil
}

func (b *Buffer) mustLive() {
	if b.ref <= 0 {
		panic(fmt.Sprintf("buffer: use of released %s segment", b.kind))
	}
}

// Kind returns the storage kind of the segment.
func (b *Buffer) Kind() Kind {
	b.mustLive()
	return b.kind
}

// Len returns the payload length of this segment.
func (b *Buffer) Len() int {
	b.mustLive()
	return b.len
}

// TotLen returns the payload length of the chain starting at b.
func (b *Buffer) TotLen() int {
	b.mustLive()
	return b.totLen
}

// Next returns the next segment, or nil.
func (b *Buffer) Next() *Buffer {
	b.mustLive()
	return b.next
}

// RefCount returns the reference count of the segment.
func (b *Buffer) RefCount() int {
	return b.ref
}

// Payload returns the payload of this segment. Writes through it modify
// the buffer; for ROM segments they are forbidden.
func (b *Buffer) Payload() []byte {
	b.mustLive()
	return b.data[b.off : b.off+b.len]
}

// SetPayload attaches caller-owned memory to a ROM or Ref segment and sets
// its lengths to len(data).
func (b *Buffer) SetPayload(data []byte) {
	b.mustLive()
	if b.kind.owning() {
		panic(fmt.Sprintf("buffer: SetPayload on %s segment", b.kind))
	}
	b.totLen += len(data) - b.len
	b.data, b.off, b.len = data, 0, len(data)
}

// Views returns the payload of every segment of the chain.
func (b *Buffer) Views() [][]byte {
	var vs [][]byte
	for q := b; q != nil; q = q.next {
		q.mustLive()
		if q.len > 0 {
			vs = append(vs, q.data[q.off:q.off+q.len])
		}
	}
	return vs
}

// Clen returns the number of segments in the chain.
func (b *Buffer) Clen() int {
	n := 0
	for q := b; q != nil; q = q.next {
		n++
	}
	return n
}

// Header adjusts the payload of the first segment by delta bytes: a
// positive delta reveals delta bytes of header space in front of the
// payload, a negative delta hides them. Len and TotLen follow.
//
// Revealing fails with ErrHeaderSpace, leaving b unchanged, when the
// segment has too little reserved space or does not own its storage.
// Hiding fails when more than Len bytes would be hidden.
func (b *Buffer) Header(delta int) *tcpip.Error {
	b.mustLive()
	switch {
	case delta == 0:
		return nil
	case delta > 0:
		if !b.kind.owning() || delta > b.off {
			return tcpip.ErrHeaderSpace
		}
	default:
		if -delta > b.len {
			return tcpip.ErrHeaderSpace
		}
	}
	b.off -= delta
	b.len += delta
	b.totLen += delta
	return nil
}

// Realloc shrinks the chain to newTotLen bytes. Segments past the new end
// are released and a heap segment holding the new end gives back its
// trailing space. Growing is not supported; a larger newTotLen leaves the
// chain unchanged.
func (b *Buffer) Realloc(newTotLen int) {
	b.mustLive()
	if newTotLen < 0 {
		newTotLen = 0
	}
	if newTotLen >= b.totLen {
		return
	}

	grow := newTotLen - b.totLen
	rem := newTotLen
	q := b
	for rem > q.len {
		rem -= q.len
		q.totLen += grow
		q = q.next
	}

	if q.kind == Heap && rem != q.len {
		if _, err := q.alloc.heap.Realloc(q.blk, q.off+rem); err == nil {
			q.data = q.alloc.heap.Bytes(q.blk)[:q.off+rem]
		}
	}
	q.len = rem
	q.totLen = rem

	if q.next != nil {
		q.next.Free()
		q.next = nil
	}
}

// Ref adds a reference to the first segment of the chain.
func (b *Buffer) Ref() {
	b.mustLive()
	b.ref++
}

// Free drops a reference to the chain. Segments whose count reaches zero
// are released to their pool or arena; the walk stops at the first segment
// that is still referenced, since it keeps the rest of the chain alive. It
// returns the number of segments released.
func (b *Buffer) Free() int {
	b.mustLive()
	n := 0
	for p := b; p != nil; {
		p.mustLive()
		p.ref--
		if p.ref > 0 {
			break
		}
		next := p.next
		p.release()
		n++
		p = next
	}
	return n
}

func (b *Buffer) release() {
	switch b.kind {
	case Pool, ROM, Ref:
		if err := b.alloc.pools.Free(b.slot); err != nil {
			panic(fmt.Sprintf("buffer: releasing %s segment: %s", b.kind, err))
		}
	case Heap:
		if err := b.alloc.heap.Free(b.blk); err != nil {
			panic(fmt.Sprintf("buffer: releasing %s segment: %s", b.kind, err))
		}
	}
	b.data = nil
	b.next = nil
	b.ref = 0
}

// Cat appends tail to the chain h. The caller's reference to tail is
// transferred to the chain; the caller must not use tail afterwards.
func (b *Buffer) Cat(tail *Buffer) {
	b.mustLive()
	tail.mustLive()
	p := b
	for ; p.next != nil; p = p.next {
		p.totLen += tail.totLen
	}
	p.totLen += tail.totLen
	p.next = tail
}

// Chain appends tail to the chain and takes a new reference on it, so the
// caller keeps its own reference to tail.
func (b *Buffer) Chain(tail *Buffer) {
	b.Cat(tail)
	tail.Ref()
}

// Dechain splits the first segment off the chain. The link reference to
// the remainder is dropped; the remainder is returned if it is still
// referenced elsewhere and nil if that drop released it.
func (b *Buffer) Dechain() *Buffer {
	b.mustLive()
	q := b.next
	if q == nil {
		return nil
	}
	q.totLen = b.totLen - b.len
	b.next = nil
	b.totLen = b.len
	if q.Free() > 0 {
		return nil
	}
	return q
}

// CopyTo copies up to len(dst) bytes of the chain starting at offset into
// dst and returns the number of bytes copied.
func (b *Buffer) CopyTo(dst []byte, offset int) int {
	b.mustLive()
	n := 0
	for q := b; q != nil && n < len(dst); q = q.next {
		q.mustLive()
		if offset >= q.len {
			offset -= q.len
			continue
		}
		n += copy(dst[n:], q.data[q.off+offset:q.off+q.len])
		offset = 0
	}
	return n
}

// CopyFrom copies src into the chain starting at its first byte. It fails
// with ErrMessageTooLong if src does not fit.
func (b *Buffer) CopyFrom(src []byte) *tcpip.Error {
	b.mustLive()
	if len(src) > b.totLen {
		return tcpip.ErrMessageTooLong
	}
	for q := b; q != nil && len(src) > 0; q = q.next {
		n := copy(q.data[q.off:q.off+q.len], src)
		src = src[n:]
	}
	return nil
}

// ToBytes returns a copy of the whole chain payload.
func (b *Buffer) ToBytes() []byte {
	out := make([]byte, b.TotLen())
	b.CopyTo(out, 0)
	return out
}

// Take returns a reference to b that is safe to hold beyond the caller's
// lifetime of any external memory: b itself with an extra reference if
// every segment owns its storage, or else a heap copy of the whole chain.
// The caller owns the returned reference.
func (a *Allocator) Take(b *Buffer) (*Buffer, *tcpip.Error) {
	b.mustLive()
	copyNeeded := false
	for q := b; q != nil; q = q.next {
		if !q.kind.owning() {
			copyNeeded = true
			break
		}
	}
	if !copyNeeded {
		b.Ref()
		return b, nil
	}
	c, err := a.Alloc(Link, b.totLen, Heap)
	if err != nil {
		return nil, err
	}
	b.CopyTo(c.Payload(), 0)
	return c, nil
}

// Copy returns a new chain of the given kind, with the header space of
// layer in front, holding a copy of the payload of b. Unlike Take the
// result shares nothing with b, so the caller may keep it while b's
// headers keep moving. kind must be Pool or Heap.
func (a *Allocator) Copy(layer Layer, b *Buffer, kind Kind) (*Buffer, *tcpip.Error) {
	b.mustLive()
	if !kind.owning() {
		return nil, tcpip.ErrNotSupported
	}
	c, err := a.Alloc(layer, b.totLen, kind)
	if err != nil {
		return nil, err
	}
	off := 0
	for q := c; q != nil; q = q.next {
		off += b.CopyTo(q.data[q.off:q.off+q.len], off)
	}
	return c, nil
}

// CheckInvariants verifies the length invariant of every segment of the
// chain and returns a description of the first violation.
func (b *Buffer) CheckInvariants() error {
	for q := b; q != nil; q = q.next {
		if q.ref <= 0 {
			return fmt.Errorf("released %s segment in chain", q.kind)
		}
		want := q.len
		if q.next != nil {
			want += q.next.totLen
		}
		if q.totLen != want {
			return fmt.Errorf("segment tot_len %d, want len %d + next tot_len = %d", q.totLen, q.len, want)
		}
	}
	return nil
}
