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

// Package mem implements a first-fit heap over a single fixed-size byte
// arena.
//
// Every block is preceded by a boundary tag stored in the arena itself:
//
//	+--------+--------+------+-----+
//	| next   | prev   | used | pad |
//	| uint32 | uint32 | u8   | 3B  |
//	+--------+--------+------+-----+
//
// Tags are threaded by byte offset from offset 0 up to a sentinel tag at the
// end of the arena that is always marked used. Adjacent free blocks are
// merged immediately after every free, so no two neighbours are ever both
// free.
//
// Arena is safe for concurrent use; a single mutex serializes every call.
package mem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ipstack/ipstack/pkg/tcpip"
)

const (
	// Alignment is the alignment of every block and every size.
	Alignment = 4

	// headerSize is the size of a boundary tag.
	headerSize = 12

	// minSize is the smallest payload handed out. It keeps split
	// remainders large enough to be useful.
	minSize = 12

	tagNext = 0
	tagPrev = 4
	tagUsed = 8
)

func align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Ptr is a checked handle to a heap block. The zero Ptr is nil.
type Ptr struct {
	off uint32
	gen uint32
}

// IsNil reports whether p refers to no block.
func (p Ptr) IsNil() bool {
	return p.gen == 0
}

// String implements fmt.Stringer.
func (p Ptr) String() string {
	if p.IsNil() {
		return "mem.Ptr(nil)"
	}
	return fmt.Sprintf("mem.Ptr(%#x/%d)", p.off, p.gen)
}

// Arena is a first-fit heap with boundary-tag coalescing.
type Arena struct {
	mu sync.Mutex

	// buf holds the blocks followed by the sentinel tag at end.
	buf []byte

	// end is the offset of the sentinel tag.
	end uint32

	// lfree is the offset of the lowest free block, or end.
	lfree uint32

	// live maps the tag offset of every allocated block to the generation
	// of the handle that owns it.
	live map[uint32]uint32
	gen  uint32

	used    int
	maxUsed int

	stats *tcpip.MemoryStats
}

// New returns an arena able to hold size bytes of blocks and tags. stats
// may be nil.
func New(size int, stats *tcpip.MemoryStats) *Arena {
	size = align(size)
	if size < headerSize+minSize {
		panic(fmt.Sprintf("mem: arena of %d bytes is too small", size))
	}
	if stats == nil {
		s := tcpip.Stats{}.FillIn()
		stats = &s.Memory
	}
	a := &Arena{
		buf:   make([]byte, size+headerSize),
		end:   uint32(size),
		live:  make(map[uint32]uint32),
		stats: stats,
	}
	a.setNext(0, a.end)
	a.setPrev(0, 0)
	a.setUsed(0, false)
	a.setNext(a.end, a.end)
	a.setPrev(a.end, a.end)
	a.setUsed(a.end, true)
	a.lfree = 0
	return a
}

func (a *Arena) next(off uint32) uint32 { return binary.LittleEndian.Uint32(a.buf[off+tagNext:]) }
func (a *Arena) prev(off uint32) uint32 { return binary.LittleEndian.Uint32(a.buf[off+tagPrev:]) }
func (a *Arena) isUsed(off uint32) bool { return a.buf[off+tagUsed] != 0 }

func (a *Arena) setNext(off, v uint32) { binary.LittleEndian.PutUint32(a.buf[off+tagNext:], v) }
func (a *Arena) setPrev(off, v uint32) { binary.LittleEndian.PutUint32(a.buf[off+tagPrev:], v) }

func (a *Arena) setUsed(off uint32, u bool) {
	if u {
		a.buf[off+tagUsed] = 1
	} else {
		a.buf[off+tagUsed] = 0
	}
}

// blockSize returns the payload capacity of the block tagged at off.
func (a *Arena) blockSize(off uint32) int {
	return int(a.next(off) - off - headerSize)
}

// Alloc returns a block of at least size bytes. It fails with
// ErrNoBufferSpace if no free block is large enough.
func (a *Arena) Alloc(size int) (Ptr, *tcpip.Error) {
	if size <= 0 {
		return Ptr{}, tcpip.ErrInvalidOption
	}
	size = align(size)
	if size < minSize {
		size = minSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if size > int(a.end) {
		a.stats.HeapAllocFailures.Increment()
		return Ptr{}, tcpip.ErrNoBufferSpace
	}

	for off := a.lfree; off < a.end; off = a.next(off) {
		if a.isUsed(off) || a.blockSize(off) < size {
			continue
		}
		if a.blockSize(off) >= size+headerSize+minSize {
			// Split off the remainder as a new free block.
			rest := off + headerSize + uint32(size)
			a.setUsed(rest, false)
			a.setNext(rest, a.next(off))
			a.setPrev(rest, off)
			a.setNext(off, rest)
			if n := a.next(rest); n != a.end {
				a.setPrev(n, rest)
			}
		}
		a.setUsed(off, true)

		if off == a.lfree {
			for a.lfree != a.end && a.isUsed(a.lfree) {
				a.lfree = a.next(a.lfree)
			}
		}

		a.gen++
		if a.gen == 0 {
			a.gen = 1
		}
		a.live[off] = a.gen
		a.used += a.blockSize(off) + headerSize
		if a.used > a.maxUsed {
			a.maxUsed = a.used
		}
		return Ptr{off: off, gen: a.gen}, nil
	}

	a.stats.HeapAllocFailures.Increment()
	return Ptr{}, tcpip.ErrNoBufferSpace
}

// check validates p. a.mu must be held.
func (a *Arena) check(p Ptr) bool {
	if p.IsNil() {
		return false
	}
	gen, ok := a.live[p.off]
	return ok && gen == p.gen
}

// Free releases the block referenced by p and merges it with free
// neighbours. Freeing a stale or nil handle returns ErrInvalidHandle and
// leaves the arena untouched.
func (a *Arena) Free(p Ptr) *tcpip.Error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.check(p) {
		a.stats.InvalidFrees.Increment()
		return tcpip.ErrInvalidHandle
	}
	delete(a.live, p.off)
	a.used -= a.blockSize(p.off) + headerSize

	a.setUsed(p.off, false)
	if p.off < a.lfree {
		a.lfree = p.off
	}
	a.plugHoles(p.off)
	return nil
}

// plugHoles merges the free block at off with its free neighbours.
func (a *Arena) plugHoles(off uint32) {
	// Forward.
	if n := a.next(off); n != off && n != a.end && !a.isUsed(n) {
		if a.lfree == n {
			a.lfree = off
		}
		nn := a.next(n)
		a.setNext(off, nn)
		if nn != a.end {
			a.setPrev(nn, off)
		}
	}

	// Backward.
	if p := a.prev(off); p != off && !a.isUsed(p) {
		if a.lfree == off {
			a.lfree = p
		}
		n := a.next(off)
		a.setNext(p, n)
		if n != a.end {
			a.setPrev(n, p)
		}
	}
}

// Realloc shrinks the block referenced by p in place to newSize bytes,
// returning the trailing space to the heap. Growing is not supported and
// returns ErrNotSupported.
func (a *Arena) Realloc(p Ptr, newSize int) (Ptr, *tcpip.Error) {
	if newSize <= 0 {
		return Ptr{}, tcpip.ErrInvalidOption
	}
	newSize = align(newSize)
	if newSize < minSize {
		newSize = minSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.check(p) {
		a.stats.InvalidFrees.Increment()
		return Ptr{}, tcpip.ErrInvalidHandle
	}
	size := a.blockSize(p.off)
	switch {
	case newSize > size:
		return Ptr{}, tcpip.ErrNotSupported
	case newSize == size:
		return p, nil
	}

	rest := p.off + headerSize + uint32(newSize)
	n := a.next(p.off)
	if !a.isUsed(n) && n != a.end {
		// The next block is free: move its tag down to absorb the
		// released space.
		nn := a.next(n)
		if a.lfree == n {
			a.lfree = rest
		}
		a.setUsed(rest, false)
		a.setNext(rest, nn)
		a.setPrev(rest, p.off)
		a.setNext(p.off, rest)
		if nn != a.end {
			a.setPrev(nn, rest)
		}
		a.used -= size - newSize
		return p, nil
	}

	if newSize+headerSize+minSize <= size {
		a.setUsed(rest, false)
		a.setNext(rest, n)
		a.setPrev(rest, p.off)
		a.setNext(p.off, rest)
		if n != a.end {
			a.setPrev(n, rest)
		}
		if rest < a.lfree {
			a.lfree = rest
		}
		a.used -= size - newSize
	}
	// Otherwise the remainder is too small to carry its own tag and
	// stays with the block.
	return p, nil
}

// Bytes returns the payload of the block referenced by p. The slice
// covers the whole block, which may be larger than the size requested.
// It panics if p is not a live handle.
func (a *Arena) Bytes(p Ptr) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.check(p) {
		panic(fmt.Sprintf("mem: use of stale or invalid handle %s", p))
	}
	start := p.off + headerSize
	return a.buf[start:a.next(p.off):a.next(p.off)]
}

// Size returns the payload capacity of the block referenced by p, or 0 if
// p is not live.
func (a *Arena) Size(p Ptr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.check(p) {
		return 0
	}
	return a.blockSize(p.off)
}

// Usage reports arena occupancy, tags included.
type Usage struct {
	Size    int
	Used    int
	MaxUsed int
	Blocks  int
}

// Usage returns the current occupancy of the arena.
func (a *Arena) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		Size:    int(a.end),
		Used:    a.used,
		MaxUsed: a.maxUsed,
		Blocks:  len(a.live),
	}
}

// CheckInvariants walks the block list and returns an error describing the
// first broken invariant: a bad back link, two adjacent free blocks, a
// list that does not end at the sentinel, or a lowest-free pointer that
// skips a free block.
func (a *Arena) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prevOff := uint32(0)
	prevFree := false
	firstFree := a.end
	for off := uint32(0); off != a.end; {
		n := a.next(off)
		if n <= off || n > a.end {
			return fmt.Errorf("block %#x: next %#x out of order", off, n)
		}
		if off != 0 && a.prev(off) != prevOff {
			return fmt.Errorf("block %#x: prev %#x, want %#x", off, a.prev(off), prevOff)
		}
		free := !a.isUsed(off)
		if free && prevFree {
			return fmt.Errorf("block %#x: adjacent free blocks not merged", off)
		}
		if free && firstFree == a.end {
			firstFree = off
		}
		prevOff, prevFree = off, free
		off = n
	}
	if a.lfree > firstFree {
		return fmt.Errorf("lowest free %#x skips free block %#x", a.lfree, firstFree)
	}
	return nil
}
