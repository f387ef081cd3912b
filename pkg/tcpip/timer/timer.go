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

// Package timer implements the cooperative timeout list that drives every
// periodic task of a stack, and the mailbox wait that runs due timeouts
// while it blocks.
//
// Timeouts are not safe for concurrent use. They are owned by the stack
// loop, which adds, cancels and runs them while holding its core lock.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

// Handle is a cancellable reference to a scheduled timeout.
type Handle struct {
	t        *Timeouts
	deadline int64
	seq      uint64
	period   time.Duration
	fn       func()
	slot     memp.Handle
	active   bool
}

// Cancel removes the timeout. It reports whether the timeout was still
// scheduled; cancelling a fired one-shot or an already cancelled timeout
// is a no-op.
func (h *Handle) Cancel() bool {
	if h == nil || !h.active {
		return false
	}
	h.t.tree.Delete(h)
	h.t.retire(h)
	return true
}

// Active reports whether the timeout is still scheduled.
func (h *Handle) Active() bool {
	return h != nil && h.active
}

// Deadline returns the monotonic deadline of the timeout.
func (h *Handle) Deadline() int64 {
	return h.deadline
}

func less(a, b *Handle) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Timeouts is an ordered list of pending timeouts.
type Timeouts struct {
	clock tcpip.Clock
	pools *memp.Pools
	tree  *btree.BTreeG[*Handle]
	seq   uint64
}

// New returns an empty timeout list on clock. Entries are charged to the
// SysTimeout pool of pools when it is not nil.
func New(clock tcpip.Clock, pools *memp.Pools) *Timeouts {
	return &Timeouts{
		clock: clock,
		pools: pools,
		tree:  btree.NewG[*Handle](8, less),
	}
}

// Add schedules fn to run once, d from now.
func (t *Timeouts) Add(d time.Duration, fn func()) (*Handle, *tcpip.Error) {
	return t.add(d, 0, fn)
}

// AddCyclic schedules fn to run every period, the first time one period
// from now.
func (t *Timeouts) AddCyclic(period time.Duration, fn func()) (*Handle, *tcpip.Error) {
	if period <= 0 {
		return nil, tcpip.ErrInvalidOption
	}
	return t.add(period, period, fn)
}

func (t *Timeouts) add(d, period time.Duration, fn func()) (*Handle, *tcpip.Error) {
	h := &Handle{t: t, period: period, fn: fn}
	if t.pools != nil {
		slot, err := t.pools.Alloc(memp.SysTimeout)
		if err != nil {
			return nil, err
		}
		h.slot = slot
	}
	t.schedule(h, t.clock.NowMonotonic()+int64(d))
	return h, nil
}

func (t *Timeouts) schedule(h *Handle, deadline int64) {
	t.seq++
	h.deadline = deadline
	h.seq = t.seq
	h.active = true
	t.tree.ReplaceOrInsert(h)
}

func (t *Timeouts) retire(h *Handle) {
	h.active = false
	if t.pools != nil && !h.slot.IsNil() {
		t.pools.Free(h.slot)
		h.slot = memp.Handle{}
	}
}

// Len returns the number of scheduled timeouts.
func (t *Timeouts) Len() int {
	return t.tree.Len()
}

// Next returns the time until the earliest deadline. ok is false if
// nothing is scheduled.
func (t *Timeouts) Next() (d time.Duration, ok bool) {
	h, ok := t.tree.Min()
	if !ok {
		return 0, false
	}
	d = time.Duration(h.deadline - t.clock.NowMonotonic())
	if d < 0 {
		d = 0
	}
	return d, true
}

// RunDue runs every timeout whose deadline has passed, in deadline order,
// and returns how many ran. Cyclic timeouts are rescheduled one period
// after their previous deadline before they run. Timeouts added by a
// handler with a zero delay run in the same call.
func (t *Timeouts) RunDue() int {
	n := 0
	for {
		h, ok := t.tree.Min()
		if !ok || h.deadline > t.clock.NowMonotonic() {
			return n
		}
		t.tree.DeleteMin()
		if h.period > 0 {
			t.schedule(h, h.deadline+int64(h.period))
		} else {
			t.retire(h)
		}
		h.fn()
		n++
	}
}

// Fetch waits for a message on mbox. While it waits, timeouts that fall
// due are run with mu held, and the wait resumes. mu may be nil. Fetch
// returns ctx.Err() if ctx is cancelled first.
func Fetch[T any](ctx context.Context, mbox <-chan T, t *Timeouts, mu sync.Locker) (T, error) {
	var zero T
	wake := make(chan struct{}, 1)
	for {
		if mu != nil {
			mu.Lock()
		}
		t.RunDue()
		d, ok := t.Next()
		if mu != nil {
			mu.Unlock()
		}

		var timer tcpip.Timer
		if ok {
			timer = t.clock.AfterFunc(d, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		}

		select {
		case m := <-mbox:
			if timer != nil {
				timer.Stop()
			}
			return m, nil
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return zero, ctx.Err()
		case <-wake:
		}
	}
}
