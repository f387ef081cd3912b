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

package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/faketime"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

func TestRunDueOrder(t *testing.T) {
	clock := faketime.NewManualClock()
	ts := New(clock, nil)

	var ran []string
	add := func(d time.Duration, name string) *Handle {
		h, err := ts.Add(d, func() { ran = append(ran, name) })
		if err != nil {
			t.Fatalf("Add(%s) = %s", d, err)
		}
		return h
	}
	add(3*time.Second, "3s")
	add(1*time.Second, "1s")
	add(2*time.Second, "2s-a")
	add(2*time.Second, "2s-b")

	if got := ts.RunDue(); got != 0 {
		t.Fatalf("RunDue before any deadline = %d, want = 0", got)
	}
	if d, ok := ts.Next(); !ok || d != time.Second {
		t.Fatalf("Next = (%s, %t), want = (1s, true)", d, ok)
	}

	clock.Advance(2 * time.Second)
	if got := ts.RunDue(); got != 3 {
		t.Fatalf("RunDue = %d, want = 3", got)
	}
	if diff := cmp.Diff([]string{"1s", "2s-a", "2s-b"}, ran); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
	if got := ts.Len(); got != 1 {
		t.Errorf("Len = %d, want = 1", got)
	}
}

func TestCancel(t *testing.T) {
	clock := faketime.NewManualClock()
	ts := New(clock, nil)

	ran := false
	h, _ := ts.Add(time.Second, func() { ran = true })
	if !h.Cancel() {
		t.Fatalf("Cancel = false for a scheduled timeout")
	}
	if h.Cancel() {
		t.Fatalf("second Cancel = true")
	}
	clock.Advance(time.Minute)
	ts.RunDue()
	if ran {
		t.Errorf("cancelled timeout ran")
	}

	// A handler may cancel a later timeout.
	var later *Handle
	ts.Add(time.Second, func() { later.Cancel() })
	later, _ = ts.Add(2*time.Second, func() { t.Errorf("cancelled by handler, still ran") })
	clock.Advance(5 * time.Second)
	if got := ts.RunDue(); got != 1 {
		t.Errorf("RunDue = %d, want = 1", got)
	}
}

func TestCyclic(t *testing.T) {
	clock := faketime.NewManualClock()
	ts := New(clock, nil)

	n := 0
	h, err := ts.AddCyclic(time.Second, func() { n++ })
	if err != nil {
		t.Fatalf("AddCyclic = %s", err)
	}
	clock.Advance(3500 * time.Millisecond)
	ts.RunDue()
	if n != 3 {
		t.Fatalf("cyclic ran %d times in 3.5s, want = 3", n)
	}
	if got, want := h.Deadline(), int64(4*time.Second); got != want {
		t.Errorf("Deadline = %d, want = %d", got, want)
	}
	if !h.Active() || !h.Cancel() || h.Active() {
		t.Errorf("cyclic timeout could not be cancelled")
	}
	if _, err := ts.AddCyclic(0, func() {}); err != tcpip.ErrInvalidOption {
		t.Errorf("AddCyclic(0) = %v, want = %s", err, tcpip.ErrInvalidOption)
	}
}

func TestPoolAccounting(t *testing.T) {
	var d [memp.NumTypes]memp.Desc
	d[memp.SysTimeout] = memp.Desc{Count: 2}
	pools := memp.New(d, nil)
	clock := faketime.NewManualClock()
	ts := New(clock, pools)

	ts.Add(time.Second, func() {})
	h, _ := ts.Add(time.Second, func() {})
	if _, err := ts.Add(time.Second, func() {}); err != tcpip.ErrNoBufferSpace {
		t.Fatalf("Add on an exhausted pool = %v, want = %s", err, tcpip.ErrNoBufferSpace)
	}
	h.Cancel()
	if got := pools.Usage(memp.SysTimeout).Used; got != 1 {
		t.Errorf("slots in use after Cancel = %d, want = 1", got)
	}
	clock.Advance(time.Second)
	ts.RunDue()
	if got := pools.Usage(memp.SysTimeout).Used; got != 0 {
		t.Errorf("slots in use after firing = %d, want = 0", got)
	}
}

func TestFetch(t *testing.T) {
	clock := faketime.NewManualClock()
	ts := New(clock, nil)
	var mu sync.Mutex

	fired := make(chan struct{})
	ts.Add(time.Second, func() { close(fired) })

	mbox := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		v   int
		err error
	}
	results := make(chan result, 1)
	go func() {
		v, err := Fetch(ctx, mbox, ts, &mu)
		results <- result{v, err}
	}()

	// The timeout fires while Fetch is blocked.
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		clock.Advance(time.Second)
		select {
		case <-fired:
			done = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout did not run while Fetch was waiting")
		}
	}

	mbox <- 42
	if r := <-results; r.err != nil || r.v != 42 {
		t.Fatalf("Fetch = (%d, %v), want = (42, nil)", r.v, r.err)
	}

	go func() {
		v, err := Fetch(ctx, mbox, ts, &mu)
		results <- result{v, err}
	}()
	cancel()
	if r := <-results; r.err != context.Canceled {
		t.Errorf("Fetch after cancel = %v, want = %v", r.err, context.Canceled)
	}
}
