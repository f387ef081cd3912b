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

package seqnum

import "testing"

func TestCompareAcrossWrap(t *testing.T) {
	for _, tc := range []struct {
		v, w Value
		less bool
	}{
		{1, 2, true},
		{2, 1, false},
		{0xfffffff0, 0x10, true},
		{0x10, 0xfffffff0, false},
		{5, 5, false},
	} {
		if got := tc.v.LessThan(tc.w); got != tc.less {
			t.Errorf("%d.LessThan(%d) = %t, want %t", tc.v, tc.w, got, tc.less)
		}
	}
	if !Value(5).LessThanEq(5) {
		t.Errorf("5.LessThanEq(5) = false")
	}
}

func TestRanges(t *testing.T) {
	for _, tc := range []struct {
		v, a, b         Value
		inRange, betwen bool
	}{
		{v: 10, a: 10, b: 20, inRange: true, betwen: true},
		{v: 20, a: 10, b: 20, inRange: false, betwen: true},
		{v: 9, a: 10, b: 20, inRange: false, betwen: false},
		{v: 2, a: 0xfffffffe, b: 4, inRange: true, betwen: true},
		{v: 0xfffffffd, a: 0xfffffffe, b: 4, inRange: false, betwen: false},
	} {
		if got := tc.v.InRange(tc.a, tc.b); got != tc.inRange {
			t.Errorf("%d.InRange(%d, %d) = %t, want %t", tc.v, tc.a, tc.b, got, tc.inRange)
		}
		if got := tc.v.Between(tc.a, tc.b); got != tc.betwen {
			t.Errorf("%d.Between(%d, %d) = %t, want %t", tc.v, tc.a, tc.b, got, tc.betwen)
		}
	}
	if !Value(0xffffffff).InWindow(0xfffffff0, 0x20) {
		t.Errorf("InWindow across wrap = false")
	}
	if got := Value(0xfffffff0).Size(0x10); got != 0x20 {
		t.Errorf("Size across wrap = %#x, want 0x20", got)
	}
	if !Overlap(10, 5, 14, 1) || Overlap(10, 5, 15, 1) {
		t.Errorf("Overlap boundaries wrong")
	}
}
