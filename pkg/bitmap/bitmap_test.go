// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"
)

func TestSetRange(t *testing.T) {
	for _, tc := range []struct {
		name       string
		begin, end uint32
	}{
		{"within one block", 3, 10},
		{"whole block", 64, 128},
		{"block boundary", 60, 70},
		{"several blocks", 1, 200},
		{"empty", 5, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(256)
			b.SetRange(tc.begin, tc.end)
			if got, want := b.GetNumOnes(), tc.end-tc.begin; got != want {
				t.Errorf("GetNumOnes() = %d, want %d", got, want)
			}
			if !b.IsRangeSet(tc.begin, tc.end) {
				t.Errorf("IsRangeSet(%d, %d) = false", tc.begin, tc.end)
			}
			if tc.begin > 0 && b.IsRangeSet(tc.begin-1, tc.end) {
				t.Errorf("IsRangeSet(%d, %d) = true", tc.begin-1, tc.end)
			}
			if b.IsRangeSet(tc.begin, tc.end+1) {
				t.Errorf("IsRangeSet(%d, %d) = true", tc.begin, tc.end+1)
			}
		})
	}
}

func TestSetRangeOverlap(t *testing.T) {
	b := New(64)
	b.SetRange(0, 16)
	b.SetRange(8, 24)
	if got := b.GetNumOnes(); got != 24 {
		t.Errorf("GetNumOnes() = %d, want 24", got)
	}
	if !b.IsRangeSet(0, 24) {
		t.Errorf("IsRangeSet(0, 24) = false")
	}
	if b.IsRangeSet(0, 25) {
		t.Errorf("IsRangeSet(0, 25) = true")
	}
}

func TestSetRangeGrows(t *testing.T) {
	b := New(8)
	b.SetRange(100, 130)
	if b.Size() < 130 {
		t.Errorf("Size() = %d, want at least 130", b.Size())
	}
	if !b.IsRangeSet(100, 130) {
		t.Errorf("IsRangeSet(100, 130) = false")
	}
	if b.IsRangeSet(0, 1) {
		t.Errorf("IsRangeSet(0, 1) = true")
	}
}

func TestIsRangeSetBeyondSize(t *testing.T) {
	b := New(64)
	b.SetRange(0, 64)
	if b.IsRangeSet(0, 65) {
		t.Errorf("IsRangeSet past the end = true")
	}
}

func TestReset(t *testing.T) {
	b := New(128)
	b.SetRange(0, 128)
	b.Reset()
	if !b.IsEmpty() {
		t.Errorf("IsEmpty() = false after Reset, %d ones", b.GetNumOnes())
	}
	if b.IsRangeSet(0, 1) {
		t.Errorf("IsRangeSet(0, 1) = true after Reset")
	}
}
