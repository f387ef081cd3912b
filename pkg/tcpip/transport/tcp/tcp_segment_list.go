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

package tcp

// segmentList is an intrusive list of segments. Entries can be added to or
// removed from the list in O(1) time and with no additional memory
// allocations.
//
// The zero value for segmentList is an empty list ready to use.
//
// To iterate over a list (where l is a segmentList):
//
//	for s := l.Front(); s != nil; s = s.Next() {
//		// do something with s.
//	}
type segmentList struct {
	head *segment
	tail *segment
}

// Reset resets list l to the empty state.
func (l *segmentList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *segmentList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *segmentList) Front() *segment {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *segmentList) Back() *segment {
	return l.tail
}

// Len returns the number of elements in the list. It is O(n).
func (l *segmentList) Len() int {
	n := 0
	for s := l.head; s != nil; s = s.next {
		n++
	}
	return n
}

// PushFront inserts the element e at the front of list l.
func (l *segmentList) PushFront(e *segment) {
	e.next = l.head
	e.prev = nil
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *segmentList) PushBack(e *segment) {
	e.next = nil
	e.prev = l.tail
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// PushBackList inserts list m at the end of list l, emptying m.
func (l *segmentList) PushBackList(m *segmentList) {
	if l.head == nil {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != nil {
		l.tail.next = m.head
		m.head.prev = l.tail
		l.tail = m.tail
	}
	m.head = nil
	m.tail = nil
}

// PushFrontList inserts list m at the front of list l, emptying m.
func (l *segmentList) PushFrontList(m *segmentList) {
	if m.head == nil {
		return
	}
	if l.head == nil {
		l.tail = m.tail
	} else {
		m.tail.next = l.head
		l.head.prev = m.tail
	}
	l.head = m.head
	m.head = nil
	m.tail = nil
}

// Remove removes e from l.
func (l *segmentList) Remove(e *segment) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = nil
	e.prev = nil
}

// segmentEntry links a segment into a segmentList.
type segmentEntry struct {
	next *segment
	prev *segment
}

// Next returns the entry that follows e in the list.
func (e *segmentEntry) Next() *segment {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *segmentEntry) Prev() *segment {
	return e.prev
}
