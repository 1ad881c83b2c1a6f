// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package slab is a fixed-size object arena. Objects live in slabs of a
// fixed object count; a bitmap tracks which slots are live and a freelist of
// partially-full slabs keeps allocation O(1) in the common case. The kernel
// allocates the same handful of node types over and over, so a single object
// size per arena is enough.
package slab

import "github.com/antimetal/kestrel/pkg/bitmap"

type slab[T any] struct {
	used  int
	bits  []byte
	items []T

	next, prev       *slab[T]
	availNext, trunk *slab[T] // trunk doubles as avail-prev
}

// Arena allocates zeroed objects of a single type.
type Arena[T any] struct {
	perSlab int
	head    *slab[T]
	avail   *slab[T]
	home    map[*T]slot[T]
}

type slot[T any] struct {
	s *slab[T]
	i int
}

// New returns an arena whose slabs hold perSlab objects each.
func New[T any](perSlab int) *Arena[T] {
	if perSlab <= 0 {
		panic("slab: non-positive slab size")
	}
	a := &Arena[T]{
		perSlab: perSlab,
		home:    make(map[*T]slot[T]),
	}
	a.grow()
	return a
}

func (a *Arena[T]) grow() *slab[T] {
	s := &slab[T]{
		bits:  make([]byte, bitmap.Bytes(a.perSlab)),
		items: make([]T, a.perSlab),
	}
	s.next = a.head
	if a.head != nil {
		a.head.prev = s
	}
	a.head = s

	s.availNext = a.avail
	if a.avail != nil {
		a.avail.trunk = s
	}
	a.avail = s

	for i := range s.items {
		a.home[&s.items[i]] = slot[T]{s, i}
	}
	return s
}

func (a *Arena[T]) popAvail() {
	s := a.avail
	a.avail = s.availNext
	if a.avail != nil {
		a.avail.trunk = nil
	}
	s.availNext = nil
	s.trunk = nil
}

func (a *Arena[T]) pushAvail(s *slab[T]) {
	s.trunk = nil
	s.availNext = a.avail
	if a.avail != nil {
		a.avail.trunk = s
	}
	a.avail = s
}

// Get returns a zeroed object.
func (a *Arena[T]) Get() *T {
	if a.avail == nil {
		a.grow()
	}

	s := a.avail
	i := bitmap.FirstUnset(s.bits, a.perSlab)
	if i < 0 {
		panic("slab: available slab has no free slot")
	}
	bitmap.Set(s.bits, i)

	s.used++
	if s.used == a.perSlab {
		a.popAvail()
	}

	var zero T
	s.items[i] = zero
	return &s.items[i]
}

// Put returns an object to the arena. The pointer must have come from Get.
func (a *Arena[T]) Put(p *T) {
	h, ok := a.home[p]
	if !ok {
		panic("slab: foreign pointer")
	}

	s, i := h.s, h.i
	if !bitmap.IsSet(s.bits, i) {
		panic("slab: double free")
	}
	bitmap.Clear(s.bits, i)

	s.used--
	if s.used == 0 {
		a.release(s)
		return
	}
	if s.availNext == nil && s.trunk == nil && a.avail != s {
		a.pushAvail(s)
	}
}

// release drops an empty slab, keeping at least one slab alive so the arena
// never churns on an alloc/free cycle at the boundary.
func (a *Arena[T]) release(s *slab[T]) {
	if s == a.head && s.next == nil {
		if a.avail != s && s.availNext == nil && s.trunk == nil {
			a.pushAvail(s)
		}
		return
	}

	if a.avail == s {
		a.popAvail()
	} else if s.availNext != nil || s.trunk != nil {
		if s.trunk != nil {
			s.trunk.availNext = s.availNext
		}
		if s.availNext != nil {
			s.availNext.trunk = s.trunk
		}
		s.availNext = nil
		s.trunk = nil
	}

	if s.prev != nil {
		s.prev.next = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	if a.head == s {
		a.head = s.next
	}

	for i := range s.items {
		delete(a.home, &s.items[i])
	}
}

// Live returns the number of objects currently allocated.
func (a *Arena[T]) Live() int {
	n := 0
	for s := a.head; s != nil; s = s.next {
		n += s.used
	}
	return n
}
