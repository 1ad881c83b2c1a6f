// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmem implements the hardware page-table model: a radix tree in
// the shape of Sv32/Sv39/Sv48, walked one virtual page at a time. Interior
// tables are base pages charged against the physical allocator, so the
// accounting in tests reflects what real table memory would cost.
package vmem

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/pmem"
)

// pte is one entry of a table: invalid, a leaf mapping, or a branch to a
// lower-level table. A borrowed branch belongs to another address space and
// was installed by CloneTop; destroying this space must leave it alone.
type pte struct {
	valid    bool
	leaf     bool
	borrowed bool
	pa       mem.PA
	flags    mem.VMFlags
	child    *table
}

type table struct {
	pa      mem.PA
	entries []pte
}

// Space is one address space: a top-level table plus the allocator that
// feeds it interior tables.
type Space struct {
	layout *mem.Layout
	phys   *pmem.Allocator
	ram    *mem.Ram
	root   *table

	// flushes counts full TLB flushes, so tests can assert that a
	// SEFF obligation was honored.
	flushes int
}

// Create allocates an empty address space. Returns nil when the allocator
// cannot supply the top-level table page.
func Create(phys *pmem.Allocator, ram *mem.Ram) *Space {
	layout := phys.Layout()
	s := &Space{layout: layout, phys: phys, ram: ram}
	s.root = s.newTable(layout.MaxOrder())
	if s.root == nil {
		return nil
	}
	return s
}

func (s *Space) newTable(o mem.Order) *table {
	pa := s.phys.AllocPage(0)
	if pa == 0 {
		return nil
	}
	return &table{
		pa:      pa,
		entries: make([]pte, s.layout.Entries(o)),
	}
}

func (s *Space) index(va mem.VA, o mem.Order) int {
	return int((uintptr(va) >> s.layout.Shift(o)) & (uintptr(s.layout.Entries(o)) - 1))
}

// Map installs a single leaf mapping of the given order, allocating interior
// tables as needed. It returns InfoSEFF when a top-level entry changed,
// which obliges the caller to broadcast a TLB flush before releasing the
// kernel lock, ErrOOMem when an interior table cannot be allocated.
func (s *Space) Map(pa mem.PA, va mem.VA, flags mem.VMFlags, order mem.Order) mem.Status {
	top := s.layout.MaxOrder()
	t := s.root
	seff := false

	lvl := top
	for lvl != order {
		idx := s.index(va, lvl)
		e := &t.entries[idx]

		if !e.valid {
			child := s.newTable(lvl - 1)
			if child == nil {
				return mem.ErrOOMem
			}
			*e = pte{valid: true, child: child}
			if lvl == top {
				seff = true
			}
		} else if e.leaf {
			panic("vmem: branch through leaf mapping")
		}

		t = e.child
		lvl--
	}

	idx := s.index(va, lvl)
	e := &t.entries[idx]
	if e.valid && !e.leaf {
		// something has gone terribly wrong?
		s.destroyBranch(e.child, lvl-1)
	}
	*e = pte{valid: true, leaf: true, pa: pa, flags: flags.HW()}

	if lvl == top || seff {
		return mem.InfoSEFF
	}
	return mem.OK
}

// find walks to the leaf covering va. Returns the leaf entry and the order
// it was mapped at, or nil when nothing maps va.
func (s *Space) find(va mem.VA) (*pte, mem.Order) {
	t := s.root
	for lvl := s.layout.MaxOrder(); lvl >= 0; lvl-- {
		e := &t.entries[s.index(va, lvl)]
		if !e.valid {
			return nil, 0
		}
		if e.leaf {
			return e, lvl
		}
		t = e.child
	}
	return nil, 0
}

// Stat reports the physical address, order and flags of the mapping that
// covers va, or ErrNF when nothing does.
func (s *Space) Stat(va mem.VA) (mem.PA, mem.Order, mem.VMFlags, mem.Status) {
	e, o := s.find(va)
	if e == nil {
		return 0, 0, 0, mem.ErrNF
	}
	return e.pa, o, e.flags, mem.OK
}

// Unmap removes the leaf covering va and garbage-collects any interior
// tables the removal left empty, so a fully unmapped subtree costs nothing.
func (s *Space) Unmap(va mem.VA) mem.Status {
	return s.unmap(s.root, s.layout.MaxOrder(), va)
}

func (s *Space) unmap(t *table, lvl mem.Order, va mem.VA) mem.Status {
	e := &t.entries[s.index(va, lvl)]
	if !e.valid {
		return mem.ErrNF
	}

	if e.leaf {
		*e = pte{}
		return mem.OK
	}

	child := e.child
	ret := s.unmap(child, lvl-1, va)
	if ret.IsErr() {
		return ret
	}

	if !e.borrowed && empty(child) {
		s.phys.FreePage(0, child.pa)
		*e = pte{}
	}
	return ret
}

func empty(t *table) bool {
	for i := range t.entries {
		if t.entries[i].valid {
			return false
		}
	}
	return true
}

// CloneTop copies the top-level entries covering [0, limit) from src,
// sharing src's interior tables by reference. This is how a thread's
// private RPC table comes to reflect the target process's user mappings:
// the subtrees stay owned by the source space.
func (s *Space) CloneTop(src *Space, limit mem.VA) {
	top := s.layout.MaxOrder()
	last := s.index(limit-1, top)
	for i := 0; i <= last; i++ {
		e := src.root.entries[i]
		if e.valid && !e.leaf {
			e.borrowed = true
		}
		// Drop any table this slot owned before adopting the clone.
		if old := &s.root.entries[i]; old.valid && !old.leaf && !old.borrowed {
			s.destroyBranch(old.child, top-1)
		}
		s.root.entries[i] = e
	}
	s.flushes++
}

// Destroy frees every table owned by this space. Borrowed subtrees are the
// owner's problem.
func (s *Space) Destroy() {
	s.destroyTop()
	s.phys.FreePage(0, s.root.pa)
	s.root = nil
}

func (s *Space) destroyTop() {
	top := s.layout.MaxOrder()
	for i := range s.root.entries {
		e := &s.root.entries[i]
		if e.valid && !e.leaf && !e.borrowed {
			s.destroyBranch(e.child, top-1)
		}
		*e = pte{}
	}
}

func (s *Space) destroyBranch(t *table, lvl mem.Order) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid && !e.leaf && !e.borrowed {
			s.destroyBranch(e.child, lvl-1)
		}
	}
	s.phys.FreePage(0, t.pa)
}

// FlushTLBFull flushes the local hart's TLB.
func (s *Space) FlushTLBFull() {
	s.flushes++
}

// FlushTLBAll broadcasts a flush to every hart sharing this table and waits
// for acknowledgement. The single-machine model acknowledges synchronously
// under the kernel lock.
func (s *Space) FlushTLBAll() {
	s.flushes++
}

// Flushes returns how many TLB flushes this space has seen.
func (s *Space) Flushes() int { return s.flushes }

// Ram exposes the backing memory arena, for page-content operations.
func (s *Space) Ram() *mem.Ram { return s.ram }

// Layout returns the page geometry.
func (s *Space) Layout() *mem.Layout { return s.layout }

// Phys returns the physical allocator feeding this space.
func (s *Space) Phys() *pmem.Allocator { return s.phys }
