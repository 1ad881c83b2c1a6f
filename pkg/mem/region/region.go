// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package region tracks the virtual address ranges of one arena: which are
// allocated, which are holes, and where the next allocation should go.
//
// Two sp-trees index the same set of regions: the free tree is keyed by
// (size, start) so best-fit searches are cheap, the used tree by start for
// exact lookup on free. Every region is also chained into an address-ordered
// doubly-linked list that covers the arena without gaps, which is what makes
// coalescing a pointer fixup instead of a search.
//
// All region addresses are in base-page units; only the public entry points
// convert from bytes.
package region

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/slab"
	"github.com/antimetal/kestrel/pkg/sptree"
)

// Owner identifies the thread that owns a shared region. Zero means the
// region is private.
type Owner int64

// Region is a contiguous run of pages with uniform flags.
type Region struct {
	node sptree.Node[*Region]

	next, prev *Region

	// Start and End are in base-page units, start inclusive.
	Start, End uintptr

	Flags mem.VMFlags

	// Pid is zero for private regions and owner regions; a referrer to
	// shared memory carries the owner's root thread id here.
	Pid Owner

	// Shaddr is the owner-side address of the shared region a referrer
	// points at. Refcount counts live references on the owner side,
	// including the owner itself. The two are never valid at once.
	Shaddr   mem.VA
	Refcount int
}

// Used reports whether the region is allocated.
func (m *Region) Used() bool { return m.Flags&mem.RegionUsed != 0 }

// Kept reports whether Clear must leave the region alone.
func (m *Region) Kept() bool { return m.Flags&mem.RegionKeep != 0 }

// Next returns the address-ordered successor, or nil.
func (m *Region) Next() *Region { return m.next }

// Prev returns the address-ordered predecessor, or nil.
func (m *Region) Prev() *Region { return m.prev }

// Root is the region bookkeeping for one arena.
type Root struct {
	layout *mem.Layout
	arena  *slab.Arena[Region]

	free sptree.Tree[*Region]
	used sptree.Tree[*Region]

	// reserved pages at the low end are never handed out by an
	// unconstrained Alloc; NULL must stay unmapped.
	reserved uintptr

	start, end uintptr
}

// NewArena returns a node arena shared by every Root of a kernel instance.
func NewArena() *slab.Arena[Region] {
	// One base page worth of region nodes per slab, the same granularity
	// the node subsystem used.
	return slab.New[Region](64)
}

func (r *Root) getNode() *Region {
	m := r.arena.Get()
	m.node.Item = m
	return m
}

func (r *Root) putNode(m *Region) {
	r.arena.Put(m)
}

// Init sets up an arena of size bytes starting at start, with reserved
// bytes at the bottom withheld from unconstrained allocation.
func (r *Root) Init(arena *slab.Arena[Region], layout *mem.Layout, start mem.VA, size, reserved uintptr) mem.Status {
	r.layout = layout
	r.arena = arena

	pstart := uintptr(start) / layout.BasePageSize()
	pages := size / layout.BasePageSize()

	m := r.getNode()
	m.Start = pstart
	m.End = pstart + pages

	r.reserved = layout.Pages(reserved)
	r.start = m.Start
	r.end = m.End
	r.insertFree(m)
	return mem.OK
}

// insertFree places m into the free tree keyed by (size, start). Smaller
// addresses go left on a size tie.
func (r *Root) insertFree(m *Region) *Region {
	n := r.free.Root()
	var p *sptree.Node[*Region]
	d := sptree.Left

	size := m.End - m.Start
	for n != nil {
		t := n.Item
		nsize := t.End - t.Start
		p = n

		switch {
		case size < nsize:
			n = n.Left()
			d = sptree.Left
		case size > nsize:
			n = n.Right()
			d = sptree.Right
		case m.Start < t.Start:
			n = n.Left()
			d = sptree.Left
		default:
			n = n.Right()
			d = sptree.Right
		}
	}

	r.free.Insert(p, &m.node, d)
	return m
}

func (r *Root) insertUsed(m *Region) *Region {
	n := r.used.Root()
	var p *sptree.Node[*Region]
	d := sptree.Left

	for n != nil {
		t := n.Item
		p = n

		// Two used regions can never share a start address.
		if m.Start < t.Start {
			n = n.Left()
			d = sptree.Left
		} else {
			n = n.Right()
			d = sptree.Right
		}
	}

	r.used.Insert(p, &m.node, d)
	return m
}

// FindUsed returns the used region starting exactly at start, or nil.
func (r *Root) FindUsed(start mem.VA) *Region {
	ref := uintptr(start) / r.layout.BasePageSize()
	n := r.used.Root()
	for n != nil {
		t := n.Item
		if ref == t.Start {
			return t
		}
		if ref < t.Start {
			n = n.Left()
		} else {
			n = n.Right()
		}
	}
	return nil
}

// findClosestUsed returns the used region whose start is nearest to start.
// With no used regions it falls back to the free tree root.
func (r *Root) findClosestUsed(start mem.VA) *Region {
	n := r.used.Root()
	if n == nil {
		if f := r.free.Root(); f != nil {
			return f.Item
		}
		return nil
	}

	ref := uintptr(start) / r.layout.BasePageSize()
	var closest *Region
	best := ^uintptr(0)
	for n != nil {
		t := n.Item
		var d uintptr
		if ref > t.Start {
			d = ref - t.Start
		} else {
			d = t.Start - ref
		}

		if d == 0 { // exact match
			return t
		}
		if d < best {
			closest = t
			best = d
		}

		if ref < t.Start {
			n = n.Left()
		} else {
			n = n.Right()
		}
	}
	return closest
}

// First returns the region with the lowest start address, which is also the
// head of the linked list.
func (r *Root) First() *Region {
	m := r.findClosestUsed(0)
	if m == nil {
		return nil
	}
	for m.prev != nil {
		m = m.prev
	}
	return m
}

// poAlign returns the size in bytes of the largest page order not larger
// than s, or 0 when s is below the first large order.
func (r *Root) poAlign(s uintptr) uintptr {
	for o := r.layout.MaxOrder(); o > 0; o-- {
		if s >= r.layout.Size(o) {
			return r.layout.Size(o)
		}
	}
	return 0
}

// findFree looks for the "best" free region for a request of size pages:
// one whose start, aligned up to the largest power-of-two at or below the
// request, still admits the request, so that the mapping can later use
// large pages. The walk always descends right, toward larger blocks and
// higher addresses, keeping the smallest acceptable block as a fallback.
// The reserved low zone is only used when no other candidate remains, and
// then from its top end.
func (r *Root) findFree(pages uintptr, align *uintptr) *Region {
	*align = 0
	offset := r.poAlign(pages*r.layout.BasePageSize()) / r.layout.BasePageSize()

	var quickBest *Region
	for n := r.free.Root(); n != nil; n = n.Right() {
		t := n.Item
		start := t.Start
		if offset != 0 {
			start = mem.AlignUp(t.Start, offset)
		}
		qsize := t.End - t.Start

		var bsize uintptr
		if t.End >= start {
			bsize = t.End - start
		}

		// handle reserved region first
		if start < r.start+r.reserved {
			// we would have to map reserved pages, go to the next
			// node if one exists
			if n.Right() != nil {
				continue
			}

			// we're the only free region left to check, are we
			// large enough to carve a chunk out of?
			if pages > qsize {
				return quickBest
			}

			// use page order alignment above the boundary if possible
			astart := r.start + r.reserved
			if offset != 0 {
				astart = mem.AlignUp(astart, offset)
			}
			if astart < t.End && pages <= t.End-astart {
				*align = astart - t.Start
				return t
			}

			// otherwise carve a block out of the top of this node,
			// dipping into the reserved zone as the last resort
			*align = t.End - pages - t.Start
			return t
		}

		if quickBest == nil && pages <= qsize {
			quickBest = t
		}

		if pages <= bsize {
			*align = start - t.Start
			return t
		}
	}

	return quickBest
}

// partition carves a used region of pages pages out of free region m at
// offset align, returning the pre- and post-slices to the free tree.
func (r *Root) partition(m *Region, pages, align uintptr, flags mem.VMFlags, pid Owner) mem.VA {
	r.free.Remove(&m.node)

	preStart := m.Start
	preEnd := preStart + align

	start := preEnd
	end := start + pages

	postStart := end
	postEnd := m.End

	if preStart != preEnd {
		n := r.getNode()
		n.Start = preStart
		n.End = preEnd
		n.prev = m.prev
		n.next = m
		m.prev = n
		if n.prev != nil {
			n.prev.next = n
		}
		r.insertFree(n)
	}

	if postStart != postEnd {
		n := r.getNode()
		n.Start = postStart
		n.End = postEnd
		n.prev = m
		n.next = m.next
		m.next = n
		if n.next != nil {
			n.next.prev = n
		}
		r.insertFree(n)
	}

	m.Start = start
	m.End = end
	m.Flags = flags | mem.RegionUsed
	m.Pid = pid
	m.Shaddr = 0
	m.Refcount = 0
	if m.Pid == 0 {
		m.Refcount = 1
	}

	r.insertUsed(m)
	return mem.VA(start * r.layout.BasePageSize())
}

// AllocShared allocates a best-fit region tagged with the owning process of
// the shared memory it will refer to. Returns the chosen address and the
// page-rounded size, or 0 on exhaustion.
func (r *Root) AllocShared(size uintptr, flags mem.VMFlags, pid Owner) (mem.VA, uintptr) {
	asize := mem.AlignUp(size, r.layout.BasePageSize())
	pages := asize / r.layout.BasePageSize()

	var align uintptr
	m := r.findFree(pages, &align)
	if m == nil {
		return 0, asize
	}

	return r.partition(m, pages, align, flags, pid), asize
}

// Alloc allocates a private best-fit region of at least size bytes.
func (r *Root) Alloc(size uintptr, flags mem.VMFlags) (mem.VA, uintptr) {
	return r.AllocShared(size, flags, 0)
}

// AllocSharedFixed allocates a region containing the fixed range
// [start, start+size) for owner pid. It only succeeds when the whole range
// lies inside a single free hole.
func (r *Root) AllocSharedFixed(start mem.VA, size uintptr, flags mem.VMFlags, pid Owner) (mem.VA, uintptr) {
	asize := mem.AlignUp(size, r.layout.BasePageSize())
	pages := asize / r.layout.BasePageSize()
	ref := uintptr(start) / r.layout.BasePageSize()

	m := r.findClosestUsed(start)
	if m == nil {
		return 0, asize
	}

	// walk the list to the region that actually contains start
	for !(m.Start <= ref && ref < m.End) {
		if ref > m.Start {
			m = m.next
		} else {
			m = m.prev
		}
		if m == nil {
			return 0, asize
		}
	}

	if m.Used() {
		return 0, asize
	}

	// region is too small
	if ref+pages > m.End {
		return 0, asize
	}

	return r.partition(m, pages, ref-m.Start, flags, pid), asize
}

// AllocFixed allocates a private region at a fixed address.
func (r *Root) AllocFixed(start mem.VA, size uintptr, flags mem.VMFlags) (mem.VA, uintptr) {
	return r.AllocSharedFixed(start, size, flags, 0)
}

// coalesce merges m with free neighbors in both directions, keeping the
// linked list intact.
func (r *Root) coalesce(m *Region) {
	for {
		p := m.prev
		if p == nil || p.Used() {
			break
		}

		m.Start = p.Start
		m.prev = p.prev
		if m.prev != nil {
			m.prev.next = m
		}

		r.free.Remove(&p.node)
		r.putNode(p)
	}

	for {
		n := m.next
		if n == nil || n.Used() {
			break
		}

		m.End = n.End
		m.next = n.next
		if m.next != nil {
			m.next.prev = m
		}

		r.free.Remove(&n.node)
		r.putNode(n)
	}
}

// Free releases the used region starting at start.
func (r *Root) Free(start mem.VA) mem.Status {
	if !mem.IsAligned(uintptr(start), r.layout.BasePageSize()) {
		return mem.ErrAlign
	}

	m := r.FindUsed(start)
	if m == nil {
		return mem.ErrNF
	}

	r.FreeKnown(m)
	return mem.OK
}

// FreeKnown releases a region already looked up by the caller.
func (r *Root) FreeKnown(m *Region) {
	r.used.Remove(&m.node)
	m.Flags &^= mem.RegionUsed

	r.coalesce(m)
	r.insertFree(m)
}

// Destroy drops every region node. The arena outlives the root.
func (r *Root) Destroy() {
	var walk func(n *sptree.Node[*Region])
	walk = func(n *sptree.Node[*Region]) {
		if n == nil {
			return
		}
		walk(n.Left())
		walk(n.Right())
		r.putNode(n.Item)
	}
	walk(r.free.Root())
	walk(r.used.Root())
	r.free = sptree.Tree[*Region]{}
	r.used = sptree.Tree[*Region]{}
}

// Bounds returns the arena limits in page units.
func (r *Root) Bounds() (start, end uintptr) { return r.start, r.end }

// Layout returns the page geometry of this root.
func (r *Root) Layout() *mem.Layout { return r.layout }
