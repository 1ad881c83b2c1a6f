// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmem allocates physical pages of any supported order.
//
// Each order owns a bucket: a freelist of bitmaps, where every bitmap covers
// exactly one page of the next order up (the top bucket has a single bitmap
// covering every whole page of its order; RAM past the last whole top-order
// page is not reachable and is never handed out). When an order runs out of
// free bitmaps it allocates
// one page from the order above and carves it into a fresh bitmap; when a
// bitmap empties out again the covering higher-order page is handed back.
// A set bit means the sub-page is allocated or shadowed by a higher-order
// allocation.
package pmem

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/kestrel/pkg/bitmap"
	"github.com/antimetal/kestrel/pkg/mem"
)

// bmap is one bitmap node: the allocation state of the sub-pages of a
// single higher-order page.
type bmap struct {
	size  int // valid bits
	used  int // set bits
	index int // position within the bucket's bitmap array

	next, prev *bmap
	bits       []byte
}

// bucket holds the bitmaps of one page order. Bitmaps sit in a contiguous
// slice so that address arithmetic can find the bitmap covering any page;
// the freelist links only bitmaps that still have a free slot: a bitmap is
// on the freelist iff 0 <= used < size and
// it has been claimed from the order above (or belongs to the top bucket).
type bucket struct {
	bits     int // bits per regular bitmap
	pageSize uintptr
	head     *bmap
	maps     []bmap
}

// Allocator is the physical map for one contiguous RAM range.
type Allocator struct {
	layout *mem.Layout
	base   mem.PA
	bkts   []*bucket
	used   uintptr
	log    logr.Logger
}

// hdr sizes charged by the probe/populate footprint arithmetic. These mirror
// the C layout the tables would occupy if they lived inside RAM; the boot
// path reserves that many bytes out of the arena.
const (
	pmapHdrBytes   = 8 + mem.MaxOrders*8
	bucketHdrBytes = 3 * 8
	bmapHdrBytes   = 4 * 8
	wordBytes      = 8
)

func setBytes(bits int) uintptr {
	return mem.AlignUp(uintptr(bmapHdrBytes+bitmap.Bytes(bits)), wordBytes)
}

// bucketBits returns how many bits a regular bitmap of order o carries:
// one bit per order-o page inside an order-o+1 page, or every page the
// bucket covers when o is the top order.
func bucketBits(l *mem.Layout, o mem.Order, total uintptr) int {
	if o == l.MaxOrder() {
		return int(total)
	}
	return int(l.Size(o+1) / l.Size(o))
}

// New builds an allocator covering ramSize bytes of RAM at ramBase and
// returns it along with the metadata footprint it charged. The footprint
// must equal what Probe reported for the same geometry; the boot path
// refuses to continue otherwise.
func New(layout *mem.Layout, ramBase mem.PA, ramSize uintptr, log logr.Logger) (*Allocator, uintptr) {
	a := &Allocator{
		layout: layout,
		base:   ramBase,
		bkts:   make([]*bucket, layout.MaxOrder()+1),
		log:    log,
	}

	bytes := uintptr(pmapHdrBytes)
	first := true
	for o := layout.MaxOrder(); o >= 0; o-- {
		num := ramSize / layout.Size(o)
		if num == 0 {
			continue
		}

		bits := bucketBits(layout, o, num)
		b := &bucket{
			bits:     bits,
			pageSize: layout.Size(o),
		}

		sets := int(num) / bits
		tail := int(num) % bits
		n := sets
		if tail != 0 {
			n++
		}
		b.maps = make([]bmap, n)
		for i := range b.maps {
			m := &b.maps[i]
			m.index = i
			m.size = bits
			if tail != 0 && i == n-1 {
				m.size = tail
			}
			m.bits = make([]byte, bitmap.Bytes(bits))
			// The first populated bucket is the top one and owns
			// every page at boot; lower orders borrow pages from it
			// on demand.
			if first {
				b.attach(m)
			}
			bytes += setBytes(bits)
		}
		bytes += bucketHdrBytes

		a.bkts[o] = b
		first = false
	}

	log.V(1).Info("populated physical map",
		"base", ramBase, "size", ramSize, "footprint", bytes)
	return a, bytes
}

// Probe computes the metadata footprint New would charge for the given
// geometry without building anything. Kept as a separate walk on purpose:
// the boot path cross-checks the two results and panics on disagreement.
func Probe(layout *mem.Layout, ramSize uintptr) uintptr {
	bytes := uintptr(pmapHdrBytes)
	for o := layout.MaxOrder(); o >= 0; o-- {
		num := ramSize / layout.Size(o)
		if num == 0 {
			continue
		}

		bits := bucketBits(layout, o, num)
		sets := num / uintptr(bits)
		if num%uintptr(bits) != 0 {
			sets++
		}
		bytes += bucketHdrBytes + sets*setBytes(bits)
	}
	return bytes
}

func (b *bucket) attach(m *bmap) {
	// already attached
	if m.next != nil || m.prev != nil || b.head == m {
		return
	}

	m.next = b.head
	b.head = m
	if m.next != nil {
		m.next.prev = m
	}
}

func (b *bucket) detach(m *bmap) {
	if b.head == m {
		b.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	}
	if m.prev != nil {
		m.prev.next = m.next
	}
	m.next = nil
	m.prev = nil
}

// pageAddr computes the address of bit b within bitmap set s.
func (b *bucket) pageAddr(base mem.PA, set, bit int) mem.PA {
	return base + mem.PA(uintptr(set)*b.pageSize*uintptr(b.bits)+uintptr(bit)*b.pageSize)
}

// getBit locates the bitmap set and bit covering addr.
func (b *bucket) getBit(base mem.PA, addr mem.PA) (set, bit int) {
	p := uintptr(addr-base) / b.pageSize
	return int(p / uintptr(b.bits)), int(p % uintptr(b.bits))
}

func (a *Allocator) allocPage(o mem.Order) mem.PA {
	if int(o) >= len(a.bkts) || a.bkts[o] == nil {
		return 0
	}
	b := a.bkts[o]

	m := b.head
	if m == nil {
		// Claim a page from the order above and carve it into a
		// fresh bitmap for this order.
		pa := a.allocPage(o + 1)
		if pa == 0 {
			return 0
		}

		set, _ := b.getBit(a.base, pa)
		m = &b.maps[set]
		m.size = b.bits
		m.next = nil
		m.prev = nil
		m.used = 0
		bitmap.ClearAll(m.bits, m.size)
		b.attach(m)
		return a.allocPage(o)
	}

	m.used++

	bit := bitmap.FirstUnset(m.bits, m.size)
	if bit < 0 {
		panic("pmem: full bitmap on freelist")
	}
	bitmap.Set(m.bits, bit)

	if m.used == m.size {
		b.detach(m)
	}

	return b.pageAddr(a.base, m.index, bit)
}

// AllocPage allocates one page of the given order. It returns 0 when no
// page of that order (or any order above it) is available.
func (a *Allocator) AllocPage(o mem.Order) mem.PA {
	pa := a.allocPage(o)
	if pa != 0 {
		a.used += a.layout.Size(o)
	}
	return pa
}

func (a *Allocator) freePage(o mem.Order, addr mem.PA) bool {
	if int(o) >= len(a.bkts) || a.bkts[o] == nil {
		return false
	}
	b := a.bkts[o]

	set, bit := b.getBit(a.base, addr)
	m := &b.maps[set]

	if !bitmap.IsSet(m.bits, bit) {
		panic("pmem: double free")
	}
	m.used--
	bitmap.Clear(m.bits, bit)
	b.attach(m)

	if m.used == 0 {
		// The top bucket's bitmap has no page above it to return to
		// and stays on the freelist.
		if o == a.layout.MaxOrder() || a.bkts[o+1] == nil {
			return true
		}
		b.detach(m)

		// A fully empty bitmap that spans a whole higher-order page
		// hands that page back up the hierarchy.
		if m.size == bucketBits(a.layout, o, 0) && o < a.layout.MaxOrder() {
			a.freePage(o+1, b.pageAddr(a.base, set, 0))
		}
	}

	return true
}

// FreePage frees a page previously returned by AllocPage at the same order.
// Freeing a clear bit is a double free and panics.
func (a *Allocator) FreePage(o mem.Order, addr mem.PA) {
	if a.freePage(o, addr) {
		a.used -= a.layout.Size(o)
	}
}

func (a *Allocator) markUsed(o mem.Order, addr mem.PA) bool {
	if int(o) >= len(a.bkts) || a.bkts[o] == nil {
		return false
	}
	b := a.bkts[o]

	set, bit := b.getBit(a.base, addr)
	m := &b.maps[set]
	if m.used == 0 && o != a.layout.MaxOrder() {
		// First touch of this bitmap: claim the covering page above
		// so overlapping higher-order allocations are blocked.
		bitmap.ClearAll(m.bits, m.size)
		b.attach(m)
		a.markUsed(o+1, addr)
	}

	// A page already in use is left alone; boot reservations overlap.
	if bitmap.IsSet(m.bits, bit) {
		return false
	}

	m.used++
	bitmap.Set(m.bits, bit)

	if m.used == m.size {
		b.detach(m)
	}

	return true
}

// MarkUsed marks the page of the given order at addr as allocated. It is
// idempotent, which the boot path depends on when reserved regions overlap.
func (a *Allocator) MarkUsed(o mem.Order, addr mem.PA) {
	if a.markUsed(o, addr) {
		a.used += a.layout.Size(o)
	}
}

// MarkAreaUsed reserves every base page from base up to top.
func (a *Allocator) MarkAreaUsed(base, top mem.PA) {
	if top < base {
		panic("pmem: inverted area")
	}

	pageSize := a.layout.BasePageSize()
	left := uintptr(top - base)
	runner := base
	for left >= pageSize {
		a.MarkUsed(0, runner)
		runner += mem.PA(pageSize)
		left -= pageSize
	}
	if left != 0 {
		a.MarkUsed(0, runner)
	}
}

// QueryUsed returns the number of bytes currently allocated or reserved.
func (a *Allocator) QueryUsed() uintptr { return a.used }

// Base returns the bottom of the RAM window this allocator covers.
func (a *Allocator) Base() mem.PA { return a.base }

// Layout returns the page geometry the allocator was built with.
func (a *Allocator) Layout() *mem.Layout { return a.layout }
