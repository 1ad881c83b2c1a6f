// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package region

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/vmem"
)

// FillFunc is invoked once per page while walking a region. offset is
// walker-private state the callback may advance (used by fixed-backing
// callbacks); runner is the virtual address being visited. Returning OK
// commits the page and advances the walk, InfoTRGN drops to the next lower
// order, and any error aborts the walk.
type FillFunc func(sp *vmem.Space, offset *uintptr, runner mem.VA, flags mem.VMFlags, order mem.Order) mem.Status

// alignExtent widens [start, start+bytes) to base-page boundaries.
func alignExtent(l *mem.Layout, start, bytes uintptr) (uintptr, uintptr) {
	base := l.BasePageSize()
	top := start + bytes
	newStart := mem.AlignDown(start, base)
	newTop := mem.AlignDown(top, base)
	if newTop != top {
		newTop += base
	}
	return newStart, newTop - newStart
}

// FillRegion walks [start, start+bytes) emitting the largest page mappings
// the callback accepts, starting at maxOrder and descending. The page-order
// policy lives entirely in the callback: it can refuse an order with
// InfoTRGN (for example to force base pages on shared regions) and the
// walker retries the same address one order lower.
func FillRegion(sp *vmem.Space, cb FillFunc, offset uintptr, start mem.VA, bytes uintptr, flags mem.VMFlags, maxOrder mem.Order) mem.Status {
	l := sp.Layout()
	astart, abytes := alignExtent(l, uintptr(start), bytes)

	runner := astart
	left := abytes
	order := maxOrder
	size := l.Size(order)

	for left != 0 {
		if size > left || !mem.IsAligned(runner, size) {
			if order == 0 {
				return mem.ErrMisc
			}
			order--
			size = l.Size(order)
			continue
		}

		switch ret := cb(sp, &offset, mem.VA(runner), flags, order); {
		case ret == mem.OK:
			runner += size
			left -= size
		case ret == mem.InfoTRGN:
			if order == 0 {
				return mem.ErrMisc
			}
			order--
			size = l.Size(order)
		default:
			return ret
		}
	}

	return mem.OK
}

// allocCB backs each visited page with a freshly allocated frame.
func allocCB(sp *vmem.Space, _ *uintptr, runner mem.VA, flags mem.VMFlags, order mem.Order) mem.Status {
	page := sp.Phys().AllocPage(order)
	if page == 0 {
		// let the walker retry with smaller frames before giving up
		return mem.InfoTRGN
	}

	if ret := sp.Map(page, runner, flags, order); ret.IsErr() {
		sp.Phys().FreePage(order, page)
		return mem.InfoTRGN
	}
	return mem.OK
}

// MapRegion backs and maps a region with fresh physical pages, using the
// largest page sizes at or below maxOrder that fit. On failure the caller
// unmaps whatever was committed; see UnmapRegion.
func MapRegion(sp *vmem.Space, start mem.VA, bytes uintptr, maxOrder mem.Order, flags mem.VMFlags) mem.Status {
	return FillRegion(sp, allocCB, 0, start, bytes, flags, maxOrder)
}

// fixedCB maps the physical range starting at the walk offset, base pages
// only so MMIO windows never get speculative large mappings.
func fixedCB(sp *vmem.Space, offset *uintptr, runner mem.VA, flags mem.VMFlags, order mem.Order) mem.Status {
	if order != 0 {
		return mem.InfoTRGN
	}

	if ret := sp.Map(mem.PA(*offset), runner, flags, 0); ret.IsErr() {
		return ret
	}
	*offset += sp.Layout().BasePageSize()
	return mem.OK
}

// MapFixedRegion maps [v, v+bytes) onto the physical range starting at pa,
// one base page at a time.
func MapFixedRegion(sp *vmem.Space, v mem.VA, pa mem.PA, bytes uintptr, flags mem.VMFlags) mem.Status {
	return FillRegion(sp, fixedCB, uintptr(pa), v, bytes, flags, 0)
}

// CloneRegion makes [to, to+bytes) in dst point at the same physical pages
// as [from, from+bytes) in src. No pages are allocated; this is the shared
// memory primitive.
func CloneRegion(dst, src *vmem.Space, from, to mem.VA, bytes uintptr, flags mem.VMFlags) mem.Status {
	l := src.Layout()
	from8, fromSize := alignExtent(l, uintptr(from), bytes)
	to8, toSize := alignExtent(l, uintptr(to), bytes)
	if fromSize != toSize {
		panic("region: clone extent mismatch")
	}

	left := fromSize
	for left != 0 {
		pa, order, _, ret := src.Stat(mem.VA(from8))
		if ret.IsErr() {
			return ret
		}

		if ret := dst.Map(pa, mem.VA(to8), flags, order); ret.IsErr() {
			return ret
		}

		size := l.Size(order)
		left -= size
		from8 += size
		to8 += size
	}

	return mem.OK
}

// CopyRegion copies [from, from+bytes) in src into fresh pages mapped at
// [to, to+bytes) in dst, preserving per-page flags. Fork uses this.
func CopyRegion(dst, src *vmem.Space, from, to mem.VA, bytes uintptr) mem.Status {
	l := src.Layout()
	from8, fromSize := alignExtent(l, uintptr(from), bytes)
	to8, toSize := alignExtent(l, uintptr(to), bytes)
	if fromSize != toSize {
		panic("region: copy extent mismatch")
	}

	ram := src.Ram()
	left := fromSize
	for left != 0 {
		pa, order, flags, ret := src.Stat(mem.VA(from8))
		if ret.IsErr() {
			return ret
		}

		page := dst.Phys().AllocPage(order)
		if page == 0 {
			return mem.ErrOOMem
		}

		if ret := dst.Map(page, mem.VA(to8), flags, order); ret.IsErr() {
			dst.Phys().FreePage(order, page)
			return ret
		}

		size := l.Size(order)
		copy(ram.Bytes(page, size), ram.Bytes(pa, size))
		left -= size
		from8 += size
		to8 += size
	}

	return mem.OK
}

// UnmapRegion unmaps [v, v+bytes) and frees the backing pages.
func UnmapRegion(sp *vmem.Space, v mem.VA, bytes uintptr) {
	unmapExtent(sp, v, bytes, true)
}

// UnmapFixedRegion unmaps without freeing pages; shared references and MMIO
// windows do not own their frames.
func UnmapFixedRegion(sp *vmem.Space, v mem.VA, bytes uintptr) {
	unmapExtent(sp, v, bytes, false)
}

func unmapExtent(sp *vmem.Space, v mem.VA, bytes uintptr, freePages bool) {
	l := sp.Layout()
	v8 := mem.AlignDown(uintptr(v), l.BasePageSize())
	top := mem.AlignUp(uintptr(v)+bytes, l.BasePageSize())

	for v8 < top {
		pa, order, _, ret := sp.Stat(mem.VA(v8))
		if ret.IsErr() {
			// Partial mappings happen on rollback paths; skip the
			// hole and keep going.
			v8 += l.BasePageSize()
			continue
		}

		sp.Unmap(mem.VA(v8))
		if freePages {
			sp.Phys().FreePage(order, pa)
		}
		v8 += l.Size(order)
	}
}
