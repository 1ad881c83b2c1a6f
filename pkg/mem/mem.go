// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mem holds the types shared by the physical and virtual memory
// subsystems: address types, the page-order table, page and region flags,
// and the kernel status codes that make up the syscall ABI.
package mem

// PA is a physical address: an absolute address inside the machine's RAM
// window, which starts at Ram.Base (or an MMIO address outside it). Physical and virtual addresses are distinct
// types on purpose; mixing them up is the classic kernel bug.
type PA uintptr

// VA is a virtual address in some address space.
type VA uintptr

// Order identifies a page size in the geometric page hierarchy. Order 0 is
// the base page; on Sv39 the orders are 4 KiB, 2 MiB and 1 GiB.
type Order int

// OrderNone is the marker below the base order.
const OrderNone Order = -1

// MaxOrders bounds the page hierarchy depth.
const MaxOrders = 10

// Layout describes the page hierarchy of the machine: the base-page shift
// and the index width of every order above it. It is populated once at boot
// and never changes.
type Layout struct {
	baseShift uint
	widths    []uint
	shifts    []uint
	sizes     []uintptr
}

// NewLayout builds a layout from the base-page shift and per-order index
// widths, lowest order first. For Sv39 this is NewLayout(12, []uint{9, 9, 9}).
func NewLayout(baseShift uint, widths []uint) *Layout {
	if len(widths) == 0 || len(widths) > MaxOrders {
		panic("mem: bad order count")
	}

	l := &Layout{
		baseShift: baseShift,
		widths:    append([]uint(nil), widths...),
		shifts:    make([]uint, len(widths)),
		sizes:     make([]uintptr, len(widths)),
	}

	shift := baseShift
	for i, w := range widths {
		l.shifts[i] = shift
		l.sizes[i] = uintptr(1) << shift
		shift += w
	}
	return l
}

// MaxOrder returns the highest supported order.
func (l *Layout) MaxOrder() Order { return Order(len(l.widths) - 1) }

// Size returns the byte size of a page of the given order.
func (l *Layout) Size(o Order) uintptr { return l.sizes[o] }

// Shift returns the starting bit offset of the order's index field in an
// address.
func (l *Layout) Shift(o Order) uint { return l.shifts[o] }

// Width returns the number of index bits the order occupies.
func (l *Layout) Width(o Order) uint { return l.widths[o] }

// Entries returns how many pages of order o fit in one page of order o+1,
// i.e. the table width at that level.
func (l *Layout) Entries(o Order) int { return 1 << l.widths[o] }

// BasePageSize returns the byte size of an order-0 page.
func (l *Layout) BasePageSize() uintptr { return l.sizes[0] }

// PageShift returns the base-page shift.
func (l *Layout) PageShift() uint { return l.baseShift }

// NearestOrder returns the smallest order whose page covers size bytes, or
// the maximum order if none does.
func (l *Layout) NearestOrder(size uintptr) Order {
	for o := Order(0); o <= l.MaxOrder(); o++ {
		if size <= l.sizes[o] {
			return o
		}
	}
	return l.MaxOrder()
}

// Pages converts a byte count to base pages, rounding up.
func (l *Layout) Pages(bytes uintptr) uintptr {
	base := l.BasePageSize()
	return (bytes + base - 1) / base
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned(v, align uintptr) bool {
	return v&(align-1) == 0
}
