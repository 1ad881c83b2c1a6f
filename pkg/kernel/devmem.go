// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/region"
)

// Device memory is anything outside the RAM window: two region roots track
// the physical ranges below and above RAM so MMIO claims do not collide.
// Mappings are fixed and never free backing pages.

func (k *Kernel) initDevmem() {
	base := k.layout.BasePageSize()

	prePages := uintptr(k.ram.Base) / base
	if prePages > 0 {
		k.devPre.Init(k.regionArena, k.layout, 0, prePages*base, 0)
	}

	// Cap the device window at the 48-bit physical address limit; the
	// arithmetic stays comfortably inside a word.
	const physTop = uintptr(1) << 48
	top := uintptr(k.ram.Base) + k.ram.Size()
	postPages := physTop/base - k.layout.Pages(k.ram.Size()) - prePages
	k.devPost.Init(k.regionArena, k.layout, mem.VA(top), postPages*base, 0)
}

// selectDevRegion picks the device arena containing addr, or nil when addr
// falls inside RAM.
func (k *Kernel) selectDevRegion(addr mem.PA) *region.Root {
	if addr < k.ram.Base {
		return &k.devPre
	}
	if uintptr(addr) >= uintptr(k.ram.Base)+k.ram.Size() {
		return &k.devPost
	}
	return nil
}

// allocDevmem maps the physical device range at start into t's space.
func (k *Kernel) allocDevmem(t *TCB, start mem.PA, bytes uintptr, flags mem.VMFlags) mem.VA {
	if t == nil || !t.IsProc() {
		panic("kernel: devmem allocation outside a process thread")
	}

	devRoot := k.selectDevRegion(start)
	if devRoot == nil {
		return 0
	}

	// The reservation is tracked in the caller's own arena; the device
	// root only guards against double claims of the physical range.
	if v, _ := devRoot.AllocFixed(mem.VA(start), bytes, flags); v == 0 {
		return 0
	}

	v, asize := t.UVM.Region.Alloc(bytes, flags|mem.RegionNonbacked)
	if v == 0 {
		devRoot.Free(mem.VA(mem.AlignDown(uintptr(start), k.layout.BasePageSize())))
		return 0
	}

	if ret := region.MapFixedRegion(t.Proc.Space, v, start, asize, flags); ret.IsErr() {
		region.UnmapFixedRegion(t.Proc.Space, v, asize)
		t.UVM.Region.Free(v)
		devRoot.Free(mem.VA(mem.AlignDown(uintptr(start), k.layout.BasePageSize())))
		return 0
	}

	return v
}

// freeDevmem releases a device mapping at start in t's space.
func (k *Kernel) freeDevmem(t *TCB, start mem.VA) mem.Status {
	if t == nil || !t.IsProc() {
		return mem.ErrInval
	}

	pa, _, _, ret := t.Proc.Space.Stat(start)
	if ret.IsErr() {
		return mem.ErrNF
	}

	devRoot := k.selectDevRegion(pa)
	if devRoot == nil {
		return mem.ErrInval
	}

	m := t.UVM.Region.FindUsed(start)
	if m == nil {
		return mem.ErrNF
	}

	base := k.layout.BasePageSize()
	v := mem.VA(m.Start * base)
	size := (m.End - m.Start) * base

	region.UnmapFixedRegion(t.Proc.Space, v, size)
	t.UVM.Region.FreeKnown(m)
	devRoot.Free(mem.VA(mem.AlignDown(uintptr(pa), base)))
	return mem.OK
}
