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

// Uvmem bundles a process's virtual-memory state: the region bookkeeping
// and the owning thread. The page table itself lives in the owner's proc
// context; zombie and orphan threads keep a backwards reference here so
// teardown can find the right region root.
type Uvmem struct {
	// Owner is the tid of the owning thread.
	Owner ThreadID

	// Region tracks allocations inside the user arena.
	Region region.Root
}

func (k *Kernel) initUvmem(t *TCB) mem.Status {
	t.UVM = &Uvmem{Owner: t.Tid}
	// Reserve the bottom of the arena so nobody accidentally indexes a
	// few pages above NULL and finds real memory.
	return t.UVM.Region.Init(k.regionArena, k.layout,
		UvmemStart, uintptr(UvmemEnd-UvmemStart), nullGuard)
}

// allocUvmem reserves a best-fit region and backs it with freshly allocated
// frames at the largest orders that fit. Partial work is rolled back.
func (k *Kernel) allocUvmem(t *TCB, size uintptr, flags mem.VMFlags) mem.VA {
	if t == nil || !t.IsProc() {
		panic("kernel: uvmem allocation outside a process thread")
	}

	v, asize := t.UVM.Region.Alloc(size, flags)
	if v == 0 {
		return 0
	}

	if ret := region.MapRegion(t.Proc.Space, v, asize, k.layout.MaxOrder(), flags); ret.IsErr() {
		region.UnmapRegion(t.Proc.Space, v, asize)
		t.UVM.Region.Free(v)
		return 0
	}

	return v
}

// allocFixedUvmem is allocUvmem for a caller-chosen address.
func (k *Kernel) allocFixedUvmem(t *TCB, start mem.VA, size uintptr, flags mem.VMFlags) mem.VA {
	if t == nil || !t.IsProc() {
		panic("kernel: uvmem allocation outside a process thread")
	}

	v, asize := t.UVM.Region.AllocFixed(start, size, flags)
	if v == 0 {
		return 0
	}

	if ret := region.MapRegion(t.Proc.Space, v, asize, k.layout.MaxOrder(), flags); ret.IsErr() {
		region.UnmapRegion(t.Proc.Space, v, asize)
		t.UVM.Region.Free(v)
		return 0
	}

	return v
}

// allocSharedUvmem reserves a shared-owner region, mapped with base pages
// only so a referrer in a different top-level table can clone every leaf.
func (k *Kernel) allocSharedUvmem(s *TCB, size uintptr, flags mem.VMFlags) (mem.VA, uintptr) {
	if s == nil || !s.IsProc() {
		panic("kernel: uvmem allocation outside a process thread")
	}

	v, asize := s.UVM.Region.AllocShared(size, flags|mem.RegionShared, 0)
	if v == 0 {
		return 0, 0
	}

	if ret := region.MapRegion(s.Proc.Space, v, asize, 0, flags); ret.IsErr() {
		region.UnmapRegion(s.Proc.Space, v, asize)
		s.UVM.Region.Free(v)
		return 0, 0
	}

	return v, asize
}

// referenceMem links a freshly cloned referrer region at ref in d back to
// the owner region at orig in s, bumping both the region refcount and the
// owner thread's.
func (k *Kernel) referenceMem(d, s *TCB, ref, orig mem.VA) {
	src := s.UVM.Region.FindUsed(orig)
	if src == nil {
		panic("kernel: shared source region vanished")
	}

	dst := d.UVM.Region.FindUsed(ref)
	if dst == nil {
		panic("kernel: shared referrer region vanished")
	}

	if dst.Pid != region.Owner(s.Rid) {
		panic("kernel: referrer owner mismatch")
	}
	dst.Shaddr = orig
	src.Refcount++

	k.referenceProc(k.GetTCB(s.Rid))
}

// unreferenceMem drops one reference on the shared region at addr in owner
// s, freeing the backing pages when the owner-side count drains.
func (k *Kernel) unreferenceMem(s *TCB, addr mem.VA) {
	src := s.UVM.Region.FindUsed(addr)
	if src == nil {
		// Owner already purged its arena; nothing left to balance.
		return
	}

	if src.Refcount < 1 {
		panic("kernel: shared refcount underflow")
	}
	if src.Refcount--; src.Refcount == 0 {
		k.freeMapping(s, src)
		s.UVM.Region.FreeKnown(src)
	}

	if root := k.GetTCB(s.Rid); root != nil {
		k.unreferenceProc(root)
	}
}

// refSharedUvmem maps the shared region at v in s into d, leaf-identical,
// and returns the referrer-side address.
func (k *Kernel) refSharedUvmem(d, s *TCB, v mem.VA, flags mem.VMFlags) (mem.VA, uintptr, mem.Status) {
	m := s.UVM.Region.FindUsed(v)
	if m == nil {
		return 0, 0, mem.ErrNF
	}
	if m.Flags&mem.RegionShared == 0 {
		return 0, 0, mem.ErrInval
	}

	start := mem.VA(m.Start * k.layout.BasePageSize())
	size := (m.End - m.Start) * k.layout.BasePageSize()

	ref, asize := d.UVM.Region.AllocShared(size,
		mem.RegionNonbacked|m.Flags, region.Owner(s.Rid))
	if ref == 0 {
		return 0, 0, mem.ErrOOMem
	}

	if ret := region.CloneRegion(d.Proc.Space, s.Proc.Space, start, ref, asize, flags); ret.IsErr() {
		region.UnmapFixedRegion(d.Proc.Space, ref, asize)
		d.UVM.Region.Free(ref)
		return 0, 0, ret
	}

	k.referenceMem(d, s, ref, start)
	return ref, asize, mem.OK
}

// copyMappedRegion duplicates one private region of s into d, both the
// reservation and the page contents.
func (k *Kernel) copyMappedRegion(d, s *TCB, m *region.Region) mem.Status {
	base := k.layout.BasePageSize()
	start := mem.VA(m.Start * base)
	size := (m.End - m.Start) * base

	v, _ := d.UVM.Region.AllocFixed(start, size, m.Flags)
	if v == 0 {
		return mem.ErrOOMem
	}
	if v != start {
		panic("kernel: fixed copy landed at the wrong address")
	}

	if m.Flags&mem.RegionNonbacked != 0 {
		return mem.OK
	}

	if ret := region.CopyRegion(d.Proc.Space, s.Proc.Space, v, v, size); ret.IsErr() {
		d.UVM.Region.Free(v)
		region.UnmapRegion(d.Proc.Space, v, size)
		return ret
	}
	return mem.OK
}

// copySharedRegion re-references a shared region of the parent into the
// child at the same address.
func (k *Kernel) copySharedRegion(d *TCB, m *region.Region) mem.Status {
	s := k.GetTCB(ThreadID(m.Pid))
	if s == nil {
		return mem.ErrNF
	}

	base := k.layout.BasePageSize()
	start := mem.VA(m.Start * base)
	size := (m.End - m.Start) * base

	v, _ := d.UVM.Region.AllocSharedFixed(start, size, m.Flags, m.Pid)
	if v == 0 {
		return mem.ErrOOMem
	}
	if v != start {
		panic("kernel: fixed copy landed at the wrong address")
	}

	if ret := region.CloneRegion(d.Proc.Space, s.Proc.Space, m.Shaddr, v, size, m.Flags); ret.IsErr() {
		d.UVM.Region.Free(v)
		region.UnmapFixedRegion(d.Proc.Space, v, size)
		return ret
	}

	k.referenceMem(d, s, v, m.Shaddr)
	return mem.OK
}

// copyUvmem clones s's whole arena into d: private regions by copy, shared
// regions by reference. This is the heart of fork.
func (k *Kernel) copyUvmem(d, s *TCB) mem.Status {
	for m := s.UVM.Region.First(); m != nil; m = m.Next() {
		if !m.Used() {
			continue
		}

		var ret mem.Status
		if m.Pid == 0 {
			ret = k.copyMappedRegion(d, s, m)
		} else {
			ret = k.copySharedRegion(d, m)
		}
		if ret.IsErr() {
			return ret
		}
	}
	return mem.OK
}

// freeMapping drops the hardware mappings of a region, unreferencing the
// owner first when the region is a shared reference.
func (k *Kernel) freeMapping(t *TCB, m *region.Region) {
	if m.Pid != 0 {
		if owner := k.GetTCB(ThreadID(m.Pid)); owner != nil {
			k.unreferenceMem(owner, m.Shaddr)
		}
	}

	if m.Flags&mem.RegionNonbacked != 0 && m.Pid == 0 {
		return
	}

	base := k.layout.BasePageSize()
	start := mem.VA(m.Start * base)
	size := (m.End - m.Start) * base

	if m.Pid != 0 {
		region.UnmapFixedRegion(t.Proc.Space, start, size)
	} else {
		region.UnmapRegion(t.Proc.Space, start, size)
	}
}

// freeUvmem releases the allocation starting at va. A shared owner region
// with live references cannot be freed out from under the referrers.
func (k *Kernel) freeUvmem(t *TCB, va mem.VA) mem.Status {
	m := t.UVM.Region.FindUsed(va)
	if m == nil {
		return mem.ErrNF
	}

	// A non-backed private region is a device mapping; those unwind
	// through the devmem path so the physical claim is released too.
	if m.Flags&mem.RegionNonbacked != 0 && m.Pid == 0 {
		return mem.ErrInval
	}

	if m.Pid == 0 && m.Refcount > 1 {
		return mem.ErrInval
	}

	k.freeMapping(t, m)
	t.UVM.Region.FreeKnown(m)
	return mem.OK
}

// clearUvmem frees every region not marked KEEP. An owned shared region
// with outstanding referrers survives with the owner's contribution
// dropped; it dies when the last referrer lets go.
func (k *Kernel) clearUvmem(t *TCB) {
	if t.UVM.Owner != t.Tid {
		return
	}

	// FreeKnown turns m into the coalesced free region, so m stays a
	// valid list node and the walk can keep following next pointers.
	for m := t.UVM.Region.First(); m != nil; m = m.Next() {
		if m.Kept() || !m.Used() {
			continue
		}

		if m.Pid == 0 && m.Refcount > 1 {
			// We own this shared region and someone still refers to
			// it: drop only our contribution and let the last
			// referrer free it.
			m.Refcount--
			continue
		}

		k.freeMapping(t, m)
		t.UVM.Region.FreeKnown(m)
	}
}

// purgeUvmem frees everything, KEEP or not, and drops the region nodes.
func (k *Kernel) purgeUvmem(t *TCB) {
	if t.UVM.Owner != t.Tid {
		return
	}

	for m := t.UVM.Region.First(); m != nil; m = m.Next() {
		if !m.Used() {
			continue
		}
		k.freeMapping(t, m)
	}

	t.UVM.Region.Destroy()
}

// destroyUvmem purges the arena and destroys the page table.
func (k *Kernel) destroyUvmem(t *TCB) {
	if t.UVM == nil || t.UVM.Owner != t.Tid {
		return
	}

	k.purgeUvmem(t)
	if t.Proc.Space != nil {
		t.Proc.Space.Destroy()
		t.Proc.Space = nil
	}
}
