// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/antimetal/kestrel/pkg/mem"
)

// ProgBase is where a flat program image lands in a fresh address space.
// ELF parsing is the loader's business, not the kernel's; spawn and exec
// treat the binary as an opaque image.
const ProgBase mem.VA = 1 << 20

// sysCreate starts a new thread in the caller's process, entering at func
// with d0..d3 as its first arguments.
func (k *Kernel) sysCreate(t *TCB, fn, d0, d1, d2, d3 Arg) {
	c := k.CreateThread(t)
	if c == nil {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	k.AllocStack(c)

	c.rootRegs = SysRet{Arg(c.Tid), d0, d1, d2, d3, 0}
	SetReturn(c, mem.VA(fn))

	c.NotifyID = t.NotifyID
	*t.Regs() = ret2(mem.OK, Arg(c.Tid))
}

// sysFork duplicates the effective process. The parent sees the child pid;
// the child starts with (OK, 0, parent pid).
func (k *Kernel) sysFork(t *TCB) {
	c := k.GetTCB(t.Pid)
	if c == nil || !c.Caps.Has(CapProc) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	parent := k.GetTCB(t.Eid)
	if parent == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	n := k.CreateProc(parent)
	if n == nil {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	// Prepare the child's registers for when it is first scheduled.
	n.rootRegs = ret3(mem.OK, 0, Arg(parent.Pid))
	n.NotifyID = c.NotifyID

	*t.Regs() = ret2(mem.OK, Arg(n.Pid))
}

// prepareProc resets a process image to a flat binary: the image region is
// copied to ProgBase, a stack is allocated, and execution restarts at the
// image base.
func (k *Kernel) prepareProc(t *TCB, bin mem.VA) mem.Status {
	src := t.UVM.Region.FindUsed(bin)
	if src == nil {
		return mem.ErrInval
	}

	base := k.layout.BasePageSize()
	size := (src.End - src.Start) * base

	v := k.allocFixedUvmem(t, ProgBase, size,
		mem.FlagValid|mem.FlagRead|mem.FlagWrite|mem.FlagExec|mem.FlagUser)
	if v == 0 {
		return mem.ErrOOMem
	}

	srcStart := mem.VA(src.Start * base)
	ram := k.ram
	for off := uintptr(0); off < size; off += base {
		spa, _, _, ret := t.Proc.Space.Stat(srcStart + mem.VA(off))
		if ret.IsErr() {
			return ret
		}
		dpa, _, _, ret := t.Proc.Space.Stat(v + mem.VA(off))
		if ret.IsErr() {
			return ret
		}
		copy(ram.Bytes(dpa, base), ram.Bytes(spa, base))
	}

	if ret := k.AllocStack(t); ret.IsErr() {
		return ret
	}

	SetReturn(t, v)
	t.Callback = 0
	return mem.OK
}

// sysExec replaces the caller's process image, preserving thread identity.
// The old image is dropped except for the binary itself, which is copied
// into the fresh layout before its region is released.
func (k *Kernel) sysExec(t *TCB, bin Arg) {
	p := k.GetTCB(t.Pid)
	if p == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	b := p.UVM.Region.FindUsed(mem.VA(bin))
	if b == nil {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	// Keep the binary across the clear, then restore the flag.
	b.Flags |= mem.RegionKeep
	k.clearUvmem(p)
	b.Flags &^= mem.RegionKeep

	ret := k.prepareProc(p, mem.VA(bin))
	if ret.IsErr() {
		*t.Regs() = ret1(ret)
		return
	}

	// The image copy is done; the original region can go.
	k.freeUvmem(p, mem.VA(bin))
	*t.Regs() = ret1(mem.OK)
}

// sysSpawn builds a new process from the binary image at bin in the
// caller's space.
func (k *Kernel) sysSpawn(t *TCB, bin Arg) {
	c := k.GetTCB(t.Eid)
	if c == nil || !c.Caps.Has(CapProc) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	src := c.UVM.Region.FindUsed(mem.VA(bin))
	if src == nil {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	n := k.CreateProc(nil)
	if n == nil {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	base := k.layout.BasePageSize()
	size := (src.End - src.Start) * base

	ret := k.spawnImage(n, c, mem.VA(src.Start*base), size)
	if ret.IsErr() {
		k.DestroyProc(n)
		*t.Regs() = ret1(ret)
		return
	}

	n.NotifyID = c.NotifyID
	*t.Regs() = ret2(mem.OK, Arg(n.Pid))
}

// spawnImage copies a flat image from the parent's space into a fresh
// process at ProgBase and points the child at it.
func (k *Kernel) spawnImage(n, c *TCB, src mem.VA, size uintptr) mem.Status {
	v := k.allocFixedUvmem(n, ProgBase, size,
		mem.FlagValid|mem.FlagRead|mem.FlagWrite|mem.FlagExec|mem.FlagUser)
	if v == 0 {
		return mem.ErrOOMem
	}

	base := k.layout.BasePageSize()
	ram := k.ram
	for off := uintptr(0); off < size; off += base {
		spa, _, _, ret := c.Proc.Space.Stat(src + mem.VA(off))
		if ret.IsErr() {
			return ret
		}
		dpa, _, _, ret := n.Proc.Space.Stat(v + mem.VA(off))
		if ret.IsErr() {
			return ret
		}
		copy(ram.Bytes(dpa, base), ram.Bytes(spa, base))
	}

	if ret := k.AllocStack(n); ret.IsErr() {
		return ret
	}

	SetReturn(n, v)
	return mem.OK
}

// sysKill destroys the process whose root thread is tid; a tid that is not
// a live process thread is rejected with ErrInval. Threads stranded inside
// the process unwind through the orphan path on their next response.
func (k *Kernel) sysKill(t *TCB, tid Arg) {
	c := k.GetTCB(t.Pid)
	if c == nil || !c.Caps.Has(CapProc) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	r := k.GetTCB(ThreadID(tid))
	if r == nil || !r.IsProc() {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	k.DestroyProc(r)
	*t.Regs() = ret1(mem.OK)
}

// swap switches the current hart to s. The swapped-out thread's OK return
// is already written so it resumes cleanly whenever something swaps back.
func (k *Kernel) swap(cpu int, t, s *TCB) {
	k.UseTCB(cpu, s)

	if !s.InRPC() && s.Orphan() {
		k.destroyOrphan(s)
		return
	}

	*t.Regs() = ret1(mem.OK)

	// handle possible queued notification
	if s.notifyFlags != 0 {
		k.notify(s, 0)
	}
}

// sysSwap yields the hart to another thread.
func (k *Kernel) sysSwap(t *TCB, tid Arg) {
	c := k.GetTCB(t.Pid)
	if c == nil || !c.Caps.Has(CapProc) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	s := k.GetTCB(ThreadID(tid))
	if s == nil {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}
	if s.Zombie() {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}
	if k.Running(s) {
		*t.Regs() = ret1(mem.ErrExt)
		return
	}

	k.swap(k.curCPU, t, s)
}

// sysExit destroys the calling thread, optionally handing the hart to tid
// first. A zero tid leaves the hart idle.
func (k *Kernel) sysExit(t *TCB, tid Arg) {
	if tid != 0 {
		s := k.GetTCB(ThreadID(tid))
		if s == nil {
			*t.Regs() = ret1(mem.ErrInval)
			return
		}
		if s.Zombie() {
			*t.Regs() = ret1(mem.ErrNF)
			return
		}
		if k.Running(s) {
			*t.Regs() = ret1(mem.ErrExt)
			return
		}

		k.swap(k.curCPU, t, s)
	} else {
		k.cpus[k.curCPU].current = nil
	}

	if t.IsProc() {
		k.DestroyProc(t)
	} else {
		k.DestroyThread(t)
	}
}

// sysDetach voluntarily orphans the calling thread from its root process.
// Outside an RPC there is nothing left to unwind, so the thread dies here.
func (k *Kernel) sysDetach(t *TCB) {
	c := k.GetTCB(t.Pid)
	if c == nil || !c.Caps.Has(CapProc) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	if t.Orphan() {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}
	if t.IsProc() {
		// A root process detaching from itself is just an exit.
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	// The creation-time reference on the root is dropped exactly once,
	// when the thread itself is destroyed; orphaning only severs the
	// identity.
	k.orphanize(t)
	*t.Regs() = ret1(mem.OK)

	if !t.InRPC() {
		k.cpus[k.curCPU].current = nil
		k.destroyOrphan(t)
	}
}
