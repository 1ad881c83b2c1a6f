// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// Memory syscalls operate on the effective process, so a server handling a
// forwarded request allocates into the original caller's address space.

// sysReqMem allocates anonymous memory anywhere in the arena.
func (k *Kernel) sysReqMem(t *TCB, size, flags Arg) {
	r := k.GetTCB(t.Eid)
	if r == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	start := k.allocUvmem(r, uintptr(size), mem.SanitizeUser(mem.VMFlags(flags)))
	if start == 0 {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	*t.Regs() = ret2(mem.OK, Arg(start))
}

// sysReqFixmem allocates anonymous memory containing the given address.
func (k *Kernel) sysReqFixmem(t *TCB, fixed, size, flags Arg) {
	r := k.GetTCB(t.Eid)
	if r == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	start := k.allocFixedUvmem(r, mem.VA(fixed), uintptr(size), mem.SanitizeUser(mem.VMFlags(flags)))
	if start == 0 {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	*t.Regs() = ret2(mem.OK, Arg(start))
}

// sysReqPmem maps device memory outside the RAM window.
func (k *Kernel) sysReqPmem(t *TCB, paddr, size, flags Arg) {
	r := k.GetTCB(t.Eid)
	if r == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	start := k.allocDevmem(r, mem.PA(paddr), uintptr(size), mem.SanitizeUser(mem.VMFlags(flags)))
	if start == 0 {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	*t.Regs() = ret2(mem.OK, Arg(start))
}

// sysReqSharedMem allocates a shared-owner region.
func (k *Kernel) sysReqSharedMem(t *TCB, size, flags Arg) {
	c := k.GetTCB(t.Eid)
	if c == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}
	if !c.Caps.Has(CapShared) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	start, asize := k.allocSharedUvmem(c, uintptr(size), mem.SanitizeUser(mem.VMFlags(flags)))
	if start == 0 {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	*t.Regs() = ret3(mem.OK, Arg(start), Arg(asize))
}

// sysRefSharedMem references another thread's shared region into the
// caller's effective process.
func (k *Kernel) sysRefSharedMem(t *TCB, tid, addr, flags Arg) {
	c := k.GetTCB(t.Eid)
	if c == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}
	if !c.Caps.Has(CapShared) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	r := k.GetTCB(ThreadID(tid))
	if r == nil || r.Zombie() {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	start, asize, ret := k.refSharedUvmem(c, r, mem.VA(addr), mem.SanitizeUser(mem.VMFlags(flags)))
	if ret.IsErr() {
		*t.Regs() = ret1(ret)
		return
	}

	*t.Regs() = ret3(mem.OK, Arg(start), Arg(asize))
}

// sysFreeMem releases an allocation: user memory first, device memory as
// the fallback before declaring the address bogus.
func (k *Kernel) sysFreeMem(t *TCB, start Arg) {
	r := k.GetTCB(t.Eid)
	if r == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	if ret := k.freeUvmem(r, mem.VA(start)); !ret.IsErr() {
		*t.Regs() = ret1(mem.OK)
		return
	}

	ret := k.freeDevmem(r, mem.VA(start))
	*t.Regs() = ret1(ret)
}
