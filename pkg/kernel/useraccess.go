// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// User-memory accessors resolve a virtual address through the effective
// process's page table and touch the backing RAM directly. The boot path
// uses them to place images; tests use them to observe what userspace
// would see.

// resolve returns the physical address backing va in t's effective
// process, or an error when nothing is mapped there.
func (k *Kernel) resolve(t *TCB, va mem.VA) (mem.PA, mem.Status) {
	p := k.GetTCB(t.Eid)
	if p == nil || p.Proc.Space == nil {
		return 0, mem.ErrNF
	}

	base := k.layout.BasePageSize()
	pa, order, _, ret := p.Proc.Space.Stat(mem.VA(mem.AlignDown(uintptr(va), base)))
	if ret.IsErr() {
		return 0, mem.ErrAddr
	}

	off := uintptr(va) & (k.layout.Size(order) - 1)
	return pa + mem.PA(off), mem.OK
}

// UserRead copies len(dst) bytes out of t's effective address space.
func (k *Kernel) UserRead(t *TCB, dst []byte, va mem.VA) mem.Status {
	k.Lock()
	defer k.Unlock()
	return k.userRead(t, dst, va)
}

func (k *Kernel) userRead(t *TCB, dst []byte, va mem.VA) mem.Status {
	base := k.layout.BasePageSize()
	for len(dst) > 0 {
		pa, ret := k.resolve(t, va)
		if ret.IsErr() {
			return ret
		}

		chunk := base - (uintptr(va) & (base - 1))
		if chunk > uintptr(len(dst)) {
			chunk = uintptr(len(dst))
		}

		copy(dst[:chunk], k.ram.Bytes(pa, chunk))
		dst = dst[chunk:]
		va += mem.VA(chunk)
	}
	return mem.OK
}

// UserWrite copies src into t's effective address space at va.
func (k *Kernel) UserWrite(t *TCB, va mem.VA, src []byte) mem.Status {
	k.Lock()
	defer k.Unlock()
	return k.userWrite(t, va, src)
}

func (k *Kernel) userWrite(t *TCB, va mem.VA, src []byte) mem.Status {
	base := k.layout.BasePageSize()
	for len(src) > 0 {
		pa, ret := k.resolve(t, va)
		if ret.IsErr() {
			return ret
		}

		chunk := base - (uintptr(va) & (base - 1))
		if chunk > uintptr(len(src)) {
			chunk = uintptr(len(src))
		}

		copy(k.ram.Bytes(pa, chunk), src[:chunk])
		src = src[chunk:]
		va += mem.VA(chunk)
	}
	return mem.OK
}

// UserReadWord reads a 64-bit little-endian word from user memory.
func (k *Kernel) UserReadWord(t *TCB, va mem.VA) (uint64, mem.Status) {
	var buf [8]byte
	if ret := k.UserRead(t, buf[:], va); ret.IsErr() {
		return 0, ret
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, mem.OK
}

// UserWriteWord writes a 64-bit little-endian word into user memory.
func (k *Kernel) UserWriteWord(t *TCB, va mem.VA, v uint64) mem.Status {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return k.UserWrite(t, va, buf[:])
}

// LoadImage places a flat binary at va in t's address space, used by the
// boot path before any userspace exists. The caller holds the kernel lock.
func (k *Kernel) LoadImage(t *TCB, va mem.VA, data []byte) mem.Status {
	size := mem.AlignUp(uintptr(len(data)), k.layout.BasePageSize())
	v := k.allocFixedUvmem(t, va, size,
		mem.FlagValid|mem.FlagRead|mem.FlagWrite|mem.FlagExec|mem.FlagUser)
	if v == 0 {
		return mem.ErrOOMem
	}

	return k.userWrite(t, va, data)
}
