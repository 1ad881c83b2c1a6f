// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// sysSetCap grants capabilities to a thread; only CapCaps holders may.
func (k *Kernel) sysSetCap(t *TCB, tid, caps Arg) {
	if !t.Caps.Has(CapCaps) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	c := k.GetTCB(ThreadID(tid))
	if c == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	c.Caps |= CapSet(caps)
	*t.Regs() = ret1(mem.OK)
}

// sysGetCap reads any thread's capabilities; they are not secret.
func (k *Kernel) sysGetCap(t *TCB, tid Arg) {
	c := k.GetTCB(ThreadID(tid))
	if c == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	*t.Regs() = ret2(mem.OK, Arg(c.Caps))
}

// sysClearCap revokes capabilities from a thread.
func (k *Kernel) sysClearCap(t *TCB, tid, caps Arg) {
	if !t.Caps.Has(CapCaps) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	c := k.GetTCB(ThreadID(tid))
	if c == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	c.Caps &^= CapSet(caps)
	*t.Regs() = ret1(mem.OK)
}
