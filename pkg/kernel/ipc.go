// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// ipcFlags selects the IPC flavor inside doIPC.
type ipcFlags uint8

const (
	// ipcTail reuses the pending call frame, so the response lands at
	// the caller's caller.
	ipcTail ipcFlags = 1 << iota
	// ipcForward preserves the effective ID across the migration.
	ipcForward
	// ipcNotify marks the pushed frame as a notification delivery.
	ipcNotify
)

// doIPC is the common worker behind req/fwd/tail/kick.
//
// On success the thread continues in the target process at its callback,
// with (sender eid, sender tid, d0..d3) in its registers. Failures after
// the frame push unwind through leaveRPC so the stack invariants hold.
func (k *Kernel) doIPC(t *TCB, pid Arg, d0, d1, d2, d3 Arg, flags ipcFlags) {
	if !k.enoughRPCStack(t) {
		*t.Regs() = ret1(mem.ErrOOMem)
		return
	}

	args := SysRet{Arg(t.Eid), Arg(t.Tid), d0, d1, d2, d3}

	tail := flags&ipcTail != 0 && t.InRPC()
	var s mem.VA
	if tail {
		// Keep the pending frame: its saved context already points at
		// the caller's caller. Only the outgoing arguments change.
		s = t.rpcStack
		*t.Regs() = args
	} else {
		s = k.enterRPC(t, args, flags&ipcNotify != 0)
	}

	r := k.GetTCB(ThreadID(pid))
	if r == nil || !r.IsProc() || r.Zombie() {
		k.ipcAbort(t, tail, ret1(mem.ErrInval))
		return
	}
	if r.Callback == 0 {
		k.ipcAbort(t, tail, ret1(mem.ErrNoInit))
		return
	}

	if tail {
		// We are abandoning the current process without responding;
		// give back the reference our entry took.
		if cur := k.GetTCB(t.Pid); cur != nil {
			k.unreferenceProc(cur)
		}
	}

	k.finalizeRPC(t, r, s)

	// A plain request executes with the target as its effective process;
	// forwarding keeps the original requester's, so the target can act
	// on the requester's behalf.
	if flags&ipcForward == 0 {
		t.Eid = t.Pid
	}
	k.trace.push(Event{Kind: EventIPC, Tid: t.Tid, Id: ThreadID(pid)})
}

// ipcAbort backs out of a half-started IPC. A pushed frame is popped again
// through leaveRPC so the caller's context is restored; a reused tail frame
// just gets the error written into the current registers.
func (k *Kernel) ipcAbort(t *TCB, tail bool, args SysRet) {
	if tail {
		*t.Regs() = args
		return
	}
	k.leaveRPC(t, args)
}

func (k *Kernel) sysIPCReq(t *TCB, pid, d0, d1, d2, d3 Arg) {
	k.doIPC(t, pid, d0, d1, d2, d3, 0)
}

func (k *Kernel) sysIPCFwd(t *TCB, pid, d0, d1, d2, d3 Arg) {
	k.doIPC(t, pid, d0, d1, d2, d3, ipcForward)
}

func (k *Kernel) sysIPCTail(t *TCB, pid, d0, d1, d2, d3 Arg) {
	k.doIPC(t, pid, d0, d1, d2, d3, ipcTail)
}

func (k *Kernel) sysIPCKick(t *TCB, pid, d0, d1, d2, d3 Arg) {
	k.doIPC(t, pid, d0, d1, d2, d3, ipcForward|ipcTail)
}

// sysIPCResp answers the pending call: the responder's identity rides along
// so forwarded requests can tell who actually answered.
func (k *Kernel) sysIPCResp(t *TCB, d0, d1, d2, d3 Arg) {
	// if we're not in an rpc, the user messed something up
	if !t.InRPC() {
		*t.Regs() = ret1(mem.ErrMisc)
		return
	}

	if cur := k.GetTCB(t.Pid); cur != nil {
		k.unreferenceProc(cur)
	}
	k.leaveRPC(t, SysRet{Arg(mem.OK), Arg(t.Pid), d0, d1, d2, d3})

	if t.Orphan() && !t.InRPC() {
		// Last frame gone and no home to return to.
		k.destroyOrphan(t)
	}
}

// sysIPCServer registers the process callback that migrating threads enter.
func (k *Kernel) sysIPCServer(t *TCB, callback Arg) {
	p := k.GetTCB(t.Pid)
	if p == nil {
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	p.Callback = mem.VA(callback)
	*t.Regs() = ret1(mem.OK)
}

// sysIPCNotify posts a signal notification to tid.
func (k *Kernel) sysIPCNotify(t *TCB, tid Arg) {
	if ThreadID(tid) != t.Tid && !t.Caps.Has(CapNotify) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	r := k.GetTCB(ThreadID(tid))
	if r == nil {
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	// Set our own return first: if delivery swaps threads, these are
	// picked up when this thread runs again.
	*t.Regs() = ret1(mem.OK)
	k.notify(r, NotifySignal)
}
