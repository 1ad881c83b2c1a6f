// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// The RPC stack is a per-thread window of user address space that call
// frames grow down through. All address arithmetic on it lives in the two
// helpers below; the frame contents themselves are typed CallCtx records.

// rpcPosition returns the top of the next frame to push: the current frame
// bottom, or the window top when the stack is empty.
func rpcPosition(t *TCB) mem.VA {
	return t.rpcStack
}

// rpcStackEmpty reports whether a saved stack value marks the empty stack.
func rpcStackEmpty(v mem.VA) bool {
	return v == RPCStackTop
}

// enoughRPCStack checks that one more frame plus a full per-call stack
// allowance still fits above RPCStackBase.
func (k *Kernel) enoughRPCStack(t *TCB) bool {
	top := rpcPosition(t)
	return uintptr(top) >= uintptr(RPCStackBase)+k.layout.BasePageSize()+k.rpcStackSize
}

// markRPCInvalid records that the window [bottom, previous position) is now
// owned by a suspended frame and must not be touched by the new context.
func (k *Kernel) markRPCInvalid(t *TCB, bottom mem.VA) {
	k.trace.push(Event{Kind: EventRPCGuard, Tid: t.Tid, Addr: bottom})
}

// markRPCValid reopens the window up to top after its frame was popped.
func (k *Kernel) markRPCValid(t *TCB, top mem.VA) {
	k.trace.push(Event{Kind: EventRPCUnguard, Tid: t.Tid, Addr: top})
}

// enterRPC pushes a call frame carrying the thread's current context and
// installs the outgoing arguments in the fresh register area. It returns
// the new frame bottom for finalizeRPC to guard.
//
// Tail calls do not come through here: they reuse the pending frame so the
// eventual response unwinds straight to the caller's caller.
func (k *Kernel) enterRPC(t *TCB, args SysRet, notify bool) mem.VA {
	pos := rpcPosition(t)

	t.frames = append(t.frames, CallCtx{
		exec:     t.Exec,
		pid:      t.Pid,
		eid:      t.Eid,
		rpcStack: pos,
		notify:   notify,
		regs:     args,
	})

	newStack := pos - mem.VA(k.layout.BasePageSize())
	t.rpcStack = newStack
	return newStack
}

// finalizeRPC commits the migration: the thread's private RPC table adopts
// the target process's mappings, execution continues at the target's
// callback, and the consumed frame window is sealed off.
func (k *Kernel) finalizeRPC(t, r *TCB, s mem.VA) {
	t.RPC.Space.CloneTop(r.Proc.Space, UvmemEnd)
	SetReturn(t, r.Callback)
	k.referenceProc(k.GetTCB(r.Rid))
	t.Pid = r.Rid

	k.markRPCInvalid(t, s)
}

// leaveRPC pops the topmost frame and migrates the thread back to whoever
// pushed it, writing args into the caller-visible registers. Dead caller
// processes are skipped frame by frame, failing each skipped call with
// ErrNF; running out of frames orphans the thread. Queued notifications run
// before the thread would reach userspace.
func (k *Kernel) leaveRPC(t *TCB, args SysRet) {
	ctx := &t.frames[len(t.frames)-1]

	if !ctx.notify {
		ctx.regs = args
	}

	r := k.GetTCB(ctx.pid)
	for r == nil || !r.IsProc() || r.Zombie() {
		// The first pushed frame returns to the thread's root, which
		// was never entered through finalizeRPC and so holds no entry
		// reference; every deeper frame does.
		if r != nil && !rpcStackEmpty(ctx.rpcStack) {
			k.unreferenceProc(r)
		}

		if rpcStackEmpty(ctx.rpcStack) {
			// Unwound all the way home and home is gone.
			k.orphanize(t)
			break
		}

		t.frames = t.frames[:len(t.frames)-1]
		ctx = &t.frames[len(t.frames)-1]
		if !ctx.notify {
			ctx.regs = SysRet{S: Arg(mem.ErrNF)}
		}

		r = k.GetTCB(ctx.pid)
	}

	popped := *ctx
	t.frames = t.frames[:len(t.frames)-1]

	SetReturn(t, popped.exec)
	k.markRPCValid(t, popped.rpcStack)
	t.rpcStack = popped.rpcStack
	t.Pid = popped.pid
	t.Eid = popped.eid

	if !popped.notify {
		// The caller resumes seeing the response tuple. A popped
		// notification frame instead leaves the interrupted context's
		// own registers, already in place, untouched.
		*t.Regs() = popped.regs
	}

	// Re-point the RPC overlay at the process we landed in, the way a
	// fault-driven resync would.
	if cur := k.GetTCB(t.Pid); cur != nil && cur.Proc.Space != nil {
		t.RPC.Space.CloneTop(cur.Proc.Space, UvmemEnd)
	}

	// notification queued, try to run it
	if t.notifyFlags != 0 {
		k.notify(t, 0)
	}
}
