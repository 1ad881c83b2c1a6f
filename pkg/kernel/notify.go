// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// notify queues flags on t and tries to deliver the accumulated mask to
// t's designated handler thread. Delivery rules:
//
//   - Signals and orphan notices only run while the thread sits in its root
//     process; interrupting a migrated thread with them would expose a
//     foreign address space to the handler.
//   - Timer and IRQ notices are critical and delivered regardless, though
//     they still need RPC stack headroom.
//   - A handler running on another CPU gets an IPI and the delivery is
//     retried at that CPU's next syscall entry; nothing is dropped
//     unless the handler itself is gone.
func (k *Kernel) notify(t *TCB, flags NotifyFlags) {
	t.notifyFlags |= flags

	if t.notifyFlags == 0 {
		return
	}

	r := k.GetTCB(t.NotifyID)
	var hp *TCB
	if r != nil {
		hp = k.GetTCB(r.Pid)
	}
	if r == nil || r.Zombie() || r.Orphan() || hp == nil || hp.Callback == 0 {
		k.log.Error(nil, "notify callback unavailable", "tid", t.Tid, "notifyId", t.NotifyID)
		t.notifyFlags = 0
		return
	}

	if t.notifyFlags&notifyCritical == 0 && t.InRPC() {
		return
	}

	if !k.enoughRPCStack(r) {
		// Wait for stack to drain and try again later.
		return
	}

	// If the handler thread is busy on another hart, poke that hart and
	// let it deliver at its next trap. If it is either idle or the thread
	// we are already serving, deliver right here.
	if k.Running(r) && r != k.CurTCB(k.curCPU) {
		k.sendIPI(r)
		return
	}

	k.runNotify(t, r)
}

// sendIPI queues a notification pointer for the handler's CPU. The sending
// CPU does not wait; the remote hart drains its queue on its next trap.
func (k *Kernel) sendIPI(r *TCB) {
	c := &k.cpus[r.CPU]
	c.ipi = append(c.ipi, r.Tid)
	k.trace.push(Event{Kind: EventIPI, Tid: r.Tid, Id: ThreadID(r.CPU)})
}

// deliverIPIs runs queued cross-CPU notification work. Called at syscall
// entry, the simulation's stand-in for trap entry, and from sleep.
func (k *Kernel) deliverIPIs(cpu int) {
	c := &k.cpus[cpu]
	for len(c.ipi) > 0 {
		tid := c.ipi[0]
		c.ipi = c.ipi[1:]

		t := k.GetTCB(tid)
		if t == nil || t.notifyFlags == 0 {
			continue
		}
		k.notify(t, 0)
	}
}

// runNotify pushes a notification frame on the handler thread and migrates
// it into its process callback. The outgoing arguments tell the handler the
// kernel ("pid 0") is notifying: recipient tid, the delivery code, the
// collapsed flag mask, and the recipient's effective process.
func (k *Kernel) runNotify(t, r *TCB) {
	var flags NotifyFlags

	// Signals and orphan notices are safe only from the root process.
	if !t.InRPC() {
		flags |= t.notifyFlags & (NotifySignal | NotifyOrphaned)
	}

	// Critical notifications run with interrupts masked until the
	// handler cooperatively yields.
	if t.notifyFlags&notifyCritical != 0 {
		flags |= t.notifyFlags & notifyCritical
	}

	if flags == 0 {
		return
	}

	target := k.GetTCB(r.Pid)
	if target == nil || target.Proc.Space == nil {
		// Handler's process died under us; drop the delivery.
		t.notifyFlags &^= flags
		return
	}

	k.UseTCB(r.CPU, r)

	args := SysRet{0, Arg(t.Tid), SysUserNotify, Arg(flags), Arg(t.Eid), 0}
	s := k.enterRPC(r, args, true)
	k.finalizeRPC(r, target, s)

	t.notifyFlags &^= flags
	k.trace.push(Event{Kind: EventNotify, Tid: t.Tid, Id: r.Tid})
}

// orphanize marks a thread as having lost its root process and queues the
// notice so the thread can find out.
func (k *Kernel) orphanize(t *TCB) {
	t.state |= stateOrphan
	t.notifyFlags |= NotifyOrphaned
	k.trace.push(Event{Kind: EventOrphan, Tid: t.Tid})
}

// destroyOrphan tears down an orphan that has unwound its last RPC frame;
// there is no process left for it to run in.
func (k *Kernel) destroyOrphan(t *TCB) {
	if !t.Orphan() || t.InRPC() {
		panic("kernel: destroying a thread that still has somewhere to be")
	}
	if ret := k.DestroyThread(t); ret.IsErr() {
		k.log.Error(nil, "orphan teardown failed", "tid", t.Tid, "status", mem.Status(ret))
	}
}
