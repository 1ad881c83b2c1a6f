// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/vmem"
)

// state bits of a thread.
type tcbState uint8

const (
	stateZombie tcbState = 1 << iota
	stateOrphan
)

// Context is a page-table attachment point: the proc context is the address
// space the thread's process owns, the rpc context is the thread-private
// overlay rebuilt on every address-space crossing.
type Context struct {
	Space *vmem.Space
}

// CallCtx is one migrating-thread call frame. Frames live at the top of the
// per-thread RPC stack window; the typed record here carries what the
// in-memory frame would, plus the saved register file the simulation needs
// to restore on notification unwind.
type CallCtx struct {
	exec     mem.VA
	pid      ThreadID
	eid      ThreadID
	rpcStack mem.VA
	notify   bool

	// regs is the register save area of this frame. While the frame is
	// live these are the callee's registers; popping the frame turns the
	// area into the caller's return registers.
	regs SysRet
}

// TCB is a thread control block.
type TCB struct {
	// Exec is the userspace PC this thread resumes at.
	Exec mem.VA

	// UVM is the process memory bookkeeping. Only the owner thread's TCB
	// truly owns it; sibling threads share the pointer.
	UVM *Uvmem

	Proc Context
	RPC  Context

	// Callback is the entrypoint run when another thread RPCs into this
	// process; unset means the process never declared itself a server.
	Callback mem.VA

	ThreadStack     mem.VA
	ThreadStackSize uintptr

	// rpcStack is the bottom of the current RPC frame; RPCStackTop when
	// the thread is not in an RPC.
	rpcStack mem.VA
	frames   []CallCtx

	// rootRegs is the register save area used while no RPC frame exists.
	rootRegs SysRet

	// refcount is meaningful on root process threads only. It counts the
	// process's own liveness plus every thread currently inside it.
	refcount int

	Eid ThreadID
	Pid ThreadID
	Rid ThreadID
	Tid ThreadID

	CPU      int
	NotifyID ThreadID

	notifyFlags NotifyFlags
	Caps        CapSet
	state       tcbState

	// kstack is the physical page backing the kernel stack; the real
	// kernel places the TCB at its top.
	kstack mem.PA
}

// Zombie reports whether the thread's process has been killed but not yet
// torn down.
func (t *TCB) Zombie() bool { return t.state&stateZombie != 0 }

// Orphan reports whether the thread has lost its root process.
func (t *TCB) Orphan() bool { return t.state&stateOrphan != 0 }

// IsProc reports whether t is a live process thread.
func (t *TCB) IsProc() bool { return t.Tid == t.Rid && !t.Orphan() }

// InRPC reports whether the thread has RPC frames pending.
func (t *TCB) InRPC() bool { return !rpcStackEmpty(t.rpcStack) }

// NotifyFlags returns the pending notification mask, for inspection.
func (t *TCB) NotifyFlags() NotifyFlags { return t.notifyFlags }

// Regs returns the thread's current register save area.
func (t *TCB) Regs() *SysRet {
	if n := len(t.frames); n > 0 {
		return &t.frames[n-1].regs
	}
	return &t.rootRegs
}

// RPCStackBottom returns the current frame bottom, for invariant checks.
func (t *TCB) RPCStackBottom() mem.VA { return t.rpcStack }

// initTCBs carves the thread table out of physical memory: one order-1 page
// of pointer slots, power-of-two sized so tid hashing is a mask.
func (k *Kernel) initTCBs() {
	pa := k.phys.AllocPage(1)
	if pa == 0 {
		panic("kernel: no memory for thread table")
	}
	k.tcbPage = pa

	n := int(k.layout.Size(1) / 8)
	if n&(n-1) != 0 {
		panic("kernel: thread table size not a power of two")
	}
	k.tcbs = make([]*TCB, n)
	k.startTid = 1
}

// MaxThreads returns the number of thread table slots.
func (k *Kernel) MaxThreads() int { return len(k.tcbs) }

// GetTCB returns the thread with the given ID, or nil. Zombie process
// threads stay visible until their refcount drains; that is how in-flight
// RPC unwinds notice the dead process and how the tid stays reserved.
func (k *Kernel) GetTCB(tid ThreadID) *TCB {
	if tid <= 0 {
		return nil
	}
	return k.tcbs[int(tid)&(len(k.tcbs)-1)]
}

// allocTid finds a free slot starting from the rotating cursor, wrapping
// back to 1 at the end of the table. A full scan without a free slot
// reports ErrNF.
func (k *Kernel) allocTid(t *TCB) ThreadID {
	n := ThreadID(len(k.tcbs))
	i := k.startTid
	for scanned := ThreadID(1); scanned < n; scanned++ {
		if i <= 0 || i >= n {
			i = 1
		}
		if k.GetTCB(i) == nil {
			k.tcbs[int(i)&(len(k.tcbs)-1)] = t
			k.startTid = i + 1
			return i
		}
		i++
	}
	return ThreadID(mem.ErrNF)
}

// CreateThread creates a thread inside parent's process, or a fresh root
// process when parent is nil.
func (k *Kernel) CreateThread(parent *TCB) *TCB {
	kstack := k.phys.AllocPage(0)
	if kstack == 0 {
		return nil
	}

	t := &TCB{kstack: kstack, rpcStack: RPCStackTop}

	tid := k.allocTid(t)
	if tid <= 0 {
		k.phys.FreePage(0, kstack)
		return nil
	}
	t.Tid = tid

	if parent != nil {
		t.Pid = parent.Pid
		t.Proc.Space = parent.Proc.Space
		t.UVM = parent.UVM
		t.Rid = parent.Rid
	} else {
		space := vmem.Create(k.phys, k.ram)
		if space == nil {
			k.dropTCB(t)
			return nil
		}
		t.Proc.Space = space
		t.Pid = t.Tid
		t.Rid = t.Tid
		if k.initUvmem(t).IsErr() {
			space.Destroy()
			k.dropTCB(t)
			return nil
		}
		parent = t
	}

	t.Eid = t.Pid
	t.NotifyID = t.Tid

	t.RPC.Space = vmem.Create(k.phys, k.ram)
	if t.RPC.Space == nil {
		k.dropTCB(t)
		return nil
	}

	root := k.GetTCB(parent.Rid)
	if root != nil {
		k.referenceProc(root)
	}

	k.log.V(1).Info("created thread", "tid", t.Tid, "pid", t.Pid, "rid", t.Rid)
	return t
}

func (k *Kernel) dropTCB(t *TCB) {
	k.tcbs[int(t.Tid)&(len(k.tcbs)-1)] = nil
	k.phys.FreePage(0, t.kstack)
}

// CreateProc creates a new process; with a non-nil parent the parent's
// address space, registers and capabilities are duplicated (fork).
func (k *Kernel) CreateProc(parent *TCB) *TCB {
	n := k.CreateThread(nil)
	if n == nil {
		return nil
	}

	if parent != nil {
		n.Exec = parent.Exec
		n.Callback = parent.Callback
		n.ThreadStack = parent.ThreadStack
		n.ThreadStackSize = parent.ThreadStackSize
		n.rootRegs = *parent.Regs()
		n.Caps = parent.Caps

		if ret := k.copyUvmem(n, parent); ret.IsErr() {
			k.DestroyProc(n)
			return nil
		}
	}

	return n
}

// AllocStack gives a thread its userspace stack inside the effective
// process.
func (k *Kernel) AllocStack(t *TCB) mem.Status {
	p := k.GetTCB(t.Eid)
	if p == nil {
		return mem.ErrNF
	}

	v := k.allocUvmem(p, k.threadStackSize, mem.FlagValid|mem.FlagRead|mem.FlagWrite|mem.FlagUser)
	if v == 0 {
		return mem.ErrOOMem
	}

	t.ThreadStack = v
	t.ThreadStackSize = k.threadStackSize
	return mem.OK
}

// DestroyThread tears down a non-process thread and releases its tid.
func (k *Kernel) DestroyThread(t *TCB) mem.Status {
	if t.IsProc() {
		return mem.ErrInval
	}

	k.tcbs[int(t.Tid)&(len(k.tcbs)-1)] = nil

	if root := k.GetTCB(t.Rid); root != nil {
		k.unreferenceProc(root)
	}

	k.destroyThreadData(t)
	return mem.OK
}

func (k *Kernel) destroyThreadData(t *TCB) {
	if t.RPC.Space != nil {
		t.RPC.Space.Destroy()
		t.RPC.Space = nil
	}
	k.phys.FreePage(0, t.kstack)

	for i := range k.cpus {
		if k.cpus[i].current == t {
			k.cpus[i].current = nil
		}
	}
}

// DestroyProc marks a process dead. Teardown happens when the last
// reference drains; threads stranded mid-RPC inside the process carry
// references and unwind safely through the orphan path.
func (k *Kernel) DestroyProc(p *TCB) mem.Status {
	if !p.IsProc() {
		return mem.ErrInval
	}

	p.state |= stateZombie
	k.unreferenceProc(p)
	return mem.OK
}

func (k *Kernel) referenceProc(p *TCB) {
	p.refcount++
}

func (k *Kernel) unreferenceProc(p *TCB) {
	p.refcount--
	if p.refcount > 0 || !p.Zombie() {
		return
	}

	// Last reference gone: run the real teardown.
	k.log.V(1).Info("process fully destroyed", "tid", p.Tid)
	k.tcbs[int(p.Tid)&(len(k.tcbs)-1)] = nil
	k.destroyUvmem(p)
	k.destroyThreadData(p)
}

// SetReturn points the thread's userspace resume address at v.
func SetReturn(t *TCB, v mem.VA) {
	t.Exec = v
}
