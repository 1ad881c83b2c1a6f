// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/slab"
	"github.com/antimetal/kestrel/pkg/sptree"
)

// Timers live in one sp-tree per CPU, keyed by expiry ticks with the id as
// a collision bump, so the next due timer is always the leftmost node.
// Expiry posts NotifyTimer to the owning thread.

type timerNode struct {
	node sptree.Node[*timerNode]

	ticks uint64
	cid   ThreadID
	owner ThreadID
}

func (k *Kernel) initTimers() {
	k.timers = make([]sptree.Tree[*timerNode], len(k.cpus))
	k.timerPool = slab.New[timerNode](64)
}

// insertTimer places ti in cpu's queue, bumping its id past collisions the
// way the timer subsystem always has. Exposing tree internals makes this a
// single descent.
func (k *Kernel) insertTimer(cpu int, ti *timerNode) ThreadID {
	tree := &k.timers[cpu]
	n := tree.Root()
	var p *sptree.Node[*timerNode]
	d := sptree.Left

	for n != nil {
		t := n.Item
		if ti.cid == t.cid {
			ti.cid++
		}

		p = n

		if less(ti, t) {
			n = n.Left()
			d = sptree.Left
		} else {
			n = n.Right()
			d = sptree.Right
		}
	}

	tree.Insert(p, &ti.node, d)
	return ti.cid
}

func less(a, b *timerNode) bool {
	if a.ticks != b.ticks {
		return a.ticks < b.ticks
	}
	return a.cid < b.cid
}

// newTimer queues a timer for t on its CPU.
func (k *Kernel) newTimer(t *TCB, ticks uint64) ThreadID {
	ti := k.timerPool.Get()
	ti.node.Item = ti
	ti.ticks = ticks
	ti.cid = t.Tid
	ti.owner = t.Tid
	return k.insertTimer(t.CPU, ti)
}

// removeTimer cancels the timer with the given id on any CPU. The tree is
// ordered by expiry, not id, so this is a full walk; cancellation is rare.
func (k *Kernel) removeTimer(cid ThreadID) mem.Status {
	for cpu := range k.timers {
		if n := findTimer(k.timers[cpu].Root(), cid); n != nil {
			ti := n.Item
			k.timers[cpu].Remove(n)
			k.timerPool.Put(ti)
			return mem.OK
		}
	}
	return mem.ErrNF
}

func findTimer(n *sptree.Node[*timerNode], cid ThreadID) *sptree.Node[*timerNode] {
	if n == nil {
		return nil
	}
	if n.Item.cid == cid {
		return n
	}
	if f := findTimer(n.Left(), cid); f != nil {
		return f
	}
	return findTimer(n.Right(), cid)
}

// AdvanceTime moves the simulated clock forward and fires every timer that
// came due, posting NotifyTimer to each owner. This is the model's timer
// interrupt.
func (k *Kernel) AdvanceTime(cpu int, ticks uint64) {
	k.Lock()
	defer k.Unlock()
	k.curCPU = cpu

	k.now += ticks
	tree := &k.timers[cpu]
	for {
		n := tree.Root()
		if n == nil {
			return
		}
		first := sptree.First(n)
		ti := first.Item
		if ti.ticks > k.now {
			return
		}

		tree.Remove(first)
		owner := k.GetTCB(ti.owner)
		k.timerPool.Put(ti)

		if owner != nil {
			k.notify(owner, NotifyTimer)
		}
	}
}

// Ticks returns the simulated clock.
func (k *Kernel) Ticks() uint64 { return k.now }

func (k *Kernel) sysTimebase(t *TCB) {
	*t.Regs() = ret2(mem.OK, Arg(k.ticksHz))
}

func (k *Kernel) sysTicks(t *TCB) {
	*t.Regs() = ret2(mem.OK, Arg(k.now))
}

// sysReqRelTimer queues a timer ticks from now.
func (k *Kernel) sysReqRelTimer(t *TCB, ticks Arg) {
	cid := k.newTimer(t, k.now+uint64(ticks))
	*t.Regs() = ret2(mem.OK, Arg(cid))
}

// sysReqAbsTimer queues a timer at an absolute tick count. A timepoint in
// the past fires on the next time advance.
func (k *Kernel) sysReqAbsTimer(t *TCB, ticks Arg) {
	cid := k.newTimer(t, uint64(ticks))
	*t.Regs() = ret2(mem.OK, Arg(cid))
}

// sysFreeTimer cancels a queued timer.
func (k *Kernel) sysFreeTimer(t *TCB, cid Arg) {
	*t.Regs() = ret1(k.removeTimer(ThreadID(cid)))
}
