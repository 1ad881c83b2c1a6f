// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// EventKind classifies kernel trace events.
type EventKind int

const (
	EventSyscall EventKind = iota
	EventIPC
	EventNotify
	EventIPI
	EventOrphan
	EventRPCGuard
	EventRPCUnguard
)

// Event is one entry of the kernel's trace journal.
type Event struct {
	// Seq is the event's position in the global trace order; the
	// journal stamps it on push.
	Seq  uint64
	Kind EventKind
	Tid  ThreadID
	Id   ThreadID
	Sys  Sys
	Addr mem.VA
}

// eventBytes is what one packed journal record would occupy in kernel
// memory; the journal is sized in these, not in a bare entry count.
const eventBytes = 48

// Trace is the kernel's bounded event journal. A single monotonic sequence
// counter drives it: event n lives in slot n mod capacity, so the oldest
// surviving event is always seq-capacity and anything older has been
// overwritten. The kernel lock covers all access.
type Trace struct {
	slots []Event
	seq   uint64
}

// newTrace sizes a journal at one base page of packed records per hart,
// the same budget the real kernel would carve out of its boot allocation.
func newTrace(layout *mem.Layout, harts int) *Trace {
	n := int(layout.BasePageSize()/eventBytes) * harts
	if n <= 0 {
		panic("kernel: empty trace journal")
	}
	return &Trace{slots: make([]Event, n)}
}

// push stamps and records an event, overwriting the oldest when the
// journal has wrapped.
func (tr *Trace) push(e Event) {
	e.Seq = tr.seq
	tr.slots[tr.seq%uint64(len(tr.slots))] = e
	tr.seq++
}

// oldest returns the sequence number of the oldest surviving event.
func (tr *Trace) oldest() uint64 {
	if tr.seq <= uint64(len(tr.slots)) {
		return 0
	}
	return tr.seq - uint64(len(tr.slots))
}

// Events returns the surviving events, oldest first.
func (tr *Trace) Events() []Event {
	out := make([]Event, 0, tr.seq-tr.oldest())
	for i := tr.oldest(); i < tr.seq; i++ {
		out = append(out, tr.slots[i%uint64(len(tr.slots))])
	}
	return out
}

// Count reports how many surviving events of the given kind concern tid.
// A zero tid matches any thread.
func (tr *Trace) Count(kind EventKind, tid ThreadID) int {
	n := 0
	for i := tr.oldest(); i < tr.seq; i++ {
		e := &tr.slots[i%uint64(len(tr.slots))]
		if e.Kind == kind && (tid == 0 || e.Tid == tid) {
			n++
		}
	}
	return n
}

// Len returns the number of surviving events.
func (tr *Trace) Len() int {
	return int(tr.seq - tr.oldest())
}

// Dropped returns how many events have been overwritten since boot.
func (tr *Trace) Dropped() uint64 {
	return tr.oldest()
}

// Trace exposes the kernel's journal, mainly to tests.
func (k *Kernel) Trace() *Trace { return k.trace }
