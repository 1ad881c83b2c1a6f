// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel is the core of the microkernel model: thread control,
// per-process virtual memory, and the migrating-thread RPC machinery, all
// serialized under a single big kernel lock.
package kernel

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/pmem"
	"github.com/antimetal/kestrel/pkg/mem/region"
	"github.com/antimetal/kestrel/pkg/slab"
	"github.com/antimetal/kestrel/pkg/sptree"
)

// User address map. The uvmem arena covers the low user window; the RPC
// stack window sits just above it and grows down per call frame.
const (
	// UvmemStart is the bottom of the user allocation arena.
	UvmemStart mem.VA = 0

	// UvmemEnd is the top of the user allocation arena.
	UvmemEnd mem.VA = 1 << 36

	// RPCStackBase is the lowest address an RPC frame may occupy.
	RPCStackBase mem.VA = UvmemEnd

	// RPCStackTop is the initial, empty-stack frame position.
	RPCStackTop mem.VA = RPCStackBase + 8<<20

	// nullGuard keeps the bottom of the arena out of unconstrained
	// allocation so NULL never becomes a valid pointer.
	nullGuard = 64 << 10
)

const (
	defaultThreadStackSize = 2 << 20
	defaultRPCStackSize    = 512 << 10
	maxRPCStackSize        = uintptr(RPCStackTop-RPCStackBase) / 2
)

// hart is one CPU's kernel-visible state.
type hart struct {
	id      int
	current *TCB

	// ipi notes that another CPU asked this one to look at its
	// notification queue at the next lock acquisition.
	ipi []ThreadID
}

// Kernel is all mutable kernel state. The mutex is the big kernel lock:
// every syscall holds it from entry to the simulated return to userspace.
type Kernel struct {
	mu  sync.Mutex
	log logr.Logger

	layout *mem.Layout
	ram    *mem.Ram
	phys   *pmem.Allocator

	regionArena *slab.Arena[region.Region]

	tcbs     []*TCB
	tcbPage  mem.PA
	startTid ThreadID

	cpus   []hart
	curCPU int

	threadStackSize uintptr
	rpcStackSize    uintptr

	// Device memory regions on both sides of the RAM window.
	devPre  region.Root
	devPost region.Root

	timers    []sptree.Tree[*timerNode]
	timerPool *slab.Arena[timerNode]
	ticksHz   uint64
	now       uint64

	irqHandlers map[Arg]ThreadID

	trace *Trace

	halted bool
	reason Arg
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(log logr.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithCPUs sets the hart count.
func WithCPUs(n int) Option {
	return func(k *Kernel) { k.cpus = make([]hart, n) }
}

// WithTimebase sets the simulated timer resolution in ticks per second.
func WithTimebase(hz uint64) Option {
	return func(k *Kernel) { k.ticksHz = hz }
}

// New builds a kernel over an already-populated physical allocator. The
// caller (normally internal/boot) has reserved the boot regions before
// handing the allocator over.
func New(phys *pmem.Allocator, ram *mem.Ram, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		log:             logr.Discard(),
		layout:          phys.Layout(),
		ram:             ram,
		phys:            phys,
		threadStackSize: defaultThreadStackSize,
		rpcStackSize:    defaultRPCStackSize,
		ticksHz:         10_000_000,
		irqHandlers:     make(map[Arg]ThreadID),
	}
	for _, o := range opts {
		o(k)
	}

	if len(k.cpus) == 0 {
		k.cpus = make([]hart, 1)
	}
	for i := range k.cpus {
		k.cpus[i].id = i
	}
	k.trace = newTrace(k.layout, len(k.cpus))

	if k.layout.MaxOrder() < 1 {
		return nil, fmt.Errorf("kernel: need at least two page orders, got %d", k.layout.MaxOrder()+1)
	}

	k.regionArena = region.NewArena()
	k.initTCBs()
	k.initDevmem()
	k.initTimers()

	return k, nil
}

// Lock takes the big kernel lock. Exposed so tests and the boot path can
// group multi-step setups the way a trap entry would.
func (k *Kernel) Lock() { k.mu.Lock() }

// Unlock releases the big kernel lock.
func (k *Kernel) Unlock() { k.mu.Unlock() }

// CurTCB returns the thread currently running on the given hart.
func (k *Kernel) CurTCB(cpu int) *TCB {
	return k.cpus[cpu].current
}

// UseTCB makes t the current thread of the given CPU and records that CPU
// on t.
func (k *Kernel) UseTCB(cpu int, t *TCB) {
	t.CPU = cpu
	k.cpus[cpu].current = t
}

// Running reports whether t is current on some hart.
func (k *Kernel) Running(t *TCB) bool {
	return k.cpus[t.CPU].current == t
}

// Halted reports whether a poweroff was requested, and with which type.
func (k *Kernel) Halted() (bool, Arg) { return k.halted, k.reason }

// Log returns the kernel logger.
func (k *Kernel) Log() logr.Logger { return k.log }

// Phys exposes the physical allocator, mainly to tests asserting
// conservation properties.
func (k *Kernel) Phys() *pmem.Allocator { return k.phys }

// Ram exposes the backing memory arena.
func (k *Kernel) Ram() *mem.Ram { return k.ram }

// Layout returns the machine page geometry.
func (k *Kernel) Layout() *mem.Layout { return k.layout }
