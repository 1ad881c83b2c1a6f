// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// Arg is one syscall argument or return register.
type Arg = int64

// ThreadID identifies a thread. IDs are positive; zero means "no thread"
// and is what the kernel reports as the sender of notifications.
type ThreadID int64

// Sys enumerates the syscalls. The numbering is dense and fixed; dispatch
// rejects anything outside the table with ErrInval.
type Sys int

const (
	SysNoop Sys = iota
	SysPutch

	SysReqMem
	SysReqPmem
	SysReqFixmem
	SysReqSharedMem
	SysRefSharedMem
	SysFreeMem

	SysTimebase
	SysTicks
	SysReqRelTimer
	SysReqAbsTimer
	SysFreeTimer

	SysIPCServer
	SysIPCReq
	SysIPCFwd
	SysIPCTail
	SysIPCKick
	SysIPCResp
	SysIPCNotify

	SysCreate
	SysFork
	SysExec
	SysSpawn
	SysKill
	SysSwap
	SysDetach
	SysExit

	SysConfSet
	SysConfGet
	SysSetCap
	SysGetCap
	SysClearCap
	SysPoweroff
	SysSleep
	SysIrqReq

	sysNum
)

// SysRet is the six-register return of every syscall: a status and five
// payload registers. Field names are generic on purpose; IPC reuses them
// for sender and argument words.
type SysRet struct {
	S   Arg
	Ar0 Arg
	Ar1 Arg
	Ar2 Arg
	Ar3 Arg
	Ar4 Arg
}

func ret1(s mem.Status) SysRet { return SysRet{S: Arg(s)} }

func ret2(s mem.Status, a0 Arg) SysRet { return SysRet{S: Arg(s), Ar0: a0} }

func ret3(s mem.Status, a0, a1 Arg) SysRet { return SysRet{S: Arg(s), Ar0: a0, Ar1: a1} }

// CapSet is the capability bitmask carried per thread.
type CapSet uint8

const (
	// CapCaps lets a thread set capabilities on others.
	CapCaps CapSet = 1 << iota
	// CapProc lets a thread fork, spawn, kill and detach.
	CapProc
	// CapCall lets a thread force a callback in another thread.
	CapCall
	// CapNotify lets a thread notify threads other than itself.
	CapNotify
	// CapPower lets a thread power off or sleep the machine.
	CapPower
	// CapConf lets a thread write runtime configuration.
	CapConf
	// CapShared lets a thread allocate or reference shared memory.
	CapShared
)

// Has reports whether every capability in c is present.
func (s CapSet) Has(c CapSet) bool { return s&c == c }

// NotifyFlags is the per-thread pending notification bitmask. It is a
// bitmask rather than a queue: multiple pending events of one kind collapse
// into a single delivery.
type NotifyFlags uint8

const (
	// NotifySignal is a user-posted notification.
	NotifySignal NotifyFlags = 1 << iota
	// NotifyTimer reports a fired timer; delivered with interrupts
	// masked until the handler yields.
	NotifyTimer
	// NotifyIRQ reports a hardware interrupt, same treatment as timers.
	NotifyIRQ
	// NotifyOrphaned reports that the thread's root process died.
	NotifyOrphaned
)

const notifyCritical = NotifyIRQ | NotifyTimer

// SysUserNotify is the code userspace callbacks receive in the third
// register when entered for a notification rather than an IPC request.
const SysUserNotify Arg = 1

// Conf enumerates the runtime configuration parameters.
type Conf int

const (
	ConfThreadStack Conf = iota
	ConfRPCStack
	ConfRAMUsage
	ConfRAMSize
	ConfPageSize
	ConfMaxThreads
)

// Poweroff types.
const (
	PowerShutdown Arg = iota
	PowerColdReboot
	PowerWarmReboot
)
