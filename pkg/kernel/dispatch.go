// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// Syscall is the trap entry of the model: it takes the big kernel lock,
// drains any IPI work queued for this hart, runs the handler as the hart's
// current thread, and returns that hart's current thread's registers — which
// may belong to a different thread than the caller if the call switched.
func (k *Kernel) Syscall(cpu int, no Sys, a, b, c, d, e Arg) SysRet {
	k.Lock()
	defer k.Unlock()

	k.curCPU = cpu
	k.deliverIPIs(cpu)

	t := k.cpus[cpu].current
	if t == nil {
		return ret1(mem.ErrNoInit)
	}

	k.trace.push(Event{Kind: EventSyscall, Tid: t.Tid, Sys: no})
	k.handleSyscall(t, no, a, b, c, d, e)

	cur := k.cpus[cpu].current
	if cur == nil {
		return ret1(mem.OK)
	}
	return *cur.Regs()
}

func (k *Kernel) handleSyscall(t *TCB, no Sys, a, b, c, d, e Arg) {
	switch no {
	case SysNoop:
		k.log.Info("sys_noop")
		*t.Regs() = ret1(mem.OK)
	case SysPutch:
		k.log.V(1).Info("sys_putch", "ch", string(rune(a)))
		*t.Regs() = ret1(mem.OK)

	case SysReqMem:
		k.sysReqMem(t, a, b)
	case SysReqPmem:
		k.sysReqPmem(t, a, b, c)
	case SysReqFixmem:
		k.sysReqFixmem(t, a, b, c)
	case SysReqSharedMem:
		k.sysReqSharedMem(t, a, b)
	case SysRefSharedMem:
		k.sysRefSharedMem(t, a, b, c)
	case SysFreeMem:
		k.sysFreeMem(t, a)

	case SysTimebase:
		k.sysTimebase(t)
	case SysTicks:
		k.sysTicks(t)
	case SysReqRelTimer:
		k.sysReqRelTimer(t, a)
	case SysReqAbsTimer:
		k.sysReqAbsTimer(t, a)
	case SysFreeTimer:
		k.sysFreeTimer(t, a)

	case SysIPCServer:
		k.sysIPCServer(t, a)
	case SysIPCReq:
		k.sysIPCReq(t, a, b, c, d, e)
	case SysIPCFwd:
		k.sysIPCFwd(t, a, b, c, d, e)
	case SysIPCTail:
		k.sysIPCTail(t, a, b, c, d, e)
	case SysIPCKick:
		k.sysIPCKick(t, a, b, c, d, e)
	case SysIPCResp:
		k.sysIPCResp(t, a, b, c, d)
	case SysIPCNotify:
		k.sysIPCNotify(t, a)

	case SysCreate:
		k.sysCreate(t, a, b, c, d, e)
	case SysFork:
		k.sysFork(t)
	case SysExec:
		k.sysExec(t, a)
	case SysSpawn:
		k.sysSpawn(t, a)
	case SysKill:
		k.sysKill(t, a)
	case SysSwap:
		k.sysSwap(t, a)
	case SysDetach:
		k.sysDetach(t)
	case SysExit:
		k.sysExit(t, a)

	case SysConfSet:
		k.sysConfSet(t, a, b)
	case SysConfGet:
		k.sysConfGet(t, a, b)
	case SysSetCap:
		k.sysSetCap(t, a, b)
	case SysGetCap:
		k.sysGetCap(t, a)
	case SysClearCap:
		k.sysClearCap(t, a, b)
	case SysPoweroff:
		k.sysPoweroff(t, a)
	case SysSleep:
		k.sysSleep(t)
	case SysIrqReq:
		k.sysIrqReq(t, a)

	default:
		k.log.Error(nil, "syscall outside allowed range", "syscall", no, "max", int(sysNum)-1)
		*t.Regs() = ret1(mem.ErrInval)
	}
}
