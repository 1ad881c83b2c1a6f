// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import "github.com/antimetal/kestrel/pkg/mem"

// sysConfGet reads a runtime parameter. Anyone may read; there is nothing
// worth hiding here.
func (k *Kernel) sysConfGet(t *TCB, param, d0 Arg) {
	var val Arg
	switch Conf(param) {
	case ConfThreadStack:
		val = Arg(k.threadStackSize)
	case ConfRPCStack:
		val = Arg(k.rpcStackSize)
	case ConfRAMUsage:
		val = Arg(k.phys.QueryUsed())
	case ConfRAMSize:
		val = Arg(k.ram.Size())
	case ConfPageSize:
		if d0 < 0 || d0 > Arg(k.layout.MaxOrder()) {
			val = 0
			break
		}
		val = Arg(k.layout.Size(mem.Order(d0)))
	case ConfMaxThreads:
		val = Arg(k.MaxThreads())
	default:
		*t.Regs() = ret1(mem.ErrNF)
		return
	}

	*t.Regs() = ret2(mem.OK, val)
}

// sysConfSet writes a runtime parameter; needs CapConf.
func (k *Kernel) sysConfSet(t *TCB, param, val Arg) {
	if !t.Caps.Has(CapConf) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	switch Conf(param) {
	case ConfThreadStack:
		k.threadStackSize = mem.AlignUp(uintptr(val), k.layout.BasePageSize())
	case ConfRPCStack:
		size := mem.AlignUp(uintptr(val), k.layout.BasePageSize())
		if size > maxRPCStackSize {
			*t.Regs() = ret1(mem.ErrMisc)
			return
		}
		k.rpcStackSize = size
	default:
		*t.Regs() = ret1(mem.ErrInval)
		return
	}

	*t.Regs() = ret1(mem.OK)
}

// sysPoweroff halts the machine; needs CapPower.
func (k *Kernel) sysPoweroff(t *TCB, typ Arg) {
	if !t.Caps.Has(CapPower) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	switch typ {
	case PowerShutdown, PowerColdReboot, PowerWarmReboot:
		k.halted = true
		k.reason = typ
		k.log.Info("poweroff requested", "type", typ)
		*t.Regs() = ret1(mem.OK)
	default:
		*t.Regs() = ret1(mem.ErrInval)
	}
}

// sysSleep idles the hart until the next wakeup. With no wfi to spin on,
// the model just delivers anything pending and returns.
func (k *Kernel) sysSleep(t *TCB) {
	if !t.Caps.Has(CapPower) {
		*t.Regs() = ret1(mem.ErrPerm)
		return
	}

	k.deliverIPIs(k.curCPU)
	*t.Regs() = ret1(mem.OK)
}

// sysIrqReq registers the calling thread as the handler for irq.
func (k *Kernel) sysIrqReq(t *TCB, irq Arg) {
	if _, taken := k.irqHandlers[irq]; taken {
		*t.Regs() = ret1(mem.ErrExt)
		return
	}

	k.irqHandlers[irq] = t.Tid
	*t.Regs() = ret1(mem.OK)
}

// RaiseIRQ injects a hardware interrupt: the registered handler thread is
// notified with the critical IRQ flag.
func (k *Kernel) RaiseIRQ(cpu int, irq Arg) mem.Status {
	k.Lock()
	defer k.Unlock()
	k.curCPU = cpu

	tid, ok := k.irqHandlers[irq]
	if !ok {
		return mem.ErrNF
	}

	t := k.GetTCB(tid)
	if t == nil {
		delete(k.irqHandlers, irq)
		return mem.ErrNF
	}

	k.notify(t, NotifyIRQ)
	return mem.OK
}
