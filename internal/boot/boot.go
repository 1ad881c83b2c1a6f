// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boot brings a machine up: it sizes and populates the physical
// map, reserves everything that must survive (kernel image, initrd, the map
// itself, firmware-reserved ranges), and starts the init process from the
// boot archive. The device tree blob has no reservation of its own; it is
// kept out of the allocator only when listed in Config.Reserved.
package boot

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/kestrel/pkg/errors"
	"github.com/antimetal/kestrel/pkg/initrd"
	"github.com/antimetal/kestrel/pkg/kernel"
	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/pmem"
)

// Range is a physical range to keep out of the allocator.
type Range struct {
	Base mem.PA
	Size uintptr
}

// Config is the distilled device-tree view the kernel consumes: RAM
// geometry, page orders, boot images and firmware reservations. Whoever
// parses the real FDT fills this in.
type Config struct {
	RAMBase mem.PA
	RAMSize uintptr

	// BaseShift and Widths describe the paging mode; zero values mean
	// Sv39 (4 KiB / 2 MiB / 1 GiB).
	BaseShift uint
	Widths    []uint

	CPUs int

	// Initrd is the boot archive image; its init member becomes the
	// first process. Empty means boot without userspace.
	Initrd []byte

	// KernelSize is the loaded kernel image footprint at RAMBase.
	KernelSize uintptr

	// Reserved lists firmware-reserved ranges from the device tree.
	Reserved []Range

	Timebase uint64
}

// Machine is a booted system.
type Machine struct {
	Kernel *kernel.Kernel
	Init   *kernel.TCB
}

// New boots a machine from cfg.
func New(cfg Config, log logr.Logger) (*Machine, error) {
	if cfg.RAMSize == 0 {
		return nil, errors.New("boot: no RAM configured")
	}

	baseShift := cfg.BaseShift
	widths := cfg.Widths
	if len(widths) == 0 {
		baseShift = 12
		widths = []uint{9, 9, 9}
	}
	layout := mem.NewLayout(baseShift, widths)

	ram := mem.NewRam(cfg.RAMBase, cfg.RAMSize)

	// Probe first, then build, and refuse to boot when the two walks
	// disagree about the map footprint; a mismatch means the map may
	// have overwritten something it was supposed to account for.
	probeSize := pmem.Probe(layout, cfg.RAMSize)
	phys, actualSize := pmem.New(layout, cfg.RAMBase, cfg.RAMSize, log.WithName("pmem"))
	if probeSize != actualSize {
		panic(fmt.Sprintf("boot: pmap probe size %#x != populated size %#x", probeSize, actualSize))
	}
	log.V(1).Info("physical map sized", "bytes", actualSize)

	// The map itself lives right after the images it must not clobber.
	reservations := []Range{
		{cfg.RAMBase, cfg.KernelSize},
		{cfg.RAMBase + mem.PA(cfg.KernelSize), uintptr(len(cfg.Initrd))},
		{cfg.RAMBase + mem.PA(cfg.KernelSize) + mem.PA(len(cfg.Initrd)), actualSize},
	}
	reservations = append(reservations, cfg.Reserved...)

	for _, r := range reservations {
		if r.Size == 0 {
			continue
		}
		if !overlaps(r, cfg.RAMBase, cfg.RAMSize) {
			// Reservations outside RAM (ROM, MMIO) are not ours to
			// track.
			continue
		}
		phys.MarkAreaUsed(r.Base, r.Base+mem.PA(r.Size))
		log.V(1).Info("marked reserved", "base", r.Base, "size", r.Size)
	}

	opts := []kernel.Option{kernel.WithLogger(log.WithName("kernel"))}
	if cfg.CPUs > 0 {
		opts = append(opts, kernel.WithCPUs(cfg.CPUs))
	}
	if cfg.Timebase != 0 {
		opts = append(opts, kernel.WithTimebase(cfg.Timebase))
	}

	k, err := kernel.New(phys, ram, opts...)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	m := &Machine{Kernel: k}

	if len(cfg.Initrd) != 0 {
		init, err := startInit(k, cfg.Initrd)
		if err != nil {
			return nil, err
		}
		m.Init = init
	}

	return m, nil
}

func overlaps(r Range, base mem.PA, size uintptr) bool {
	return uintptr(r.Base)+r.Size > uintptr(base) &&
		uintptr(r.Base) < uintptr(base)+size
}

// startInit creates the first process from the archive's init member and
// makes it current on hart 0 with every capability.
func startInit(k *kernel.Kernel, image []byte) (*kernel.TCB, error) {
	f, err := initrd.Find(image, "init")
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	k.Lock()
	defer k.Unlock()

	init := k.CreateProc(nil)
	if init == nil {
		return nil, errors.New("boot: cannot create init process")
	}

	init.Caps = kernel.CapCaps | kernel.CapProc | kernel.CapCall |
		kernel.CapNotify | kernel.CapPower | kernel.CapConf | kernel.CapShared

	if ret := k.LoadImage(init, kernel.ProgBase, f.Data); ret.IsErr() {
		return nil, errors.FromStatus("boot: load init", ret)
	}
	if ret := k.AllocStack(init); ret.IsErr() {
		return nil, errors.FromStatus("boot: init stack", ret)
	}

	kernel.SetReturn(init, kernel.ProgBase)
	k.UseTCB(0, init)

	k.Log().Info("init started", "tid", init.Tid, "image", len(f.Data))
	return init, nil
}
