// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// kestrel boots the microkernel model: a simulated RAM window, the physical
// map, and an init process from a cpio archive, then drives the harts until
// init powers the machine off.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/kestrel/internal/boot"
	"github.com/antimetal/kestrel/pkg/kernel"
	"github.com/antimetal/kestrel/pkg/mem"
)

var (
	ramBase    uint64
	ramSize    uint64
	cpus       int
	initrdPath string
	timebase   uint64
	tickEvery  time.Duration
	verbose    bool
)

func init() {
	flag.Uint64Var(&ramBase, "ram-base", 0x8000_0000,
		"Physical base address of the RAM window")
	flag.Uint64Var(&ramSize, "ram-size", 256<<20,
		"Size of the RAM window in bytes")
	flag.IntVar(&cpus, "cpus", 1,
		"Number of harts to model")
	flag.StringVar(&initrdPath, "initrd", "",
		"Path to a cpio newc archive containing the init binary")
	flag.Uint64Var(&timebase, "timebase", 10_000_000,
		"Timer resolution in ticks per second")
	flag.DurationVar(&tickEvery, "tick-every", 10*time.Millisecond,
		"Wall-clock interval between simulated timer interrupts")
	flag.BoolVar(&verbose, "verbose", false,
		"Enable development logging")
}

func main() {
	flag.Parse()

	var logger logr.Logger
	if verbose {
		zapLog, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
			os.Exit(1)
		}
		logger = zapr.NewLogger(zapLog)
	} else {
		zapLog, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
			os.Exit(1)
		}
		logger = zapr.NewLogger(zapLog)
	}

	cfg := boot.Config{
		RAMBase:  mem.PA(ramBase),
		RAMSize:  uintptr(ramSize),
		CPUs:     cpus,
		Timebase: timebase,
	}

	if initrdPath != "" {
		image, err := os.ReadFile(initrdPath)
		if err != nil {
			logger.Error(err, "unable to read initrd")
			os.Exit(1)
		}
		cfg.Initrd = image
	}

	m, err := boot.New(cfg, logger)
	if err != nil {
		logger.Error(err, "boot failed")
		os.Exit(1)
	}

	k := m.Kernel
	logger.Info("machine up",
		"ram", ramSize, "cpus", cpus,
		"used", k.Phys().QueryUsed(), "maxThreads", k.MaxThreads())

	if m.Init == nil {
		logger.Info("no initrd given, nothing to run")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// One goroutine per hart delivers timer interrupts and polls for
	// shutdown; without a real instruction stream this is all the
	// machine does on its own.
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < cpus; cpu++ {
		g.Go(func() error {
			ticker := time.NewTicker(tickEvery)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					k.AdvanceTime(cpu, timebase/uint64(time.Second/tickEvery))
					if halted, reason := k.Halted(); halted {
						cancel()
						return poweroffErr(reason)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		logger.Info("machine halted", "reason", err.Error())
		return
	}
	logger.Info("machine stopped")
}

func poweroffErr(reason kernel.Arg) error {
	switch reason {
	case kernel.PowerShutdown:
		return fmt.Errorf("shutdown")
	case kernel.PowerColdReboot:
		return fmt.Errorf("cold reboot")
	case kernel.PowerWarmReboot:
		return fmt.Errorf("warm reboot")
	}
	return fmt.Errorf("poweroff %d", reason)
}
