// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boot_test

import (
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/internal/boot"
	"github.com/antimetal/kestrel/pkg/kernel"
	"github.com/antimetal/kestrel/pkg/mem"
)

func newc(files map[string]string) []byte {
	var out []byte

	add := func(name string, data []byte) {
		hdr := fmt.Sprintf("070701%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
			1, 0o100644, 0, 0, 1, 0,
			len(data), 0, 0, 0, 0,
			len(name)+1, 0)
		out = append(out, hdr...)
		out = append(out, name...)
		out = append(out, 0)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		out = append(out, data...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}

	for name, data := range files {
		add(name, []byte(data))
	}
	add("TRAILER!!!", nil)
	return out
}

func TestBootBareMachine(t *testing.T) {
	m, err := boot.New(boot.Config{
		RAMBase: 0x8000_0000,
		RAMSize: 64 << 20,
	}, logr.Discard())
	require.NoError(t, err)
	require.NotNil(t, m.Kernel)
	assert.Nil(t, m.Init)

	// the thread table is carved out at the least
	assert.NotZero(t, m.Kernel.Phys().QueryUsed())
}

func TestBootWithInit(t *testing.T) {
	image := []byte{0x13, 0x00, 0x00, 0x00, 0x6f, 0x00, 0x00, 0x00}

	m, err := boot.New(boot.Config{
		RAMBase:    0x8000_0000,
		RAMSize:    64 << 20,
		KernelSize: 1 << 20,
		Initrd:     newc(map[string]string{"init": string(image)}),
	}, logr.Discard())
	require.NoError(t, err)
	require.NotNil(t, m.Init)

	init := m.Init
	k := m.Kernel

	t.Run("init is a live root process on hart 0", func(t *testing.T) {
		assert.True(t, init.IsProc())
		assert.Same(t, init, k.CurTCB(0))
		assert.Equal(t, kernel.ProgBase, init.Exec)
		assert.NotZero(t, init.ThreadStack)
	})

	t.Run("image landed at the program base", func(t *testing.T) {
		buf := make([]byte, len(image))
		require.False(t, k.UserRead(init, buf, kernel.ProgBase).IsErr())
		assert.Equal(t, image, buf)
	})

	t.Run("init can make syscalls", func(t *testing.T) {
		ret := k.Syscall(0, kernel.SysNoop, 0, 0, 0, 0, 0)
		assert.Equal(t, kernel.Arg(mem.OK), ret.S)

		ret = k.Syscall(0, kernel.SysConfGet, kernel.Arg(kernel.ConfRAMSize), 0, 0, 0, 0)
		require.Equal(t, kernel.Arg(mem.OK), ret.S)
		assert.Equal(t, kernel.Arg(64<<20), ret.Ar0)
	})

	t.Run("boot reservations are accounted", func(t *testing.T) {
		// kernel image + initrd + pmap footprint at minimum
		assert.Greater(t, k.Phys().QueryUsed(), uintptr(1<<20))
	})
}

func TestBootWithoutRAMFails(t *testing.T) {
	_, err := boot.New(boot.Config{}, logr.Discard())
	assert.Error(t, err)
}

func TestBootReservedRanges(t *testing.T) {
	m, err := boot.New(boot.Config{
		RAMBase: 0x8000_0000,
		RAMSize: 64 << 20,
		Reserved: []boot.Range{
			{Base: 0x8100_0000, Size: 1 << 20},
			// outside RAM, must be ignored
			{Base: 0x1000, Size: 4096},
		},
	}, logr.Discard())
	require.NoError(t, err)

	used := m.Kernel.Phys().QueryUsed()
	assert.GreaterOrEqual(t, used, uintptr(1<<20), "firmware reservation accounted")
}
