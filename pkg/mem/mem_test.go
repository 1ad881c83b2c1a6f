// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/kestrel/pkg/mem"
)

func TestLayoutSv39(t *testing.T) {
	l := mem.NewLayout(12, []uint{9, 9, 9})

	assert.Equal(t, mem.Order(2), l.MaxOrder())
	assert.Equal(t, uintptr(4096), l.Size(0))
	assert.Equal(t, uintptr(2<<20), l.Size(1))
	assert.Equal(t, uintptr(1<<30), l.Size(2))
	assert.Equal(t, 512, l.Entries(0))

	// the geometric invariant: size(o) == size(o-1) * 2^width(o-1)
	for o := mem.Order(1); o <= l.MaxOrder(); o++ {
		assert.Equal(t, l.Size(o-1)<<l.Width(o-1), l.Size(o))
	}
}

func TestNearestOrder(t *testing.T) {
	l := mem.NewLayout(12, []uint{9, 9, 9})

	assert.Equal(t, mem.Order(0), l.NearestOrder(1))
	assert.Equal(t, mem.Order(0), l.NearestOrder(4096))
	assert.Equal(t, mem.Order(1), l.NearestOrder(4097))
	assert.Equal(t, mem.Order(2), l.NearestOrder(3<<20))
	assert.Equal(t, mem.Order(2), l.NearestOrder(4<<30), "clamped to the top order")
}

func TestFlagsDoNotCollide(t *testing.T) {
	hw := mem.FlagValid | mem.FlagRead | mem.FlagWrite | mem.FlagExec |
		mem.FlagUser | mem.FlagGlobal | mem.FlagAccessed | mem.FlagDirty
	region := mem.RegionUsed | mem.RegionKeep | mem.RegionShared | mem.RegionNonbacked

	assert.Zero(t, hw&region, "page and region flag bits must not overlap")
	assert.Equal(t, hw, hw.HW())
	assert.Zero(t, region.HW())
}

func TestSanitizeUser(t *testing.T) {
	f := mem.SanitizeUser(mem.FlagWrite | mem.FlagGlobal | mem.RegionKeep)
	assert.Equal(t, mem.FlagValid|mem.FlagUser|mem.FlagWrite, f)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "OK", mem.OK.String())
	assert.Equal(t, "ERR_OOMEM", mem.ErrOOMem.String())
	assert.Equal(t, "INFO_SEFF", mem.InfoSEFF.String())
	assert.False(t, mem.OK.IsErr())
	assert.False(t, mem.InfoTRGN.IsErr())
	assert.True(t, mem.ErrNF.IsErr())
}

func TestRam(t *testing.T) {
	r := mem.NewRam(0x8000_0000, 1<<20)

	r.WriteWord(0x8000_0100, 0xDEADBEEF)
	assert.Equal(t, uint64(0xDEADBEEF), r.ReadWord(0x8000_0100))

	assert.True(t, r.Contains(0x8000_0000))
	assert.True(t, r.Contains(0x800F_FFFF))
	assert.False(t, r.Contains(0x8010_0000))
	assert.False(t, r.Contains(0x7FFF_FFFF))

	r.Zero(0x8000_0100, 8)
	assert.Zero(t, r.ReadWord(0x8000_0100))
}
