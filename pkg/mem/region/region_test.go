// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package region_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/pkg/mem"
	"github.com/antimetal/kestrel/pkg/mem/region"
)

const pageSize = 4096

func sv39() *mem.Layout {
	return mem.NewLayout(12, []uint{9, 9, 9})
}

func newRoot(t *testing.T, size, reserved uintptr) *region.Root {
	t.Helper()
	r := &region.Root{}
	ret := r.Init(region.NewArena(), sv39(), 0, size, reserved)
	require.False(t, ret.IsErr())
	return r
}

// checkList verifies the structural invariants of the region list: sorted
// by start, gapless over the arena, and no two adjacent free regions.
func checkList(t *testing.T, r *region.Root) {
	t.Helper()

	start, end := r.Bounds()
	m := r.First()
	require.NotNil(t, m)
	require.Equal(t, start, m.Start)

	prevFree := false
	last := m
	for ; m != nil; m = m.Next() {
		require.Less(t, m.Start, m.End, "empty region in list")
		if m.Prev() != nil {
			require.Equal(t, m.Prev().End, m.Start, "gap or overlap in list")
		}
		if !m.Used() {
			require.False(t, prevFree, "two adjacent free regions")
			prevFree = true
		} else {
			prevFree = false
		}
		last = m
	}
	require.Equal(t, end, last.End)
}

func TestAllocRespectsNullGuard(t *testing.T) {
	r := newRoot(t, 1<<30, 64<<10)

	va, size := r.Alloc(pageSize, mem.FlagRead)
	assert.NotZero(t, va)
	assert.Equal(t, uintptr(pageSize), size)
	// the reserved low 64 KiB is never handed out while room remains
	assert.GreaterOrEqual(t, uintptr(va), uintptr(64<<10))
	checkList(t, r)
}

func TestAllocRoundsToPages(t *testing.T) {
	r := newRoot(t, 1<<30, 0)

	_, size := r.Alloc(100, mem.FlagRead)
	assert.Equal(t, uintptr(pageSize), size)

	_, size = r.Alloc(pageSize+1, mem.FlagRead)
	assert.Equal(t, uintptr(2*pageSize), size)
}

func TestLargeAllocGetsOrderAlignment(t *testing.T) {
	r := newRoot(t, 1<<30, 64<<10)

	// Put a small allocation in front so the hole start is unaligned.
	small, _ := r.Alloc(pageSize, mem.FlagRead)
	require.NotZero(t, small)

	// A 2 MiB request should come back 2 MiB aligned so the mapper can
	// use an order-1 page.
	big, _ := r.Alloc(2<<20, mem.FlagRead)
	require.NotZero(t, big)
	assert.True(t, mem.IsAligned(uintptr(big), 2<<20), "large region not order aligned: %#x", big)
	checkList(t, r)
}

func TestFindUsed(t *testing.T) {
	r := newRoot(t, 1<<30, 0)

	va, _ := r.Alloc(3*pageSize, mem.FlagRead)
	m := r.FindUsed(va)
	require.NotNil(t, m)
	assert.Equal(t, uintptr(va)/pageSize, m.Start)

	// exact-start match only
	assert.Nil(t, r.FindUsed(va+pageSize))
}

func TestFreeAndCoalesce(t *testing.T) {
	// Allocate three adjacent regions, free them out of order, and the
	// arena must end up with a single free region spanning all three.
	r := newRoot(t, 1<<20, 0)

	a, _ := r.AllocFixed(0x10000, pageSize, mem.FlagRead)
	b, _ := r.AllocFixed(0x11000, pageSize, mem.FlagRead)
	c, _ := r.AllocFixed(0x12000, pageSize, mem.FlagRead)
	require.NotZero(t, a)
	require.NotZero(t, b)
	require.NotZero(t, c)
	checkList(t, r)

	require.False(t, r.Free(a).IsErr())
	checkList(t, r)
	require.False(t, r.Free(c).IsErr())
	checkList(t, r)
	require.False(t, r.Free(b).IsErr())
	checkList(t, r)

	// one free region covering the whole arena again
	m := r.First()
	require.NotNil(t, m)
	assert.False(t, m.Used())
	assert.Nil(t, m.Next())
	start, end := r.Bounds()
	assert.Equal(t, start, m.Start)
	assert.Equal(t, end, m.End)
}

func TestFreeErrors(t *testing.T) {
	r := newRoot(t, 1<<20, 0)

	assert.Equal(t, mem.ErrAlign, r.Free(0x10001))
	assert.Equal(t, mem.ErrNF, r.Free(0x10000))
}

func TestAllocFixed(t *testing.T) {
	r := newRoot(t, 1<<20, 0)

	t.Run("inside a free hole", func(t *testing.T) {
		va, _ := r.AllocFixed(0x40000, 2*pageSize, mem.FlagRead)
		assert.Equal(t, mem.VA(0x40000), va)
	})

	t.Run("overlapping a used region fails", func(t *testing.T) {
		va, _ := r.AllocFixed(0x40000, pageSize, mem.FlagRead)
		assert.Zero(t, va)
	})

	t.Run("running past the hole fails", func(t *testing.T) {
		va, _ := r.AllocFixed(0xff000, 2*pageSize, mem.FlagRead)
		assert.Zero(t, va)
	})

	checkList(t, r)
}

func TestUsedRegionsDisjoint(t *testing.T) {
	r := newRoot(t, 1<<24, 0)

	type span struct{ start, end uintptr }
	var spans []span

	sizes := []uintptr{pageSize, 3 * pageSize, 2 << 20, pageSize, 5 * pageSize}
	for _, s := range sizes {
		va, asize := r.Alloc(s, mem.FlagRead)
		require.NotZero(t, va)
		spans = append(spans, span{uintptr(va), uintptr(va) + asize})
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			disjoint := spans[i].end <= spans[j].start || spans[j].end <= spans[i].start
			assert.True(t, disjoint, "regions %d and %d overlap", i, j)
		}
	}
	checkList(t, r)
}

func TestReservedZoneUsedAsLastResort(t *testing.T) {
	// Arena of 32 pages with 16 reserved: ordinary allocations land
	// above the boundary, and once nothing is left up there the search
	// carves from the top of the remaining hole, dipping into the
	// reserved zone only then.
	r := newRoot(t, 32*pageSize, 16*pageSize)

	va, _ := r.Alloc(16*pageSize, mem.FlagRead)
	require.NotZero(t, va)
	assert.Equal(t, uintptr(16*pageSize), uintptr(va))

	// Only reserved pages remain; the request is carved from the top
	// end of the hole.
	va2, _ := r.Alloc(4*pageSize, mem.FlagRead)
	require.NotZero(t, va2)
	assert.Equal(t, uintptr(12*pageSize), uintptr(va2))

	// And a request larger than the whole hole still fails.
	va3, _ := r.Alloc(16*pageSize, mem.FlagRead)
	assert.Zero(t, va3)
}

func TestSharedRegionBookkeeping(t *testing.T) {
	r := newRoot(t, 1<<24, 0)

	va, _ := r.AllocShared(2*pageSize, mem.FlagRead|mem.RegionShared, 0)
	require.NotZero(t, va)

	m := r.FindUsed(va)
	require.NotNil(t, m)
	assert.Equal(t, region.Owner(0), m.Pid)
	assert.Equal(t, 1, m.Refcount, "owner holds the initial reference")

	// a referrer region carries the owner pid instead
	ref, _ := r.AllocShared(2*pageSize, mem.FlagRead|mem.RegionNonbacked, 42)
	require.NotZero(t, ref)
	rm := r.FindUsed(ref)
	require.NotNil(t, rm)
	assert.Equal(t, region.Owner(42), rm.Pid)
}
