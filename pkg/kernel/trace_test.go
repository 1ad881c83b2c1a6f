// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/pkg/mem"
)

func TestTraceJournal(t *testing.T) {
	layout := mem.NewLayout(12, []uint{9, 9, 9})

	t.Run("capacity follows the machine geometry", func(t *testing.T) {
		one := newTrace(layout, 1)
		two := newTrace(layout, 2)
		assert.Equal(t, int(layout.BasePageSize()/eventBytes), len(one.slots))
		assert.Equal(t, 2*len(one.slots), len(two.slots))
	})

	tr := newTrace(layout, 1)
	capacity := len(tr.slots)

	for i := 0; i < capacity+5; i++ {
		tr.push(Event{Kind: EventSyscall, Tid: ThreadID(i + 1)})
	}

	t.Run("oldest entries are overwritten", func(t *testing.T) {
		assert.Equal(t, capacity, tr.Len())
		assert.Equal(t, uint64(5), tr.Dropped())

		evs := tr.Events()
		require.Len(t, evs, capacity)
		assert.Equal(t, ThreadID(6), evs[0].Tid, "first five events gone")
		assert.Equal(t, ThreadID(capacity+5), evs[len(evs)-1].Tid)

		// sequence numbers stay contiguous across the wrap
		for i := 1; i < len(evs); i++ {
			require.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
		}
	})

	t.Run("count filters by kind and thread", func(t *testing.T) {
		tr.push(Event{Kind: EventOrphan, Tid: 42})
		tr.push(Event{Kind: EventOrphan, Tid: 43})
		tr.push(Event{Kind: EventNotify, Tid: 42})

		assert.Equal(t, 2, tr.Count(EventOrphan, 0))
		assert.Equal(t, 1, tr.Count(EventOrphan, 42))
		assert.Equal(t, 1, tr.Count(EventNotify, 42))
		assert.Equal(t, 0, tr.Count(EventIPI, 0))
	})
}

func TestSyscallsLandInJournal(t *testing.T) {
	k := newTestKernel(t)
	p := newProc(t, k, 0, 0)
	k.UseTCB(0, p)

	k.Syscall(0, SysNoop, 0, 0, 0, 0, 0)
	k.Syscall(0, SysNoop, 0, 0, 0, 0, 0)

	assert.Equal(t, 2, k.Trace().Count(EventSyscall, p.Tid))
	assert.Zero(t, k.Trace().Dropped())
}
