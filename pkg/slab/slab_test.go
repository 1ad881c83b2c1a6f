// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package slab_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/pkg/slab"
)

type node struct {
	a, b int
}

func TestGetReturnsZeroed(t *testing.T) {
	a := slab.New[node](4)

	n := a.Get()
	n.a, n.b = 7, 9
	a.Put(n)

	m := a.Get()
	assert.Equal(t, 0, m.a)
	assert.Equal(t, 0, m.b)
}

func TestGrowsPastOneSlab(t *testing.T) {
	a := slab.New[node](4)

	var nodes []*node
	for i := 0; i < 19; i++ {
		n := a.Get()
		n.a = i
		nodes = append(nodes, n)
	}
	assert.Equal(t, 19, a.Live())

	// every pointer distinct and stable
	seen := make(map[*node]bool)
	for i, n := range nodes {
		require.False(t, seen[n])
		seen[n] = true
		require.Equal(t, i, n.a)
	}

	for _, n := range nodes {
		a.Put(n)
	}
	assert.Equal(t, 0, a.Live())
}

func TestReuseAfterPut(t *testing.T) {
	a := slab.New[node](2)

	n1 := a.Get()
	n2 := a.Get()
	a.Put(n1)

	n3 := a.Get()
	assert.Same(t, n1, n3)

	a.Put(n2)
	a.Put(n3)
}

func TestDoubleFreePanics(t *testing.T) {
	a := slab.New[node](4)
	n := a.Get()
	a.Put(n)
	assert.Panics(t, func() { a.Put(n) })
}

func TestForeignPointerPanics(t *testing.T) {
	a := slab.New[node](4)
	assert.Panics(t, func() { a.Put(&node{}) })
}

func TestChurn(t *testing.T) {
	a := slab.New[node](8)

	live := make(map[*node]int)
	id := 0
	for round := 0; round < 100; round++ {
		for i := 0; i < 16; i++ {
			n := a.Get()
			n.a = id
			live[n] = id
			id++
		}
		for n, want := range live {
			require.Equal(t, want, n.a)
			a.Put(n)
			delete(live, n)
			if len(live) <= 8 {
				break
			}
		}
	}
	assert.Equal(t, len(live), a.Live())
}
