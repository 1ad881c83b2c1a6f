// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sptree_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/pkg/sptree"
)

type item struct {
	node sptree.Node[*item]
	key  int
}

func insert(tr *sptree.Tree[*item], it *item) {
	it.node.Item = it

	n := tr.Root()
	var p *sptree.Node[*item]
	d := sptree.Left
	for n != nil {
		p = n
		if it.key < n.Item.key {
			n = n.Left()
			d = sptree.Left
		} else {
			n = n.Right()
			d = sptree.Right
		}
	}
	tr.Insert(p, &it.node, d)
}

func find(tr *sptree.Tree[*item], key int) *item {
	n := tr.Root()
	for n != nil {
		if n.Item.key == key {
			return n.Item
		}
		if key < n.Item.key {
			n = n.Left()
		} else {
			n = n.Right()
		}
	}
	return nil
}

func inorder(n *sptree.Node[*item], out *[]int) {
	if n == nil {
		return
	}
	inorder(n.Left(), out)
	*out = append(*out, n.Item.key)
	inorder(n.Right(), out)
}

func depth(n *sptree.Node[*item]) int {
	if n == nil {
		return 0
	}
	l := depth(n.Left())
	r := depth(n.Right())
	if l > r {
		return l + 1
	}
	return r + 1
}

func checkParents(t *testing.T, n *sptree.Node[*item]) {
	if n == nil {
		return
	}
	if l := n.Left(); l != nil {
		require.Same(t, n, l.Parent())
		checkParents(t, l)
	}
	if r := n.Right(); r != nil {
		require.Same(t, n, r.Parent())
		checkParents(t, r)
	}
}

func TestInsertOrdering(t *testing.T) {
	var tr sptree.Tree[*item]

	keys := []int{5, 2, 8, 1, 9, 3, 7, 4, 6, 0}
	for _, k := range keys {
		insert(&tr, &item{key: k})
	}

	var got []int
	inorder(tr.Root(), &got)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	checkParents(t, tr.Root())
}

func TestRemove(t *testing.T) {
	t.Run("leaf, one child, two children, root", func(t *testing.T) {
		var tr sptree.Tree[*item]
		items := make(map[int]*item)
		for _, k := range []int{50, 25, 75, 10, 30, 60, 90, 5, 28, 65} {
			it := &item{key: k}
			items[k] = it
			insert(&tr, it)
		}

		for _, k := range []int{5, 60, 25, 50} {
			tr.Remove(&items[k].node)
			delete(items, k)

			var got []int
			inorder(tr.Root(), &got)
			want := make([]int, 0, len(items))
			for kk := range items {
				want = append(want, kk)
			}
			sort.Ints(want)
			require.Equal(t, want, got, "after removing %d", k)
			checkParents(t, tr.Root())
		}
	})

	t.Run("drain to empty", func(t *testing.T) {
		var tr sptree.Tree[*item]
		var items []*item
		for k := 0; k < 32; k++ {
			it := &item{key: k}
			items = append(items, it)
			insert(&tr, it)
		}
		for _, it := range items {
			tr.Remove(&it.node)
		}
		assert.True(t, tr.Empty())
	})
}

func TestRandomizedAgainstSortedSet(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var tr sptree.Tree[*item]
	live := make(map[int]*item)

	for i := 0; i < 5000; i++ {
		k := rng.Intn(1000)
		if it, ok := live[k]; ok {
			tr.Remove(&it.node)
			delete(live, k)
		} else {
			it := &item{key: k}
			live[k] = it
			insert(&tr, it)
		}
	}

	var got []int
	inorder(tr.Root(), &got)
	want := make([]int, 0, len(live))
	for k := range live {
		want = append(want, k)
	}
	sort.Ints(want)
	require.Equal(t, want, got)
	checkParents(t, tr.Root())

	for k, it := range live {
		require.Same(t, it, find(&tr, k))
	}
}

func TestBalanceStaysReasonable(t *testing.T) {
	// The height hints are approximate, not AVL-tight, but sequential
	// insertion must not degenerate into a list.
	var tr sptree.Tree[*item]
	for k := 0; k < 4096; k++ {
		insert(&tr, &item{key: k})
	}
	assert.Less(t, depth(tr.Root()), 64)
}

func TestFirstLast(t *testing.T) {
	var tr sptree.Tree[*item]
	for _, k := range []int{4, 2, 6, 1, 7} {
		insert(&tr, &item{key: k})
	}
	assert.Equal(t, 1, sptree.First(tr.Root()).Item.key)
	assert.Equal(t, 7, sptree.Last(tr.Root()).Item.key)
}
