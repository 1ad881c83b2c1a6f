// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package initrd_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/kestrel/pkg/initrd"
)

// newc builds a minimal cpio newc archive from name/data pairs.
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

func TestFind(t *testing.T) {
	img := newc(map[string]string{
		"init":  "\x13\x00\x00\x6f", // a riscv jump, near enough
		"other": "hello",
	})

	f, err := initrd.Find(img, "init")
	require.NoError(t, err)
	assert.Equal(t, "init", f.Name)
	assert.Equal(t, []byte("\x13\x00\x00\x6f"), f.Data)

	f, err = initrd.Find(img, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.Data)
}

func TestFindMissing(t *testing.T) {
	img := newc(map[string]string{"other": "hello"})

	_, err := initrd.Find(img, "init")
	require.Error(t, err)
	assert.ErrorIs(t, err, initrd.ErrNotFound)
}

func TestWalkStopsAtTrailer(t *testing.T) {
	img := newc(map[string]string{"a": "1", "b": "22", "c": "333"})

	var names []string
	err := initrd.Walk(img, func(f initrd.File) bool {
		names = append(names, f.Name)
		return false
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestCorruptArchive(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		_, err := initrd.Find([]byte("junkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunkjunk"), "init")
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		img := newc(map[string]string{"init": "data"})
		_, err := initrd.Find(img[:50], "init")
		assert.Error(t, err)
	})
}
