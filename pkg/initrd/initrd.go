// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package initrd reads the boot archive: a cpio "newc" image whose members
// are four-byte aligned, terminated by the TRAILER!!! record. The kernel
// only ever needs to find one member in it, the init program.
package initrd

import (
	"fmt"

	"github.com/antimetal/kestrel/pkg/errors"
)

const (
	magic   = "070701"
	trailer = "TRAILER!!!"

	hdrLen = 110
)

// ErrNotFound is returned when the archive has no member with the wanted
// name.
var ErrNotFound = errors.New("initrd: file not found")

// File is one archive member.
type File struct {
	Name string
	Data []byte
}

// hex parses one 8-character ASCII hex field of a newc header.
func hex(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		default:
			return 0, fmt.Errorf("initrd: bad hex byte %q", c)
		}
	}
	return v, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Walk calls fn for each member until it returns true or the trailer is
// reached.
func Walk(img []byte, fn func(File) bool) error {
	off := 0
	for {
		if off+hdrLen > len(img) {
			return errors.New("initrd: truncated header")
		}
		hdr := img[off : off+hdrLen]

		if string(hdr[:6]) != magic {
			return fmt.Errorf("initrd: bad magic at offset %d", off)
		}

		nameLen, err := hex(hdr[94:102])
		if err != nil {
			return err
		}
		dataLen, err := hex(hdr[54:62])
		if err != nil {
			return err
		}

		nameOff := off + hdrLen
		if nameOff+int(nameLen) > len(img) {
			return errors.New("initrd: truncated name")
		}
		// nameLen includes the NUL terminator.
		name := string(img[nameOff : nameOff+int(nameLen)-1])

		if name == trailer {
			return nil
		}

		dataOff := align4(nameOff + int(nameLen))
		if dataOff+int(dataLen) > len(img) {
			return errors.New("initrd: truncated data")
		}

		if fn(File{Name: name, Data: img[dataOff : dataOff+int(dataLen)]}) {
			return nil
		}

		off = align4(dataOff + int(dataLen))
	}
}

// Find returns the member with the given name.
func Find(img []byte, name string) (File, error) {
	var found *File
	err := Walk(img, func(f File) bool {
		if f.Name == name {
			found = &f
			return true
		}
		return false
	})
	if err != nil {
		return File{}, err
	}
	if found == nil {
		return File{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return *found, nil
}
