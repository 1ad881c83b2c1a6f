// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mem

// VMFlags packs the hardware page flags and the region-tracker metadata into
// one word. The low eight bits mirror the RISC-V PTE flag layout and are the
// only bits that ever reach a page-table entry; the region bits live above
// them and must never collide.
type VMFlags uint

const (
	// Hardware page flags, low byte.
	FlagValid    VMFlags = 1 << 0
	FlagRead     VMFlags = 1 << 1
	FlagWrite    VMFlags = 1 << 2
	FlagExec     VMFlags = 1 << 3
	FlagUser     VMFlags = 1 << 4
	FlagGlobal   VMFlags = 1 << 5
	FlagAccessed VMFlags = 1 << 6
	FlagDirty    VMFlags = 1 << 7

	hwFlagBits = 8

	// Region-tracker flags, upper bits.
	RegionUsed      VMFlags = 1 << (hwFlagBits + 0)
	RegionKeep      VMFlags = 1 << (hwFlagBits + 1)
	RegionShared    VMFlags = 1 << (hwFlagBits + 2)
	RegionNonbacked VMFlags = 1 << (hwFlagBits + 3)
)

// HW strips the region metadata, leaving only bits a PTE may carry.
func (f VMFlags) HW() VMFlags {
	return f & (1<<hwFlagBits - 1)
}

// SanitizeUser clamps user-requested flags to the permission bits and forces
// valid+user, the way every memory syscall must before mapping anything.
func SanitizeUser(f VMFlags) VMFlags {
	return (f & (FlagRead | FlagWrite | FlagExec)) | FlagValid | FlagUser
}
