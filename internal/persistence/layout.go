// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"
)

// totalSize is the byte size of a persisted arena.
const totalSize = Slots * 2

// bytesToSlots returns the arena backed by data without copying.
// Warning: multi-byte values use the host's byte order, so a cache file is
// not portable across architectures with different endianness.
func bytesToSlots(data []byte) []uint16 {
	return unsafe.Slice((*uint16)(unsafe.Pointer(&data[0])), len(data)/2)
}
