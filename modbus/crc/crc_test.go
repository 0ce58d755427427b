// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestCRC_Incremental(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}

	var whole, parts CRC
	whole.Reset().PushBytes(frame)
	parts.Reset().PushBytes(frame[:2]).PushBytes(frame[2:])

	if whole.Value() != parts.Value() {
		t.Fatalf("incremental crc %04X differs from whole %04X", parts.Value(), whole.Value())
	}
	// well-known checksum of "read one holding register at 0 from slave 1"
	if whole.Value() != 0x0A84 {
		t.Fatalf("crc expected %04X, actual %04X", 0x0A84, whole.Value())
	}
}
