// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16/MODBUS checksum of RTU frames.
package crc

var table [256]uint16

func init() {
	for i := range table {
		v := uint16(i)
		for j := 0; j < 8; j++ {
			if v&1 != 0 {
				v = v>>1 ^ 0xA001
			} else {
				v >>= 1
			}
		}
		table[i] = v
	}
}

// CRC is a running CRC-16/MODBUS. The zero value must be Reset before use.
type CRC struct {
	v uint16
}

func (c *CRC) Reset() *CRC {
	c.v = 0xFFFF
	return c
}

func (c *CRC) PushBytes(bs []byte) *CRC {
	for _, b := range bs {
		c.v = c.v>>8 ^ table[byte(c.v)^b]
	}
	return c
}

// Value returns the checksum; the low byte goes on the wire first.
func (c *CRC) Value() uint16 {
	return c.v
}
