// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import "fmt"

// Token identifies the register a back-bus request belongs to. Owner is 0 for
// a group-level register, otherwise the slave id.
type Token struct {
	Group    uint8
	Owner    uint8
	Register uint16
}

// Pack encodes the token as group<<24 | owner<<16 | register.
func (t Token) Pack() uint32 {
	return uint32(t.Group)<<24 | uint32(t.Owner)<<16 | uint32(t.Register)
}

// UnpackToken is the inverse of Token.Pack.
func UnpackToken(v uint32) Token {
	return Token{
		Group:    uint8(v >> 24),
		Owner:    uint8(v >> 16),
		Register: uint16(v),
	}
}

func (t Token) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Group, t.Owner, t.Register)
}
