// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge holds the vocabulary shared by the front and back halves of
// the bridge: the error taxonomy and the correlation token.
package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownGroup is returned for a front-bus server id that names no group.
	ErrUnknownGroup = errors.New("bridge: unknown group")
	// ErrIllegalAddress is returned for a virtual address outside the group table.
	ErrIllegalAddress = errors.New("bridge: illegal data address")
	// ErrQueueFull is returned when the back bus cannot accept another request.
	ErrQueueFull = errors.New("bridge: back bus queue full")
	// ErrTimeout is returned when a back-bus device did not answer in time.
	ErrTimeout = errors.New("bridge: back bus timeout")
)

// ProtocolError is a Modbus exception returned by a back-bus device.
type ProtocolError struct {
	Function byte
	Code     byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bridge: device answered function 0x%02X with exception 0x%02X", e.Function, e.Code)
}
