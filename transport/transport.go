// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the two bus roles of the bridge.
//
// The front bus is served by an Upstream: a field master talks to us and every
// decoded request is handed to a RequestHandler as (server id, PDU). The back
// bus is driven through a Downstream: we are the master and address physical
// devices by id.
package transport

import (
	"context"

	"github.com/ffutop/modbus-bridge/modbus"
)

// RequestHandler answers one front-bus request. A non-nil error means the
// request is dropped without a reply where the link allows it.
type RequestHandler func(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// Upstream represents a source of requests (a Modbus master connected to us).
type Upstream interface {
	// Start serves requests until ctx is done. It blocks.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// Downstream represents a bus on which we are the master.
type Downstream interface {
	// Send sends a PDU to device and returns its response PDU. Exception
	// responses are returned as PDUs, not errors.
	Send(ctx context.Context, device byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	Connect(ctx context.Context) error
	Close() error
}
