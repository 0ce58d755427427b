// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-bridge/internal/simulator"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/modbus/rtu"
)

// Client implements Downstream on top of an in-process simulator.
type Client struct {
	sim *simulator.Simulator
}

// NewClient creates a new Local Client.
func NewClient(sim *simulator.Simulator) *Client {
	return &Client{sim: sim}
}

// Simulator returns the devices behind the client.
func (c *Client) Simulator() *simulator.Simulator {
	return c.sim
}

// Send processes the PDU locally. A device that does not exist behaves like a
// silent one on a real bus.
func (c *Client) Send(ctx context.Context, device byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	resp, err := c.sim.Process(device, pdu)
	if errors.Is(err, simulator.ErrNoDevice) {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: %v", rtu.ErrRequestTimedOut, err)
	}
	return resp, err
}

// Connect is a no-op for local devices.
func (c *Client) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op for local devices.
func (c *Client) Close() error {
	return nil
}
