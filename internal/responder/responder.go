// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package responder answers the front-bus master. Every server id addresses
// the group of the same id: reads are served from the cache, writes are
// queued for the back bus and acknowledged at once.
package responder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/metrics"
	"github.com/ffutop/modbus-bridge/internal/requester"
	"github.com/ffutop/modbus-bridge/modbus"
)

// Space is the part of the address space the responder needs.
type Space interface {
	GroupExists(group uint8) bool
	RegisterCount(group uint8) int
	ReadRange(group uint8, addr, count uint16) ([]uint16, error)
	Resolve(group uint8, addr uint16) (owner uint8, register uint16, err error)
	RemoteAddress(group uint8) (uint8, bool)
}

// Submitter accepts back-bus requests.
type Submitter interface {
	Submit(req requester.Request) error
}

// Observer counts front-bus traffic.
type Observer interface {
	FrontRequest(function byte, result string)
}

// Responder implements the front-bus slave.
type Responder struct {
	space    Space
	submit   Submitter
	observer Observer
}

func New(space Space, submit Submitter, observer Observer) *Responder {
	return &Responder{space: space, submit: submit, observer: observer}
}

// Read returns count cached values of group starting at addr.
func (r *Responder) Read(group uint8, addr, count uint16) ([]uint16, error) {
	if !r.space.GroupExists(group) {
		return nil, fmt.Errorf("group %d: %w", group, bridge.ErrUnknownGroup)
	}
	if count == 0 || count > modbus.MaxReadRegisters || int(addr)+int(count) > r.space.RegisterCount(group) {
		return nil, fmt.Errorf("group %d read %d+%d: %w", group, addr, count, bridge.ErrIllegalAddress)
	}
	return r.space.ReadRange(group, addr, count)
}

// Write queues value for the register behind addr. It returns as soon as the
// request is queued; the cache changes once the device confirms.
func (r *Responder) Write(group uint8, addr, value uint16) error {
	if !r.space.GroupExists(group) {
		return fmt.Errorf("group %d: %w", group, bridge.ErrUnknownGroup)
	}
	owner, register, err := r.space.Resolve(group, addr)
	if err != nil {
		return err
	}
	device, ok := r.space.RemoteAddress(group)
	if !ok {
		return fmt.Errorf("group %d: %w", group, bridge.ErrUnknownGroup)
	}

	req := requester.Request{
		Token:    bridge.Token{Group: group, Owner: owner, Register: register},
		Device:   device,
		Function: modbus.FuncCodeWriteSingleRegister,
		Register: register,
		Value:    value,
	}
	if err := r.submit.Submit(req); err != nil {
		return fmt.Errorf("group %d write %d: %w", group, addr, bridge.ErrQueueFull)
	}
	slog.Debug("front write queued", "token", req.Token, "device", device, "value", value)
	return nil
}

// Handle is the transport.RequestHandler of the front bus. An unknown group
// is returned as an error so that serial links stay silent.
func (r *Responder) Handle(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	resp, err := r.handle(serverID, pdu)
	switch {
	case err != nil:
		r.observe(pdu.FunctionCode, metrics.FrontSilent)
	case resp.IsException():
		r.observe(pdu.FunctionCode, metrics.FrontException)
	default:
		r.observe(pdu.FunctionCode, metrics.FrontAnswered)
	}
	return resp, err
}

func (r *Responder) handle(group uint8, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeWriteSingleRegister:
	default:
		return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
	if len(pdu.Data) != 4 {
		return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu.Data[0:2])
	arg := binary.BigEndian.Uint16(pdu.Data[2:4])

	if pdu.FunctionCode == modbus.FuncCodeWriteSingleRegister {
		if err := r.Write(group, addr, arg); err != nil {
			return exception(pdu.FunctionCode, err)
		}
		return modbus.NewWriteSingleRegister(addr, arg), nil
	}

	values, err := r.Read(group, addr, arg)
	if err != nil {
		return exception(pdu.FunctionCode, err)
	}
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}, nil
}

// exception maps a bridge error onto the exception PDU the master sees.
func exception(function byte, err error) (modbus.ProtocolDataUnit, error) {
	switch {
	case errors.Is(err, bridge.ErrUnknownGroup):
		return modbus.ProtocolDataUnit{}, err
	case errors.Is(err, bridge.ErrIllegalAddress):
		return modbus.NewException(function, modbus.ExceptionCodeIllegalDataAddress), nil
	case errors.Is(err, bridge.ErrQueueFull):
		slog.Warn("front request rejected, back bus busy", "func", function, "err", err)
		return modbus.NewException(function, modbus.ExceptionCodeServerDeviceBusy), nil
	default:
		slog.Error("front request failed", "func", function, "err", err)
		return modbus.NewException(function, modbus.ExceptionCodeServerDeviceFailure), nil
	}
}

func (r *Responder) observe(function byte, result string) {
	if r.observer != nil {
		r.observer.FrontRequest(function, result)
	}
}
