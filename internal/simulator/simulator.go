// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator implements in-process back-bus devices with holding
// registers, for bench runs without field hardware and for tests.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ffutop/modbus-bridge/modbus"
)

// ErrNoDevice is returned for a device id nobody answers to.
var ErrNoDevice = errors.New("simulator: no such device")

// Device is a flat holding register table.
type Device struct {
	mu        sync.RWMutex
	registers map[uint16]uint16
}

func newDevice() *Device {
	return &Device{registers: make(map[uint16]uint16)}
}

// Get returns the value of a register; unset registers read 0.
func (d *Device) Get(register uint16) uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registers[register]
}

// Set stores a register value.
func (d *Device) Set(register, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[register] = value
}

// Simulator is a set of devices on one bus.
type Simulator struct {
	mu      sync.Mutex
	devices map[uint8]*Device
	// open makes every id answer, creating devices on first use.
	open bool
}

// New returns a simulator answering to ids, or to every id if none is given.
func New(ids ...uint8) *Simulator {
	s := &Simulator{devices: make(map[uint8]*Device), open: len(ids) == 0}
	for _, id := range ids {
		s.devices[id] = newDevice()
	}
	return s
}

// Device returns the device with id, or nil if it does not answer.
func (s *Simulator) Device(id uint8) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok && s.open {
		d = newDevice()
		s.devices[id] = d
	}
	return d
}

// IDs returns the ids of the devices created so far.
func (s *Simulator) IDs() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint8, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Process executes req against device id.
func (s *Simulator) Process(id uint8, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	d := s.Device(id)
	if d == nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return d.handleReadHoldingRegisters(req), nil
	case modbus.FuncCodeWriteSingleRegister:
		return d.handleWriteSingleRegister(req), nil
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.handleWriteMultipleRegisters(req), nil
	default:
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (d *Device) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if int(address)+int(quantity) > 65536 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	respData := make([]byte, 1+2*int(quantity))
	respData[0] = byte(2 * quantity)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(respData[1+2*i:], d.registers[address+uint16(i)])
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}
}

func (d *Device) handleWriteSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	d.Set(binary.BigEndian.Uint16(req.Data[0:2]), binary.BigEndian.Uint16(req.Data[2:4]))
	return req
}

func (d *Device) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 123 || int(byteCount) != 2*int(quantity) || len(req.Data)-5 != int(byteCount) {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if int(address)+int(quantity) > 65536 {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	d.mu.Lock()
	for i := 0; i < int(quantity); i++ {
		d.registers[address+uint16(i)] = binary.BigEndian.Uint16(req.Data[5+2*i:])
	}
	d.mu.Unlock()

	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append([]byte(nil), req.Data[:4]...)}
}
