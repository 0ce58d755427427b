// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol data unit shared by every bus engine.
package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	// Bit access
	FuncCodeReadDiscreteInputs = 2
	FuncCodeReadCoils          = 1
	FuncCodeWriteSingleCoil    = 5
	FuncCodeWriteMultipleCoils = 15

	// 16-bit access
	FuncCodeReadInputRegisters         = 4
	FuncCodeReadHoldingRegisters       = 3
	FuncCodeWriteSingleRegister        = 6
	FuncCodeWriteMultipleRegisters     = 16
	FuncCodeReadWriteMultipleRegisters = 23
	FuncCodeMaskWriteRegister          = 22
	FuncCodeReadFIFOQueue              = 24

	FuncCodeReadDeviceIdentification = 43
)

const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeServerDeviceBusy                   = 6
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeGatewayPathUnavailable             = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// MaxReadRegisters is the largest quantity a single FC03/FC04 request may carry.
const MaxReadRegisters = 125

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU is an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&0x80 != 0
}

// ExceptionCode returns the exception code of an exception response, or 0.
func (pdu ProtocolDataUnit) ExceptionCode() byte {
	if !pdu.IsException() || len(pdu.Data) < 1 {
		return 0
	}
	return pdu.Data[0]
}

// NewException builds the exception response for a request function code.
func NewException(functionCode, code byte) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{code},
	}
}

// NewReadHoldingRegisters builds an FC03 request.
func NewReadHoldingRegisters(address, quantity uint16) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         dataBlock(address, quantity),
	}
}

// NewWriteSingleRegister builds an FC06 request.
func NewWriteSingleRegister(address, value uint16) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         dataBlock(address, value),
	}
}

// Registers decodes the byte-count prefixed payload of a register read response.
func (pdu ProtocolDataUnit) Registers() ([]uint16, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("modbus: response data is empty")
	}
	count := int(pdu.Data[0])
	if count%2 != 0 || len(pdu.Data)-1 < count {
		return nil, fmt.Errorf("modbus: response byte count '%v' does not match data size '%v'", count, len(pdu.Data)-1)
	}
	regs := make([]uint16, count/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(pdu.Data[1+i*2:])
	}
	return regs, nil
}

// Transporter specifies the transport layer.
type Transporter interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}
