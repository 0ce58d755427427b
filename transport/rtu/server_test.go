// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/modbus-bridge/modbus"
)

func TestScanLoop(t *testing.T) {
	first := encodeFrame(t, 0x01, modbus.NewReadHoldingRegisters(0, 1))
	second := encodeFrame(t, 0x09, modbus.NewWriteSingleRegister(4, 0x1234))

	// the noise after the first frame is dropped without a reply
	input := append(append(append([]byte{}, first...), 0x01, 0x03, 0x00), second...)

	writer := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: writer}

	var served []byte
	handler := func(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		served = append(served, serverID)
		if pdu.FunctionCode == modbus.FuncCodeReadHoldingRegisters {
			return modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x00, 0x2A}}, nil
		}
		return pdu, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s := &Server{}
	if err := s.scanLoop(ctx, port, handler); err != nil {
		t.Fatalf("scanLoop returned %v", err)
	}

	if len(served) == 0 || served[0] != 0x01 {
		t.Fatalf("first request not served: %v", served)
	}
	want := encodeFrame(t, 0x01, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x00, 0x2A}})
	if !bytes.HasPrefix(writer.Bytes(), want) {
		t.Errorf("response mismatch.\nWant prefix: %X\nGot:         %X", want, writer.Bytes())
	}
}

func TestHandleFrame(t *testing.T) {
	echo := func(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return pdu, nil
	}
	silent := func(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return modbus.ProtocolDataUnit{}, errors.New("unknown group")
	}

	valid := encodeFrame(t, 0x05, modbus.NewWriteSingleRegister(1, 2))
	corrupt := append([]byte{}, valid...)
	corrupt[len(corrupt)-1] ^= 0xFF

	tests := []struct {
		name    string
		raw     []byte
		handler func(context.Context, byte, modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
		wantOK  bool
	}{
		{"Echo", valid, echo, true},
		{"BadCRC", corrupt, echo, false},
		{"HandlerError", valid, silent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := HandleFrame(context.Background(), tt.raw, tt.handler)
			if ok != tt.wantOK {
				t.Fatalf("HandleFrame ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !bytes.Equal(resp, tt.raw) {
				t.Errorf("response = %X, want %X", resp, tt.raw)
			}
		})
	}
}

func TestServer_FunctionCodes(t *testing.T) {
	tests := []struct {
		name string
		pdu  modbus.ProtocolDataUnit
	}{
		{"ReadCoils", modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x01}}},
		{"WriteSingleRegister", modbus.NewWriteSingleRegister(0, 0xAABB)},
		{"WriteMultipleRegisters", modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeFrame(t, 0x01, tt.pdu)
			port := &mockPort{Reader: bytes.NewReader(raw), Writer: &bytes.Buffer{}}

			var got modbus.ProtocolDataUnit
			handler := func(ctx context.Context, serverID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
				got = pdu
				return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
			}

			s := &Server{}
			if err := s.scanLoop(context.Background(), port, handler); err != nil {
				t.Fatalf("scanLoop returned %v", err)
			}
			if got.FunctionCode != tt.pdu.FunctionCode || !bytes.Equal(got.Data, tt.pdu.Data) {
				t.Errorf("handler got %+v, want %+v", got, tt.pdu)
			}
		})
	}
}
