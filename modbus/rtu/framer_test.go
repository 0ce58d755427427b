// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ffutop/modbus-bridge/modbus"
)

func TestCalculateRequestLength(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		header   []byte
		want     int
		wantErr  bool
	}{
		{"ReadHoldingRegisters", 0x03, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 8, false},
		{"WriteSingleRegister", 0x06, []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8, false},
		{"WriteMultipleRegisters_ShortHeader", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01}, 0, true},
		{"WriteMultipleRegisters_Valid", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 7 + 2 + 2, false},
		{"UnknownFunction", 0x99, []byte{0x01, 0x99}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateRequestLength(tt.funcCode, tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("CalculateRequestLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("CalculateRequestLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func mustEncode(t *testing.T, slaveID byte, pdu modbus.ProtocolDataUnit) []byte {
	t.Helper()
	raw, err := (&ApplicationDataUnit{SlaveID: slaveID, Pdu: pdu}).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return raw
}

func TestADU_RoundTrip(t *testing.T) {
	raw := mustEncode(t, 5, modbus.NewReadHoldingRegisters(10, 2))
	if len(raw) != 8 {
		t.Fatalf("frame length = %d, want 8", len(raw))
	}

	adu, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if adu.SlaveID != 5 || adu.Pdu.FunctionCode != 0x03 {
		t.Errorf("unexpected header: slave=%d func=%d", adu.SlaveID, adu.Pdu.FunctionCode)
	}
	if !bytes.Equal(adu.Pdu.Data, []byte{0x00, 0x0A, 0x00, 0x02}) {
		t.Errorf("unexpected data: %X", adu.Pdu.Data)
	}

	raw[len(raw)-1] ^= 0xFF
	if _, err := Decode(raw); err == nil {
		t.Error("expected CRC error, got nil")
	}
}

func TestADU_Verify(t *testing.T) {
	req := &ApplicationDataUnit{SlaveID: 1, Pdu: modbus.NewWriteSingleRegister(3, 7)}

	tests := []struct {
		name    string
		resp    *ApplicationDataUnit
		wantErr bool
	}{
		{"Echo", &ApplicationDataUnit{SlaveID: 1, Pdu: modbus.NewWriteSingleRegister(3, 7)}, false},
		{"Exception", &ApplicationDataUnit{SlaveID: 1, Pdu: modbus.NewException(0x06, 0x02)}, false},
		{"OtherSlave", &ApplicationDataUnit{SlaveID: 2, Pdu: modbus.NewWriteSingleRegister(3, 7)}, true},
		{"OtherFunction", &ApplicationDataUnit{SlaveID: 1, Pdu: modbus.NewReadHoldingRegisters(3, 1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := req.Verify(tt.resp); (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadRequest(t *testing.T) {
	single := mustEncode(t, 1, modbus.NewWriteSingleRegister(0, 0xAABB))
	multi := mustEncode(t, 1, modbus.ProtocolDataUnit{
		FunctionCode: modbus.FuncCodeWriteMultipleRegisters,
		Data:         []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44},
	})

	// two frames back to back must be split exactly
	r := bytes.NewReader(append(append([]byte{}, single...), multi...))

	got, err := ReadRequest(r)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if !bytes.Equal(got, single) {
		t.Errorf("first frame = %X, want %X", got, single)
	}

	got, err = ReadRequest(r)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if !bytes.Equal(got, multi) {
		t.Errorf("second frame = %X, want %X", got, multi)
	}

	if _, err := ReadRequest(r); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReadResponse(t *testing.T) {
	deadline := time.Now().Add(time.Second)

	t.Run("Registers", func(t *testing.T) {
		resp := mustEncode(t, 1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0xAA, 0xBB}})
		// leading noise is skipped
		in := append([]byte{0x07, 0x00}, resp...)
		got, err := ReadResponse(1, 0x03, bytes.NewReader(in), deadline)
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		if !bytes.Equal(got, resp) {
			t.Errorf("got %X, want %X", got, resp)
		}
	})

	t.Run("Exception", func(t *testing.T) {
		resp := mustEncode(t, 1, modbus.NewException(0x03, 0x02))
		got, err := ReadResponse(1, 0x03, bytes.NewReader(resp), deadline)
		if err != nil {
			t.Fatalf("ReadResponse failed: %v", err)
		}
		if len(got) != ExceptionSize {
			t.Errorf("exception frame length = %d, want %d", len(got), ExceptionSize)
		}
	})

	t.Run("InvalidLength", func(t *testing.T) {
		_, err := ReadResponse(1, 0x03, bytes.NewReader([]byte{0x01, 0x03, 0x00}), deadline)
		var lengthErr *InvalidLengthError
		if !errors.As(err, &lengthErr) {
			t.Errorf("expected InvalidLengthError, got %v", err)
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		_, err := ReadResponse(1, 0x03, bytes.NewReader([]byte{0x01}), time.Now().Add(-time.Second))
		if !errors.Is(err, ErrRequestTimedOut) {
			t.Errorf("expected ErrRequestTimedOut, got %v", err)
		}
	})
}
