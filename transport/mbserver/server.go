// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mbserver serves the front bus with the tbrandon/mbserver engine
// instead of the built-in RTU scanner.
package mbserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/transport"
)

// functionCodes are taken over from the engine's built-in register memory.
var functionCodes = []uint8{
	modbus.FuncCodeReadCoils,
	modbus.FuncCodeReadDiscreteInputs,
	modbus.FuncCodeReadHoldingRegisters,
	modbus.FuncCodeReadInputRegisters,
	modbus.FuncCodeWriteSingleCoil,
	modbus.FuncCodeWriteSingleRegister,
	modbus.FuncCodeWriteMultipleCoils,
	modbus.FuncCodeWriteMultipleRegisters,
}

// Server is an Upstream on a serial line backed by mbserver.
//
// The engine always replies, so an unknown group is answered with a
// gateway-path-unavailable exception rather than silence.
type Server struct {
	Config config.SerialConfig

	mu     sync.Mutex
	server *mbserver.Server
}

// NewServer creates a new mbserver backed Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{Config: cfg}
}

func newSerialConfig(cfg config.SerialConfig) *serial.Config {
	c := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	}
	if cfg.RS485 {
		c.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return c
}

// Start opens the serial port and serves requests until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	srv := mbserver.NewServer()
	fn := functionHandler(ctx, handler)
	for _, code := range functionCodes {
		srv.RegisterFunctionHandler(code, fn)
	}

	if err := srv.ListenRTU(newSerialConfig(s.Config)); err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	slog.Info("mbserver RTU server listening", "device", s.Config.Device, "baud", s.Config.BaudRate)

	<-ctx.Done()
	return s.Close()
}

// Close closes the serial port.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
	return nil
}

// functionHandler adapts handler to the engine's per function callback.
func functionHandler(ctx context.Context, handler transport.RequestHandler) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		pdu := modbus.ProtocolDataUnit{
			FunctionCode: frame.GetFunction(),
			Data:         frame.GetData(),
		}
		resp, err := handler(ctx, serverID(frame), pdu)
		switch {
		case errors.Is(err, bridge.ErrUnknownGroup):
			return nil, &mbserver.GatewayPathUnavailable
		case err != nil:
			slog.Warn("Front request failed", "function", pdu.FunctionCode, "err", err)
			return nil, &mbserver.SlaveDeviceFailure
		case resp.IsException():
			e := mbserver.Exception(resp.ExceptionCode())
			return nil, &e
		}
		return resp.Data, &mbserver.Success
	}
}

func serverID(frame mbserver.Framer) byte {
	switch f := frame.(type) {
	case *mbserver.RTUFrame:
		return f.Address
	case *mbserver.TCPFrame:
		return f.Device
	}
	if b := frame.Bytes(); len(b) > 0 {
		return b[0]
	}
	return 0
}
