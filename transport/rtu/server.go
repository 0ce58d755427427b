// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ffutop/modbus-bridge/internal/config"
	rtupacket "github.com/ffutop/modbus-bridge/modbus/rtu"
	"github.com/ffutop/modbus-bridge/transport"
	"github.com/grid-x/serial"
)

// Server is the front-bus slave on a serial line. It answers every server id.
type Server struct {
	Config config.SerialConfig

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{
		Config: cfg,
	}
}

// Start opens the serial port and serves requests until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	spConfig := newSerialConfig(s.Config)
	port, err := serial.Open(&spConfig)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	slog.Info("RTU server listening", "device", s.Config.Device, "baud", spConfig.BaudRate)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.scanLoop(ctx, port, handler)
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := rtupacket.ReadRequest(port)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			// partial frame or line noise: resynchronise on the next byte
			continue
		}

		resp, ok := HandleFrame(ctx, raw, handler)
		if !ok {
			continue
		}
		if _, err := port.Write(resp); err != nil {
			slog.Error("failed to write front bus response", "err", err)
		}
	}
}

// HandleFrame decodes one raw request frame, dispatches it and encodes the
// reply. It reports false when nothing must be sent back: a CRC mismatch or a
// handler error.
func HandleFrame(ctx context.Context, raw []byte, handler transport.RequestHandler) ([]byte, bool) {
	adu, err := rtupacket.Decode(raw)
	if err != nil {
		slog.Debug("dropping front bus frame", "frame", hex.EncodeToString(raw), "err", err)
		return nil, false
	}

	respPdu, err := handler(ctx, adu.SlaveID, adu.Pdu)
	if err != nil {
		slog.Debug("front bus request left unanswered", "server", adu.SlaveID, "func", adu.Pdu.FunctionCode, "err", err)
		return nil, false
	}

	resp := &rtupacket.ApplicationDataUnit{SlaveID: adu.SlaveID, Pdu: respPdu}
	respRaw, err := resp.Encode()
	if err != nil {
		slog.Error("failed to encode front bus response", "err", err)
		return nil, false
	}
	return respRaw, true
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
