// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/internal/gateway"
	"github.com/ffutop/modbus-bridge/internal/simulator"
	"github.com/ffutop/modbus-bridge/transport"
	"github.com/ffutop/modbus-bridge/transport/local"
	"github.com/ffutop/modbus-bridge/transport/mbserver"
	"github.com/ffutop/modbus-bridge/transport/rtu"
	"github.com/ffutop/modbus-bridge/transport/rtuovertcp"
)

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	// Load Configuration
	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus Bridge...", "front", cfg.Front.Type, "back", cfg.Back.Type, "topology", cfg.Topology.Path)

	us, err := newUpstream(cfg.Front)
	if err != nil {
		slog.Error("Invalid front bus", "err", err)
		os.Exit(1)
	}
	ds, err := newDownstream(cfg.Back)
	if err != nil {
		slog.Error("Invalid back bus", "err", err)
		os.Exit(1)
	}

	gw, err := gateway.New(cfg, afero.NewOsFs(), us, ds)
	if err != nil {
		slog.Error("Failed to create bridge", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		slog.Error("Bridge stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func newUpstream(cfg config.FrontConfig) (transport.Upstream, error) {
	switch cfg.Type {
	case "rtu":
		return rtu.NewServer(cfg.Serial), nil
	case "rtu-over-tcp":
		return rtuovertcp.NewServer(cfg.Tcp.Address), nil
	case "mbserver":
		return mbserver.NewServer(cfg.Serial), nil
	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Type)
	}
}

func newDownstream(cfg config.BackConfig) (transport.Downstream, error) {
	switch cfg.Type {
	case "rtu":
		return rtu.NewClient(cfg.Serial), nil
	case "rtu-over-tcp":
		return rtuovertcp.NewClient(cfg.Tcp.Address, cfg.Timeout), nil
	case "local":
		slog.Info("Back bus simulated in process")
		return local.NewClient(simulator.New()), nil
	default:
		return nil, fmt.Errorf("unknown downstream type %q", cfg.Type)
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
