// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gateway assembles the bridge: topology, address space, poller,
// back requester and front responder around one front and one back bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/ffutop/modbus-bridge/internal/addrspace"
	"github.com/ffutop/modbus-bridge/internal/backpressure"
	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/internal/metrics"
	"github.com/ffutop/modbus-bridge/internal/persistence"
	"github.com/ffutop/modbus-bridge/internal/poller"
	"github.com/ffutop/modbus-bridge/internal/requester"
	"github.com/ffutop/modbus-bridge/internal/responder"
	"github.com/ffutop/modbus-bridge/internal/topology"
	"github.com/ffutop/modbus-bridge/transport"
)

// Gateway represents a single bridge instance.
type Gateway struct {
	cfg *config.Config

	upstream   transport.Upstream
	downstream transport.Downstream

	file      *topology.FileStore
	store     *topology.Store
	space     *addrspace.Space
	control   *backpressure.Controller
	metrics   *metrics.Metrics
	requester *requester.Requester
	scheduler *poller.Scheduler
	responder *responder.Responder
}

// New loads the topology from fsys and builds the address space. Nothing
// runs until Start.
func New(cfg *config.Config, fsys afero.Fs, upstream transport.Upstream, downstream transport.Downstream) (*Gateway, error) {
	file := topology.NewFileStore(fsys, cfg.Topology.Path)
	groups, err := file.Load()
	if err != nil {
		return nil, err
	}
	store, err := topology.NewStore(groups, file)
	if err != nil {
		return nil, err
	}

	storage, err := persistence.New(cfg.Cache.Persistence.Type, cfg.Cache.Persistence.Path)
	if err != nil {
		return nil, err
	}
	space, err := addrspace.New(storage)
	if err != nil {
		storage.Close()
		return nil, err
	}

	control, err := backpressure.New(cfg.Poll.MinDelay, cfg.Poll.MaxDelay)
	if err != nil {
		space.Close()
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		upstream:   upstream,
		downstream: downstream,
		file:       file,
		store:      store,
		space:      space,
		control:    control,
		metrics:    metrics.New(),
	}
	g.requester = requester.New(downstream, space, control, g.metrics, requester.Config{
		QueueSize: cfg.Back.QueueSize,
		Timeout:   cfg.Back.Timeout,
	})
	g.metrics.Observe(control.Pending, control.Delay)
	g.scheduler = poller.New(space, g.requester, control, g.metrics, cfg.Poll.Tick)
	g.responder = responder.New(space, g.requester, g.metrics)

	if err := g.build(store.Snapshot()); err != nil {
		space.Close()
		return nil, err
	}
	store.OnChange(g.rebuild)
	return g, nil
}

// Store returns the topology, the only entry point for changing the mapping.
func (g *Gateway) Store() *topology.Store { return g.store }

// Space returns the address space.
func (g *Gateway) Space() *addrspace.Space { return g.space }

// Metrics returns the collectors and status counters.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Requester returns the back requester.
func (g *Gateway) Requester() *requester.Requester { return g.requester }

func (g *Gateway) build(groups []topology.Group) error {
	if err := g.space.Build(groups); err != nil {
		return fmt.Errorf("failed to build address space: %w", err)
	}
	n := mapped(g.space.Layout())
	g.metrics.Rebuilt(n)
	slog.Info("address space built", "groups", len(groups), "registers", n)
	return nil
}

func (g *Gateway) rebuild(groups []topology.Group) {
	if err := g.build(groups); err != nil {
		slog.Error("Topology change not applied", "err", err)
	}
}

func mapped(layout []addrspace.GroupLayout) int {
	n := 0
	for _, gl := range layout {
		n += len(gl.Registers)
		for _, sl := range gl.Slaves {
			n += len(sl.Registers)
		}
	}
	return n
}

// Start runs the bridge until ctx is done or the front bus fails, then
// releases every resource.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.downstream.Connect(ctx); err != nil {
		// The back bus reconnects on the next request.
		slog.Error("Failed to connect downstream", "err", err)
	}

	var upErr error
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := g.requester.Run(ctx); err != nil {
			slog.Error("Requester stopped with error", "err", err)
		}
	})
	wg.Go(func() {
		if err := g.scheduler.Run(ctx); err != nil {
			slog.Error("Poller stopped with error", "err", err)
		}
	})
	wg.Go(func() {
		slog.Info("Starting upstream", "type", g.cfg.Front.Type)
		if err := g.upstream.Start(ctx, g.responder.Handle); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Upstream stopped with error", "err", err)
			upErr = err
			cancel()
		}
	})
	if g.cfg.Topology.Watch {
		wg.Go(func() {
			if err := topology.Watch(ctx, g.file, g.store); err != nil {
				slog.Warn("Topology watch disabled", "err", err)
			}
		})
	}
	if g.cfg.Metrics.Address != "" {
		wg.Go(func() {
			if err := g.metrics.Serve(ctx, g.cfg.Metrics.Address); err != nil {
				slog.Error("Metrics server stopped with error", "err", err)
			}
		})
	}
	if g.cfg.Cache.FlushInterval > 0 {
		wg.Go(func() { g.flushLoop(ctx, g.cfg.Cache.FlushInterval) })
	}

	<-ctx.Done()
	wg.Wait()

	return multierr.Combine(upErr, g.close())
}

func (g *Gateway) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.space.Flush(); err != nil {
				slog.Warn("Failed to flush register cache", "err", err)
			}
		}
	}
}

// close shuts the buses before the cache so that the last values land in
// the final flush.
func (g *Gateway) close() error {
	return multierr.Combine(
		g.upstream.Close(),
		g.downstream.Close(),
		g.space.Close(),
	)
}
