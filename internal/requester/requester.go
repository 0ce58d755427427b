// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package requester drives the back bus: a bounded queue of requests, one
// worker sending them in order and one goroutine resolving the answers into
// the register cache.
package requester

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/metrics"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/modbus/rtu"
	"github.com/ffutop/modbus-bridge/transport"
)

const (
	DefaultQueueSize = 32
	DefaultTimeout   = 500 * time.Millisecond
)

// Request is one back-bus exchange on behalf of a cached register.
type Request struct {
	Token    bridge.Token
	Device   uint8
	Function byte
	Register uint16
	// Value is the value to write for FC06.
	Value uint16

	seq uint64
}

// PDU encodes the request. FC03 always reads a single register.
func (r Request) PDU() modbus.ProtocolDataUnit {
	if r.Function == modbus.FuncCodeWriteSingleRegister {
		return modbus.NewWriteSingleRegister(r.Register, r.Value)
	}
	return modbus.NewReadHoldingRegisters(r.Register, 1)
}

// Completion is the outcome of a request.
type Completion struct {
	Request  Request
	Response modbus.ProtocolDataUnit
	Err      error
}

// Cache receives the values read or written on the back bus.
type Cache interface {
	UpdateByToken(token bridge.Token, value uint16) error
}

// Counter tracks unresolved requests.
type Counter interface {
	Increment()
	Decrement()
}

// Observer counts traffic.
type Observer interface {
	BackSent(function byte)
	BackResolved(result string)
}

// Config holds the tunables of the back bus.
type Config struct {
	QueueSize int
	Timeout   time.Duration
}

// Requester owns the back bus.
type Requester struct {
	down     transport.Downstream
	cache    Cache
	counter  Counter
	observer Observer
	timeout  time.Duration

	queue       chan Request
	completions chan Completion
	seq         atomic.Uint64

	// mu guards running and outstanding. Submit holds it while enqueueing so
	// that shutdown can drain the queue completely.
	mu          sync.Mutex
	started     bool
	running     bool
	outstanding map[uint64]Request
}

// New returns a requester; it accepts requests once Run has started.
func New(down transport.Downstream, cache Cache, counter Counter, observer Observer, cfg Config) *Requester {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Requester{
		down:        down,
		cache:       cache,
		counter:     counter,
		observer:    observer,
		timeout:     cfg.Timeout,
		queue:       make(chan Request, cfg.QueueSize),
		completions: make(chan Completion, cfg.QueueSize),
		outstanding: make(map[uint64]Request),
	}
}

// Submit enqueues req without blocking. It fails with bridge.ErrQueueFull
// when the queue is saturated or the back bus is not running.
func (r *Requester) Submit(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("back bus not running: %w", bridge.ErrQueueFull)
	}

	req.seq = r.seq.Inc()
	r.counter.Increment()
	select {
	case r.queue <- req:
		r.outstanding[req.seq] = req
		return nil
	default:
		r.counter.Decrement()
		return bridge.ErrQueueFull
	}
}

// Outstanding returns the accepted requests not yet resolved, oldest first.
func (r *Requester) Outstanding() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, 0, len(r.outstanding))
	for _, req := range r.outstanding {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Run serves the queue until ctx is done. Requests still queued at that
// point complete with context.Canceled. Run may only be called once.
func (r *Requester) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("requester already started")
	}
	r.started = true
	r.running = true
	r.mu.Unlock()

	var wg conc.WaitGroup
	wg.Go(func() { r.work(ctx) })
	wg.Go(func() {
		for c := range r.completions {
			r.resolve(c)
		}
	})
	wg.Wait()
	return nil
}

func (r *Requester) work(ctx context.Context) {
	defer close(r.completions)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			for {
				select {
				case req := <-r.queue:
					r.completions <- Completion{Request: req, Err: context.Canceled}
				default:
					return
				}
			}
		case req := <-r.queue:
			r.completions <- r.exchange(ctx, req)
		}
	}
}

// exchange sends one request and classifies the outcome.
func (r *Requester) exchange(ctx context.Context, req Request) Completion {
	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.observer != nil {
		r.observer.BackSent(req.Function)
	}
	resp, err := r.down.Send(sendCtx, req.Device, req.PDU())
	switch {
	case err == nil && resp.IsException():
		return Completion{Request: req, Response: resp, Err: &bridge.ProtocolError{Function: req.Function, Code: resp.ExceptionCode()}}
	case err == nil:
		return Completion{Request: req, Response: resp}
	case ctx.Err() != nil:
		return Completion{Request: req, Err: context.Canceled}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rtu.ErrRequestTimedOut), errors.Is(err, os.ErrDeadlineExceeded):
		return Completion{Request: req, Err: fmt.Errorf("%w: %v", bridge.ErrTimeout, err)}
	default:
		return Completion{Request: req, Err: err}
	}
}

// resolve applies a completion to the cache. Every completion decrements the
// counter exactly once.
func (r *Requester) resolve(c Completion) {
	defer func() {
		r.mu.Lock()
		delete(r.outstanding, c.Request.seq)
		r.mu.Unlock()
		r.counter.Decrement()
	}()

	req := c.Request
	if c.Err != nil {
		result := classify(c.Err)
		if result == metrics.ResultCanceled {
			slog.Debug("back bus request canceled", "token", req.Token, "device", req.Device)
		} else {
			slog.Warn("back bus request failed", "token", req.Token, "device", req.Device, "func", req.Function, "register", req.Register, "err", c.Err)
		}
		r.observe(result)
		return
	}

	value, err := responseValue(req, c.Response)
	if err != nil {
		slog.Warn("malformed back bus response", "token", req.Token, "device", req.Device, "err", err)
		r.observe(metrics.ResultError)
		return
	}
	if err := r.cache.UpdateByToken(req.Token, value); err != nil {
		// the register was removed from the topology while in flight
		slog.Debug("discarding back bus response", "token", req.Token, "err", err)
	}
	slog.Debug("back bus response", "token", req.Token, "device", req.Device, "value", value)
	r.observe(metrics.ResultOK)
}

func (r *Requester) observe(result string) {
	if r.observer != nil {
		r.observer.BackResolved(result)
	}
}

func classify(err error) string {
	var perr *bridge.ProtocolError
	switch {
	case errors.Is(err, context.Canceled):
		return metrics.ResultCanceled
	case errors.Is(err, bridge.ErrTimeout):
		return metrics.ResultTimeout
	case errors.As(err, &perr):
		return metrics.ResultException
	default:
		return metrics.ResultError
	}
}

// responseValue extracts the register value a successful response carries.
func responseValue(req Request, resp modbus.ProtocolDataUnit) (uint16, error) {
	switch req.Function {
	case modbus.FuncCodeReadHoldingRegisters:
		regs, err := resp.Registers()
		if err != nil {
			return 0, err
		}
		if len(regs) == 0 {
			return 0, errors.New("response carries no register")
		}
		return regs[0], nil
	case modbus.FuncCodeWriteSingleRegister:
		if len(resp.Data) != 4 {
			return 0, fmt.Errorf("write echo has %d bytes, want 4", len(resp.Data))
		}
		return binary.BigEndian.Uint16(resp.Data[2:]), nil
	default:
		return 0, fmt.Errorf("unsupported function 0x%02X", req.Function)
	}
}
