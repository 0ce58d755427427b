// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics counts bus traffic for the status snapshot and Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// Results of a back-bus exchange.
const (
	ResultOK        = "ok"
	ResultException = "exception"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultCanceled  = "canceled"
)

// Results of a front-bus request.
const (
	FrontAnswered  = "answered"
	FrontException = "exception"
	FrontSilent    = "silent"
)

// Status is a point-in-time view of the bridge counters.
type Status struct {
	Uptime         time.Duration
	BackSent       uint64
	BackReceived   uint64
	BackFailed     uint64
	FrontRequests  uint64
	FrontResponses uint64
	Pending        int
	PollDelay      time.Duration
}

// Metrics holds the counters of one bridge instance.
type Metrics struct {
	started time.Time

	backSent       atomic.Uint64
	backReceived   atomic.Uint64
	backFailed     atomic.Uint64
	frontRequests  atomic.Uint64
	frontResponses atomic.Uint64

	pending func() int
	delay   func() time.Duration

	registry       *prometheus.Registry
	backRequests   *prometheus.CounterVec
	backResults    *prometheus.CounterVec
	frontResults   *prometheus.CounterVec
	pollSweeps     prometheus.Counter
	rebuilds       prometheus.Counter
	mappedRegister prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		started:  time.Now(),
		registry: prometheus.NewRegistry(),
		pending:  func() int { return 0 },
		delay:    func() time.Duration { return 0 },
	}

	m.backRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_bridge_back_requests_total",
		Help: "Requests sent on the back bus by function code.",
	}, []string{"function"})
	m.backResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_bridge_back_results_total",
		Help: "Resolved back bus requests by result.",
	}, []string{"result"})
	m.frontResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_bridge_front_requests_total",
		Help: "Front bus requests by function code and outcome.",
	}, []string{"function", "result"})
	m.pollSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbus_bridge_poll_sweeps_total",
		Help: "Completed passes of the poller over every mapped register.",
	})
	m.rebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbus_bridge_address_space_rebuilds_total",
		Help: "Address space rebuilds.",
	})
	m.mappedRegister = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbus_bridge_mapped_registers",
		Help: "Registers mapped into the address space.",
	})

	m.registry.MustRegister(
		m.backRequests,
		m.backResults,
		m.frontResults,
		m.pollSweeps,
		m.rebuilds,
		m.mappedRegister,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "modbus_bridge_back_pending",
			Help: "Back bus requests submitted but not yet resolved.",
		}, func() float64 { return float64(m.pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "modbus_bridge_poll_delay_seconds",
			Help: "Current delay between two poll requests.",
		}, func() float64 { return m.delay().Seconds() }),
	)
	return m
}

// Observe wires the live pending count and poll delay into the snapshot.
// It must be called before the metrics are served.
func (m *Metrics) Observe(pending func() int, delay func() time.Duration) {
	m.pending = pending
	m.delay = delay
}

// Registry exposes the collectors, for serving and for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// BackSent counts a request written to the back bus.
func (m *Metrics) BackSent(function byte) {
	m.backSent.Inc()
	m.backRequests.WithLabelValues(functionLabel(function)).Inc()
}

// BackResolved counts a resolved back-bus request.
func (m *Metrics) BackResolved(result string) {
	switch result {
	case ResultOK, ResultException:
		m.backReceived.Inc()
	default:
		m.backFailed.Inc()
	}
	m.backResults.WithLabelValues(result).Inc()
}

// FrontRequest counts a front-bus request and how it was answered.
func (m *Metrics) FrontRequest(function byte, result string) {
	m.frontRequests.Inc()
	if result != FrontSilent {
		m.frontResponses.Inc()
	}
	m.frontResults.WithLabelValues(functionLabel(function), result).Inc()
}

// PollSweep counts a completed poll sweep.
func (m *Metrics) PollSweep() {
	m.pollSweeps.Inc()
}

// Rebuilt records an address space rebuild with registers mapped registers.
func (m *Metrics) Rebuilt(registers int) {
	m.rebuilds.Inc()
	m.mappedRegister.Set(float64(registers))
}

// Status returns the current counters.
func (m *Metrics) Status() Status {
	return Status{
		Uptime:         time.Since(m.started),
		BackSent:       m.backSent.Load(),
		BackReceived:   m.backReceived.Load(),
		BackFailed:     m.backFailed.Load(),
		FrontRequests:  m.frontRequests.Load(),
		FrontResponses: m.frontResponses.Load(),
		Pending:        m.pending(),
		PollDelay:      m.delay(),
	}
}

// Serve exposes /metrics on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func functionLabel(function byte) string {
	switch function {
	case 0x03:
		return "read_holding_registers"
	case 0x06:
		return "write_single_register"
	default:
		return "other"
	}
}
