// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/internal/poller"
	"github.com/ffutop/modbus-bridge/internal/requester"
	"github.com/ffutop/modbus-bridge/internal/simulator"
	"github.com/ffutop/modbus-bridge/internal/topology"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/transport"
	"github.com/ffutop/modbus-bridge/transport/local"
	"github.com/ffutop/modbus-bridge/transport/rtu"
)

// loopbackUpstream hands the front handler to the test instead of a port.
type loopbackUpstream struct {
	handlers chan transport.RequestHandler
}

func (u *loopbackUpstream) Start(ctx context.Context, handler transport.RequestHandler) error {
	u.handlers <- handler
	<-ctx.Done()
	return nil
}

func (u *loopbackUpstream) Close() error { return nil }

// frameTransporter feeds RTU frames from a goburrow master straight into the
// front handler.
type frameTransporter struct {
	handler transport.RequestHandler
}

func (t *frameTransporter) Send(aduRequest []byte) ([]byte, error) {
	resp, ok := rtu.HandleFrame(context.Background(), aduRequest, t.handler)
	if !ok {
		return nil, errors.New("no response")
	}
	return resp, nil
}

func newMaster(handler transport.RequestHandler, slaveID byte) gomodbus.Client {
	h := gomodbus.NewRTUClientHandler("loopback")
	h.SlaveId = slaveID
	return gomodbus.NewClient2(h, &frameTransporter{handler: handler})
}

func testConfig() *config.Config {
	return &config.Config{
		Front:    config.FrontConfig{Type: "rtu"},
		Back:     config.BackConfig{Type: "local", Timeout: 100 * time.Millisecond, QueueSize: 8},
		Poll:     config.PollConfig{MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Tick: time.Millisecond},
		Topology: config.TopologyConfig{Path: "/etc/modbusbridge/topology.yaml"},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_EndToEnd(t *testing.T) {
	fsys := afero.NewMemMapFs()
	sim := simulator.New(5)
	sim.Device(5).Set(10, 100)
	sim.Device(5).Set(11, 110)
	sim.Device(5).Set(20, 200)

	up := &loopbackUpstream{handlers: make(chan transport.RequestHandler, 1)}
	g, err := New(testConfig(), fsys, up, local.NewClient(sim))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	store := g.Store()
	if err := store.CreateGroup(5, 1, 0); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	for _, id := range []uint16{10, 11} {
		if err := store.AddGroupRegister(5, topology.Register{ID: id}); err != nil {
			t.Fatalf("AddGroupRegister(%d) failed: %v", id, err)
		}
	}
	if err := store.AddSlaveRegister(5, 1, topology.Register{ID: 20}); err != nil {
		t.Fatalf("AddSlaveRegister failed: %v", err)
	}
	if n := g.Space().RegisterCount(5); n != 3 {
		t.Fatalf("RegisterCount(5) = %d, want 3", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()
	handler := <-up.handlers

	master := newMaster(handler, 5)
	eventually(t, "poller to fill the cache", func() bool {
		got, err := master.ReadHoldingRegisters(0, 3)
		return err == nil && bytes.Equal(got, []byte{0x00, 100, 0x00, 110, 0x00, 200})
	})

	got, err := master.ReadHoldingRegisters(1, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters(1, 2) failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x00, 110, 0x00, 200}, got); diff != "" {
		t.Errorf("read mismatch (-want +got):\n%s", diff)
	}

	if _, err := master.WriteSingleRegister(1, 555); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	eventually(t, "write to reach the device", func() bool {
		return sim.Device(5).Get(11) == 555
	})

	_, err = master.ReadHoldingRegisters(2, 2)
	var mbErr *gomodbus.ModbusError
	if !errors.As(err, &mbErr) || mbErr.ExceptionCode != gomodbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("read past the table = %v, want illegal data address", err)
	}

	if _, err := newMaster(handler, 9).ReadHoldingRegisters(0, 1); err == nil {
		t.Error("unknown group was answered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not stop")
	}

	status := g.Metrics().Status()
	if status.BackSent == 0 || status.FrontRequests == 0 {
		t.Errorf("status counters not updated: %+v", status)
	}
}

func TestGateway_Rebuild(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	up := &loopbackUpstream{handlers: make(chan transport.RequestHandler, 1)}

	g, err := New(cfg, fsys, up, local.NewClient(simulator.New()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := g.Store().CreateGroup(7, 0, 3); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if err := g.Store().AddGroupRegister(7, topology.Register{ID: 1}); err != nil {
		t.Fatalf("AddGroupRegister failed: %v", err)
	}
	if remote, ok := g.Space().RemoteAddress(7); !ok || remote != 3 {
		t.Errorf("RemoteAddress(7) = %d, %v; want 3, true", remote, ok)
	}

	// A second gateway on the same file sees the persisted topology.
	g2, err := New(cfg, fsys, up, local.NewClient(simulator.New()))
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	if n := g2.Space().RegisterCount(7); n != 1 {
		t.Errorf("reloaded RegisterCount(7) = %d, want 1", n)
	}

	if err := g.Store().DeleteGroup(7); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if g.Space().GroupExists(7) {
		t.Error("deleted group still mapped")
	}
}

// stalledDownstream never answers before the request context ends.
type stalledDownstream struct{}

func (stalledDownstream) Send(ctx context.Context, device byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	<-ctx.Done()
	return modbus.ProtocolDataUnit{}, ctx.Err()
}

func (stalledDownstream) Connect(ctx context.Context) error { return nil }

func (stalledDownstream) Close() error { return nil }

func TestGateway_StatusFollowsBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Back.Timeout = 10 * time.Second
	up := &loopbackUpstream{handlers: make(chan transport.RequestHandler, 1)}

	g, err := New(cfg, afero.NewMemMapFs(), up, stalledDownstream{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := g.Store().CreateGroup(1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Store().AddGroupRegister(1, topology.Register{ID: 1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()
	<-up.handlers

	// One request blocks in the worker and eight fill the queue.
	const stalled = 9
	eventually(t, "the back bus to saturate", func() bool {
		st := g.Metrics().Status()
		return st.Pending == stalled &&
			g.control.Pending() == stalled &&
			st.PollDelay == g.control.DelayFor(stalled) &&
			len(g.Requester().Outstanding()) == stalled
	})

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not stop")
	}
	if st := g.Metrics().Status(); st.Pending != 0 {
		t.Errorf("pending after shutdown = %d, want 0", st.Pending)
	}
}

type tokenRecorder struct {
	tokens []bridge.Token
}

func (r *tokenRecorder) Submit(req requester.Request) error {
	r.tokens = append(r.tokens, req.Token)
	return nil
}

type noDelay struct{}

func (noDelay) Delay() time.Duration { return 0 }

func mutateTopology(rng *rand.Rand, store *topology.Store) {
	id := uint8(rng.Intn(4))
	slave := uint8(1 + rng.Intn(3))
	reg := topology.Register{ID: uint16(rng.Intn(8))}
	other := uint16(rng.Intn(8))

	// Rejected edits (duplicates, missing ids) are part of the exercise.
	switch rng.Intn(10) {
	case 0:
		store.CreateGroup(id, rng.Intn(4), uint8(rng.Intn(3)))
	case 1:
		store.SetGroupID(id, uint8(rng.Intn(4)))
	case 2:
		store.SetSlaveCount(id, rng.Intn(4))
	case 3:
		store.DeleteGroup(id)
	case 4:
		store.AddGroupRegister(id, reg)
	case 5:
		store.UpdateGroupRegister(id, other, reg)
	case 6:
		store.DeleteGroupRegister(id, other)
	case 7:
		store.AddSlaveRegister(id, slave, reg)
	case 8:
		store.UpdateSlaveRegister(id, slave, other, reg)
	case 9:
		store.DeleteSlaveRegister(id, slave, other)
	}
}

// checkTable verifies that every group maps 0..n-1 onto its registers in
// topology order, each slot and (owner, register) pair used once.
func checkTable(t *testing.T, g *Gateway) []bridge.Token {
	t.Helper()
	groups := g.Store().Snapshot()
	space := g.Space()
	if n := len(space.Layout()); n != len(groups) {
		t.Fatalf("layout has %d groups, topology %d", n, len(groups))
	}

	var order []bridge.Token
	slots := make(map[int]bool)
	for _, grp := range groups {
		var want []bridge.Token
		for _, r := range grp.Registers {
			want = append(want, bridge.Token{Group: grp.ID, Register: r.ID})
		}
		for _, sl := range grp.Slaves {
			for _, r := range sl.Registers {
				want = append(want, bridge.Token{Group: grp.ID, Owner: sl.ID, Register: r.ID})
			}
		}
		order = append(order, want...)

		entries := space.Entries(grp.ID)
		if len(entries) != len(want) || space.RegisterCount(grp.ID) != len(want) {
			t.Fatalf("group %d maps %d registers, want %d", grp.ID, len(entries), len(want))
		}
		pairs := make(map[bridge.Token]bool)
		for i, e := range entries {
			got := bridge.Token{Group: grp.ID, Owner: e.Owner, Register: e.Register}
			if int(e.VirtualAddress) != i || got != want[i] {
				t.Fatalf("group %d entry %d = %+v, want address %d for %s", grp.ID, i, e, i, want[i])
			}
			if pairs[got] {
				t.Fatalf("group %d maps %s twice", grp.ID, got)
			}
			pairs[got] = true
			if slots[e.Slot] {
				t.Fatalf("slot %d used twice", e.Slot)
			}
			slots[e.Slot] = true
			owner, register, err := space.Resolve(grp.ID, uint16(i))
			if err != nil || owner != e.Owner || register != e.Register {
				t.Fatalf("Resolve(%d, %d) = %d, %d, %v; want %d, %d", grp.ID, i, owner, register, err, e.Owner, e.Register)
			}
		}
	}
	return order
}

func TestGateway_RandomEdits(t *testing.T) {
	up := &loopbackUpstream{handlers: make(chan transport.RequestHandler, 1)}
	g, err := New(testConfig(), afero.NewMemMapFs(), up, local.NewClient(simulator.New()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	for step := 1; step <= 2000; step++ {
		mutateTopology(rng, g.Store())
		order := checkTable(t, g)
		if step%100 != 0 || len(order) == 0 {
			continue
		}

		t.Run(fmt.Sprintf("Sweep%d", step), func(t *testing.T) {
			rec := &tokenRecorder{}
			s := poller.New(g.Space(), rec, noDelay{}, nil, time.Millisecond)
			now := time.Now()
			for i := 0; s.Sweeps() == 0 && i <= len(order); i++ {
				now = now.Add(time.Millisecond)
				s.Tick(now)
			}
			if diff := cmp.Diff(order, rec.tokens); diff != "" {
				t.Errorf("sweep order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
