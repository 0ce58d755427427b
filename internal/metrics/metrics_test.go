// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Observe(func() int { return 7 }, func() time.Duration { return 250 * time.Millisecond })

	m.BackSent(0x03)
	m.BackSent(0x03)
	m.BackSent(0x06)
	m.BackResolved(ResultOK)
	m.BackResolved(ResultException)
	m.BackResolved(ResultTimeout)
	m.FrontRequest(0x03, FrontAnswered)
	m.FrontRequest(0x06, FrontSilent)

	st := m.Status()
	if st.BackSent != 3 || st.BackReceived != 2 || st.BackFailed != 1 {
		t.Errorf("unexpected back counters %+v", st)
	}
	if st.FrontRequests != 2 || st.FrontResponses != 1 {
		t.Errorf("unexpected front counters %+v", st)
	}
	if st.Pending != 7 || st.PollDelay != 250*time.Millisecond {
		t.Errorf("unexpected live values %+v", st)
	}

	if got := testutil.ToFloat64(m.backRequests.WithLabelValues("read_holding_registers")); got != 2 {
		t.Errorf("read requests = %v, want 2", got)
	}

	expected := `
# HELP modbus_bridge_back_pending Back bus requests submitted but not yet resolved.
# TYPE modbus_bridge_back_pending gauge
modbus_bridge_back_pending 7
# HELP modbus_bridge_poll_delay_seconds Current delay between two poll requests.
# TYPE modbus_bridge_poll_delay_seconds gauge
modbus_bridge_poll_delay_seconds 0.25
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"modbus_bridge_back_pending", "modbus_bridge_poll_delay_seconds"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_Rebuilt(t *testing.T) {
	m := New()
	m.Rebuilt(3)
	m.Rebuilt(5)
	if got := testutil.ToFloat64(m.rebuilds); got != 2 {
		t.Errorf("rebuilds = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.mappedRegister); got != 5 {
		t.Errorf("mapped registers = %v, want 5", got)
	}
}
