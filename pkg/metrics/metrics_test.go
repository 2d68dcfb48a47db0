// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Message("in", "CON", "GET", 10, "udp")
	m.Dropped("malformed")
	m.Duplicate()
	m.Retransmission()
	m.TransactionDone("acked")
	m.Block("block2", "complete")
	m.SetObservations(3)
	m.Notification("NON")
	m.RDOperation("register", nil)
	m.SetRDDevices(1)
	m.RDExpiredDevices(1)
	m.BreakerState("rd", 1, true)
	m.RateLimited("udp")
	m.ObserveSession("udp")()

	called := false
	m.ObserveRequest("dm", "GET", func() { called = true })
	assert.True(t, called)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "")

	m.Message("in", "CON", "GET", 10, "udp")
	m.Message("in", "CON", "GET", 12, "udp")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CoAPMessages.WithLabelValues("in", "CON", "GET")))

	m.RDOperation("register", nil)
	m.RDOperation("register", errors.New("boom"))
	m.RDOperation("register", errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RDOperations.WithLabelValues("register", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RDOperations.WithLabelValues("register", "error")))

	m.RDExpiredDevices(0)
	m.RDExpiredDevices(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RDExpired))

	m.BreakerState("rd", 1, true)
	m.BreakerState("rd", 2, false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("rd")))

	done := m.ObserveSession("tcp")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("tcp")))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TotalSessions.WithLabelValues("tcp")))

	m.SetObservations(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Observations))

	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, f := range families {
		assert.Contains(t, f.GetName(), "lwm2m_")
	}
}
