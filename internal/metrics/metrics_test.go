// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPendingGaugeReflectsSet(t *testing.T) {
	PendingGauge.Set(3)
	if got := gaugeValue(t, PendingGauge); got != 3 {
		t.Errorf("PendingGauge = %v, want 3", got)
	}
	PendingGauge.Set(0)
}

func TestWorkerConnectedTogglesBetweenZeroAndOne(t *testing.T) {
	WorkerConnected.Set(1)
	if got := gaugeValue(t, WorkerConnected); got != 1 {
		t.Errorf("WorkerConnected = %v, want 1", got)
	}
	WorkerConnected.Set(0)
	if got := gaugeValue(t, WorkerConnected); got != 0 {
		t.Errorf("WorkerConnected = %v, want 0", got)
	}
}

func TestCountersOnlyIncrease(t *testing.T) {
	before := counterValue(t, DispatchedTotal)
	DispatchedTotal.Inc()
	after := counterValue(t, DispatchedTotal)
	if after != before+1 {
		t.Errorf("DispatchedTotal = %v, want %v", after, before+1)
	}
}
