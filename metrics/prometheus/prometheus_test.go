package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"idem/circuit"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "idem" {
		t.Errorf("expected namespace 'idem', got '%s'", cfg.Namespace)
	}
	if cfg.Subsystem != "" {
		t.Errorf("expected empty subsystem, got '%s'", cfg.Subsystem)
	}
	if cfg.Registry != prometheus.DefaultRegisterer {
		t.Error("expected default registry")
	}
}

func TestPrometheusMetrics_RequestOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.RequestOutcome("POST", "first_attempt")
	m.RequestOutcome("POST", "replayed")
	m.RequestOutcome("POST", "replayed")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "test_requests_total" {
			found = true
			metrics := mf.GetMetric()
			if len(metrics) != 2 {
				t.Errorf("expected 2 metric series, got %d", len(metrics))
			}
			// Check that replayed has count of 2
			for _, metric := range metrics {
				for _, label := range metric.GetLabel() {
					if label.GetName() == "outcome" && label.GetValue() == "replayed" {
						if metric.GetCounter().GetValue() != 2 {
							t.Errorf("expected replayed count 2, got %f", metric.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("requests_total metric not found")
	}
}

func TestPrometheusMetrics_RequestFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.RequestFailed("POST", "storage_unavailable")
	m.RequestFailed("POST", "malformed_request")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "test_requests_failed_total" {
			found = true
			if len(mf.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series (different reasons), got %d", len(mf.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("requests_failed_total metric not found")
	}
}

func TestPrometheusMetrics_StoreOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.StoreOperation("create", 2*time.Millisecond, true)
	m.StoreOperation("update_full", 3*time.Millisecond, false)
	m.ResponsePersisted("POST", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedMetrics := map[string]bool{
		"test_store_operations_total":           false,
		"test_store_operation_duration_seconds": false,
		"test_responses_persisted_total":        false,
	}

	for _, mf := range mfs {
		if _, ok := expectedMetrics[mf.GetName()]; ok {
			expectedMetrics[mf.GetName()] = true
		}
	}

	for name, found := range expectedMetrics {
		if !found {
			t.Errorf("metric %s not found", name)
		}
	}
}

func TestPrometheusMetrics_CircuitStateChanged(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.CircuitStateChanged("store", circuit.StateClosed)
	m.CircuitStateChanged("store", circuit.StateOpen)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "test_circuit_breaker_state" {
			found = true
			metrics := mf.GetMetric()
			if len(metrics) != 1 {
				t.Errorf("expected 1 metric series, got %d", len(metrics))
			}
			// Should be StateOpen (1)
			if metrics[0].GetGauge().GetValue() != float64(circuit.StateOpen) {
				t.Errorf("expected state %d, got %f", circuit.StateOpen, metrics[0].GetGauge().GetValue())
			}
		}
	}
	if !found {
		t.Error("circuit_breaker_state metric not found")
	}
}

func TestPrometheusMetrics_SweepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(Config{Namespace: "test", Registry: reg})

	m.SweepCompleted(4, 2)
	m.SweepCompleted(1, 0)
	m.SweepFailed("lock")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "test_sweep_deleted_total":
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 5 {
				t.Errorf("expected 5 deleted, got %f", v)
			}
		case "test_sweep_stale_flows":
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("expected stale gauge 0 after last sweep, got %f", v)
			}
		case "test_sweep_failed_total":
			if len(mf.GetMetric()) != 1 {
				t.Errorf("expected 1 metric series, got %d", len(mf.GetMetric()))
			}
		}
	}
}
