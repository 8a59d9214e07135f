package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/pbxsim/pbx/internal/pbxregistry"
)

type fakeRegistry struct {
	count int
	snap  []pbxregistry.ExtensionStatus
}

func (f *fakeRegistry) Count() int                              { return f.count }
func (f *fakeRegistry) Snapshot() []pbxregistry.ExtensionStatus { return f.snap }

func collectMetrics(t *testing.T, c *Collector) []*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("registering collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	var metrics []*dto.Metric
	for _, fam := range families {
		metrics = append(metrics, fam.Metric...)
	}
	return metrics
}

func TestCollectReportsRegisteredCount(t *testing.T) {
	reg := &fakeRegistry{count: 3}
	c := NewCollector(reg, time.Now())

	metrics := collectMetrics(t, c)

	if len(metrics) == 0 {
		t.Fatal("expected at least one metric")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewCollector(reg, time.Now()))
	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	var registered float64 = -1
	for _, fam := range families {
		if fam.GetName() == "pbx_registered_extensions" && len(fam.Metric) == 1 {
			registered = fam.Metric[0].GetGauge().GetValue()
		}
	}
	if registered != 3 {
		t.Errorf("pbx_registered_extensions = %v, want 3", registered)
	}
}

func TestRecordOpIncrementsCounter(t *testing.T) {
	reg := &fakeRegistry{}
	c := NewCollector(reg, time.Now())

	c.RecordOp("pickup")
	c.RecordOp("pickup")
	c.RecordOp("hangup")

	found := make(map[string]float64)
	for _, m := range collectMetrics(t, c) {
		if m.Counter == nil {
			continue
		}
		for _, lbl := range m.Label {
			if lbl.GetName() == "op" {
				found[lbl.GetValue()] = m.Counter.GetValue()
			}
		}
	}

	if found["pickup"] != 2 {
		t.Errorf("pickup count = %v, want 2", found["pickup"])
	}
	if found["hangup"] != 1 {
		t.Errorf("hangup count = %v, want 1", found["hangup"])
	}
}

func TestByStateReportsZeroSeriesForEmptyStates(t *testing.T) {
	reg := &fakeRegistry{snap: []pbxregistry.ExtensionStatus{{Extension: 0, State: "ON HOOK"}}}
	c := NewCollector(reg, time.Now())

	gaugeByState := make(map[string]float64)
	for _, m := range collectMetrics(t, c) {
		if m.Gauge == nil {
			continue
		}
		for _, lbl := range m.Label {
			if lbl.GetName() == "state" {
				gaugeByState[lbl.GetValue()] = m.Gauge.GetValue()
			}
		}
	}

	if gaugeByState["ON HOOK"] != 1 {
		t.Errorf("ON HOOK count = %v, want 1", gaugeByState["ON HOOK"])
	}
	if v, ok := gaugeByState["CONNECTED"]; !ok || v != 0 {
		t.Errorf("CONNECTED count = %v (present %v), want 0 series present", v, ok)
	}
}
