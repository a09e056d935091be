package punchmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	punchmetrics "github.com/dantte-lp/gopunch/internal/metrics"
	"github.com/dantte-lp/gopunch/internal/registry"
)

// verify the collector satisfies the registry's reporter interface.
var _ registry.MetricsReporter = (*punchmetrics.Collector)(nil)

// findFamily returns the named metric family, or nil.
func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// gatherValue returns the value of the first metric in the named family, or
// fails the test.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	mf := findFamily(t, reg, name)
	if mf == nil {
		t.Fatalf("family %s not found", name)
	}
	if len(mf.GetMetric()) == 0 {
		t.Fatalf("family %s has no metrics", name)
	}

	m := mf.GetMetric()[0]
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	return m.GetCounter().GetValue()
}

// gatherLabeled returns the counter value for the metric in the named family
// carrying the given label pair, or zero when absent.
func gatherLabeled(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	mf := findFamily(t, reg, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestSessionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := punchmetrics.NewCollector(reg)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	if got := gatherValue(t, reg, "gopunch_rendezvous_sessions"); got != 1 {
		t.Errorf("sessions gauge = %v, want 1", got)
	}
}

func TestListingGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := punchmetrics.NewCollector(reg)

	c.ListingCreated()
	c.ListingCreated()
	c.ListingRemoved()

	if got := gatherValue(t, reg, "gopunch_rendezvous_listings"); got != 1 {
		t.Errorf("listings gauge = %v, want 1", got)
	}
}

func TestPunchCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := punchmetrics.NewCollector(reg)

	c.PunchOrdered()
	c.PunchOrdered()
	c.PunchResult(true)
	c.PunchResult(false)
	c.PunchResult(false)

	if got := gatherValue(t, reg, "gopunch_rendezvous_punch_orders_total"); got != 2 {
		t.Errorf("punch orders = %v, want 2", got)
	}
	if got := gatherLabeled(t, reg, "gopunch_rendezvous_punches_total", "result", "success"); got != 1 {
		t.Errorf("success punches = %v, want 1", got)
	}
	if got := gatherLabeled(t, reg, "gopunch_rendezvous_punches_total", "result", "failure"); got != 2 {
		t.Errorf("failure punches = %v, want 2", got)
	}
}

func TestEvictionCounter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := punchmetrics.NewCollector(reg)

	c.SessionsEvicted(3)

	if got := gatherValue(t, reg, "gopunch_rendezvous_evicted_sessions_total"); got != 3 {
		t.Errorf("evicted sessions = %v, want 3", got)
	}
}

func TestCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := punchmetrics.NewCollector(reg)
	c.SessionOpened()
	c.ListingCreated()
	c.PunchOrdered()
	c.PunchResult(true)
	c.SessionsEvicted(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	want := map[string]bool{
		"gopunch_rendezvous_sessions":               false,
		"gopunch_rendezvous_listings":               false,
		"gopunch_rendezvous_punch_orders_total":     false,
		"gopunch_rendezvous_punches_total":          false,
		"gopunch_rendezvous_evicted_sessions_total": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric family %s not registered", name)
		}
	}
}
