package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordIntake(t *testing.T) {
	Reset()
	RecordIntake(false)
	RecordIntake(false)
	RecordIntake(true)

	if got := testutil.ToFloat64(intakeCounter.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(intakeCounter.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicate = %v, want 1", got)
	}
}

func TestRecordTerminal(t *testing.T) {
	Reset()
	RecordTerminal("SUCCESS", "callback")
	RecordTerminal("EXPIRED", "sweeper")
	RecordTerminal("EXPIRED", "sweeper")

	want := `
# HELP bridge_terminal_events_total Count of terminal events by status and the path that produced them.
# TYPE bridge_terminal_events_total counter
bridge_terminal_events_total{source="callback",status="SUCCESS"} 1
bridge_terminal_events_total{source="sweeper",status="EXPIRED"} 2
`
	if err := testutil.CollectAndCompare(terminalCounter, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestRecordDispatch(t *testing.T) {
	Reset()
	RecordDispatch("ok", 20*time.Millisecond)
	RecordDispatch("error", time.Millisecond)

	if got := testutil.ToFloat64(dispatchCounter.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(dispatchLatency); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestRegister(t *testing.T) {
	depth := 3.0
	Register(NewGauge("queue_depth", "Jobs waiting.", func() float64 { return depth }))
	// A second call is a no-op rather than a duplicate registration panic.
	Register()

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() == "bridge_queue_depth" {
			found = true
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 3 {
				t.Errorf("queue_depth = %v, want 3", v)
			}
		}
	}
	if !found {
		t.Error("custom gauge not registered")
	}
}
