package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IncrementCounter("gateway", "messages")
	m.IncrementCounter("gateway", "messages")
	m.AddCounter("gateway", "messages", 3)

	if got := m.Counter("gateway", "messages"); got != 5 {
		t.Errorf("counter = %d, want 5", got)
	}
	if got := m.Counter("gateway", "missing"); got != 0 {
		t.Errorf("missing counter = %d", got)
	}
}

func TestOutcomes(t *testing.T) {
	m := New()
	m.RecordSuccess("backup", "run")
	m.RecordFailure("backup", "run", "push")
	m.RecordFailure("backup", "run", "push")

	o := m.Outcome("backup", "run")
	if o.Success != 1 || o.Failures != 2 || o.FailureReasons["push"] != 2 {
		t.Errorf("outcome = %+v", o)
	}

	// Copies must not alias the live map
	o.FailureReasons["push"] = 99
	if m.Outcome("backup", "run").FailureReasons["push"] != 2 {
		t.Error("Outcome returned a shared map")
	}
}

func TestTimingPercentile(t *testing.T) {
	m := New()
	for i := 1; i <= 100; i++ {
		m.RecordDuration("responder", "complete", time.Duration(i)*time.Millisecond)
	}
	if got := m.Percentile("responder", "complete", 95); got != 96*time.Millisecond {
		t.Errorf("p95 = %s", got)
	}
	if got := m.Percentile("responder", "unknown", 95); got != 0 {
		t.Errorf("unknown p95 = %s", got)
	}
}

func TestTimingSampleRing(t *testing.T) {
	m := New()
	for i := 0; i < maxSamples+10; i++ {
		m.RecordDuration("x", "", time.Second)
	}
	tm := m.timings["x"]
	if len(tm.samples) != maxSamples || tm.Count != maxSamples+10 {
		t.Errorf("samples=%d count=%d", len(tm.samples), tm.Count)
	}
}

func TestSummary(t *testing.T) {
	m := New()
	m.IncrementCounter("gateway", "messages")
	m.RecordSuccess("backup", "run")
	m.RecordDuration("responder", "complete", 20*time.Millisecond)

	lines := strings.Split(m.Summary(), "\n")
	if len(lines) != 3 {
		t.Fatalf("summary = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "backup/run ok=1") {
		t.Errorf("summary not sorted: %q", lines)
	}
}
