// Package metrics keeps in-process counters, timings and success/failure
// tallies for the gateway. Nothing is exported over the network; Summary is
// logged periodically and at shutdown.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSamples = 500 // per timing, for percentiles

// Timing tracks durations for one path.
type Timing struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration

	samples   []time.Duration
	sampleIdx int
}

// Outcome tracks successes and failures for one path.
type Outcome struct {
	Success        int64
	Failures       int64
	LastFailure    time.Time
	FailureReasons map[string]int64
}

// Manager holds every metric, keyed by "topic/function".
type Manager struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*Timing
	outcomes map[string]*Outcome
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the process-wide metrics manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns an empty manager. Tests use their own; production code uses GetInstance.
func New() *Manager {
	return &Manager{
		counters: make(map[string]int64),
		timings:  make(map[string]*Timing),
		outcomes: make(map[string]*Outcome),
	}
}

func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return topic + "/" + function
}

// IncrementCounter adds one to topic/function.
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds delta to topic/function.
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.mu.Lock()
	m.counters[buildPath(topic, function)] += delta
	m.mu.Unlock()
}

// Counter returns the current value of topic/function.
func (m *Manager) Counter(topic, function string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[buildPath(topic, function)]
}

// RecordDuration adds one timing sample.
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[path]
	if !ok {
		t = &Timing{Min: d, Max: d, samples: make([]time.Duration, 0, 16)}
		m.timings[path] = t
	}
	t.Count++
	t.Total += d
	t.Last = d
	if d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}

	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
	} else {
		t.samples[t.sampleIdx] = d
		t.sampleIdx = (t.sampleIdx + 1) % maxSamples
	}
}

// RecordSuccess counts a successful operation.
func (m *Manager) RecordSuccess(topic, function string) {
	m.mu.Lock()
	m.outcome(buildPath(topic, function)).Success++
	m.mu.Unlock()
}

// RecordFailure counts a failed operation, tallied by reason when given.
func (m *Manager) RecordFailure(topic, function, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.outcome(buildPath(topic, function))
	o.Failures++
	o.LastFailure = time.Now()
	if reason != "" {
		o.FailureReasons[reason]++
	}
}

// Outcome returns a copy of the outcome at topic/function.
func (m *Manager) Outcome(topic, function string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[buildPath(topic, function)]
	if !ok {
		return Outcome{}
	}
	cp := *o
	cp.FailureReasons = make(map[string]int64, len(o.FailureReasons))
	for k, v := range o.FailureReasons {
		cp.FailureReasons[k] = v
	}
	return cp
}

func (m *Manager) outcome(path string) *Outcome {
	o, ok := m.outcomes[path]
	if !ok {
		o = &Outcome{FailureReasons: make(map[string]int64)}
		m.outcomes[path] = o
	}
	return o
}

// Percentile returns the p-th percentile of the retained samples at topic/function.
func (m *Manager) Percentile(topic, function string, p int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[buildPath(topic, function)]
	if !ok {
		return 0
	}
	return calculatePercentile(t.samples, p)
}

func calculatePercentile(samples []time.Duration, percentile int) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary renders every metric on one line each, sorted by path.
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lines []string
	for path, v := range m.counters {
		lines = append(lines, fmt.Sprintf("%s=%d", path, v))
	}
	for path, t := range m.timings {
		avg := t.Total / time.Duration(t.Count)
		lines = append(lines, fmt.Sprintf("%s count=%d avg=%s p95=%s max=%s",
			path, t.Count, avg.Round(time.Millisecond),
			calculatePercentile(t.samples, 95).Round(time.Millisecond), t.Max.Round(time.Millisecond)))
	}
	for path, o := range m.outcomes {
		lines = append(lines, fmt.Sprintf("%s ok=%d failed=%d", path, o.Success, o.Failures))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
