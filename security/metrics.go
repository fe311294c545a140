package security

import (
	"sync"
	"time"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = 1 * time.Minute
	defaultFailureThreshold = 20
)

// FailureMonitor tracks denied authorization outcomes over a sliding
// window and raises an alert when the rate exceeds a threshold. A burst
// of denials against a single-user agent is a strong brute-force signal.
type FailureMonitor struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int
	alertFn   AlertFunc
}

// NewFailureMonitor creates a monitor with default window and threshold.
func NewFailureMonitor(alertFn AlertFunc) *FailureMonitor {
	return &FailureMonitor{
		window:    defaultFailureWindow,
		threshold: defaultFailureThreshold,
		alertFn:   alertFn,
	}
}

// Record inspects an audit event and updates the failure counter.
func (m *FailureMonitor) Record(event Event, outcome string) {
	if m == nil || m.alertFn == nil {
		return
	}
	if event != EventAuthResult || outcome != "DENIED" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.failures = append(m.failures, now)
	m.failures = trimWindow(m.failures, now, m.window)

	if len(m.failures) >= m.threshold {
		m.alertFn(AlertEvent{
			Message:   "authentication failure rate exceeds threshold",
			Count:     len(m.failures),
			Threshold: m.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.failures = m.failures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
