package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertVerificationFailureSpike AlertType = "verification_failure_spike"
	AlertPolicyRejectionSpike     AlertType = "policy_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
// A burst of failed verifications suggests someone replaying or forging
// attestation responses; a burst of policy rejections usually means a
// frontend rollout stopped requesting device-bound credentials.
type metricsCollector struct {
	mu sync.Mutex

	failures         []time.Time
	failureWindow    time.Duration
	failureThreshold int

	rejections         []time.Time
	rejectionWindow    time.Duration
	rejectionThreshold int

	alertFn AlertFunc
}

const (
	defaultFailureWindow      = 1 * time.Minute
	defaultFailureThreshold   = 25
	defaultRejectionWindow    = 5 * time.Minute
	defaultRejectionThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		failureWindow:      defaultFailureWindow,
		failureThreshold:   defaultFailureThreshold,
		rejectionWindow:    defaultRejectionWindow,
		rejectionThreshold: defaultRejectionThreshold,
		alertFn:            alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditVerificationFailed, AuditSessionRejected:
		m.recordFailure()
	case AuditPolicyRejected:
		m.recordRejection()
	}
}

func (m *metricsCollector) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.failures = append(m.failures, now)
	m.failures = trimWindow(m.failures, now, m.failureWindow)

	if len(m.failures) >= m.failureThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertVerificationFailureSpike,
			Message:   "webauthn verification failure rate exceeds threshold",
			Count:     len(m.failures),
			Threshold: m.failureThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.failures = m.failures[:0]
	}
}

func (m *metricsCollector) recordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.rejections = append(m.rejections, now)
	m.rejections = trimWindow(m.rejections, now, m.rejectionWindow)

	if len(m.rejections) >= m.rejectionThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertPolicyRejectionSpike,
			Message:   "backup-eligible rejection rate exceeds threshold",
			Count:     len(m.rejections),
			Threshold: m.rejectionThreshold,
			Timestamp: now,
		})
		m.rejections = m.rejections[:0]
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
