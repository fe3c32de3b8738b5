package uart

import "sync/atomic"

// Metrics contains atomic protocol counters of one device.
type Metrics struct {
	// RequestCount is the number of Request calls.
	RequestCount atomic.Uint64
	// RetryCount is the number of retried attempts.
	RetryCount atomic.Uint64
	// TimeoutCount counts attempts that ended in ErrNoData or ErrIncomplete.
	TimeoutCount atomic.Uint64
	// MismatchCount counts replies with an unexpected prefix or empty frame.
	MismatchCount atomic.Uint64
	// FailureCount counts requests that exhausted their retries.
	FailureCount atomic.Uint64
}

// MetricsSnapshot is a plain copy of Metrics for reporting.
type MetricsSnapshot struct {
	Requests   uint64 `json:"requests"`
	Retries    uint64 `json:"retries"`
	Timeouts   uint64 `json:"timeouts"`
	Mismatches uint64 `json:"mismatches"`
	Failures   uint64 `json:"failures"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:   m.RequestCount.Load(),
		Retries:    m.RetryCount.Load(),
		Timeouts:   m.TimeoutCount.Load(),
		Mismatches: m.MismatchCount.Load(),
		Failures:   m.FailureCount.Load(),
	}
}

func (m *Metrics) incRequestCount() {
	m.RequestCount.Add(1)
}

func (m *Metrics) incRetryCount() {
	m.RetryCount.Add(1)
}

func (m *Metrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *Metrics) incMismatchCount() {
	m.MismatchCount.Add(1)
}

func (m *Metrics) incFailureCount() {
	m.FailureCount.Add(1)
}
