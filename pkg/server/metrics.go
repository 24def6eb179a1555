package server

import "time"

// Metrics are the aggregate counters of one reactor. They are mutated only
// by the reactor goroutine and handed to the Reporter on that same
// goroutine, so no synchronisation is involved.
type Metrics struct {
	Started time.Time

	// Requests counts accepted connections.
	Requests uint64
	// Successes counts connections whose response was fully sent.
	Successes uint64
	// Completions counts connections torn down for any reason.
	Completions uint64
	// Dropped counts access log records lost to a full queue.
	Dropped uint64

	Active int

	// MaxActive and MaxEvents are high-water marks since the last report.
	MaxActive int
	MaxEvents int
}

func NewMetrics() *Metrics {
	return &Metrics{Started: time.Now()}
}

func (m *Metrics) opened() {
	m.Requests++
	m.Active++
	if m.Active > m.MaxActive {
		m.MaxActive = m.Active
	}
}

func (m *Metrics) closed(ok bool) {
	m.Active--
	m.Completions++
	if ok {
		m.Successes++
	}
}

// rejected records a connection that was accepted and closed at once.
func (m *Metrics) rejected() {
	m.Requests++
	m.Completions++
}

func (m *Metrics) wake(events int) {
	if events > m.MaxEvents {
		m.MaxEvents = events
	}
}

// Failures is the number of accepted connections that neither succeeded
// nor are still open.
func (m *Metrics) Failures() uint64 {
	return m.Requests - m.Successes - uint64(m.Active)
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() Metrics { return *m }

// ResetPeaks zeroes the high-water marks. Cumulative counters are kept.
func (m *Metrics) ResetPeaks() {
	m.MaxActive = 0
	m.MaxEvents = 0
}

// Reporter is the statistics collaborator. Report runs on the reactor
// goroutine after an idle wake and every ReportEvery accepted connections;
// it is expected to call ResetPeaks once it has consumed the values.
type Reporter interface {
	Report(m *Metrics)
}
