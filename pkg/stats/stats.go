// Package stats turns the reactor's aggregate counters into a periodic text
// line and Prometheus metrics.
package stats

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pagpeter/redirector/pkg/server"
)

// Observer consumes one snapshot of the reactor counters.
type Observer interface {
	Observe(m server.Metrics)
}

// Collector is the server.Reporter handed to the reactor. It passes a
// snapshot to every observer and then resets the high-water marks.
type Collector struct {
	observers []Observer
}

func NewCollector(observers ...Observer) *Collector {
	return &Collector{observers: observers}
}

func (c *Collector) Report(m *server.Metrics) {
	snap := m.Snapshot()
	for _, o := range c.observers {
		o.Observe(snap)
	}
	m.ResetPeaks()
}

// Printer writes one status line per report:
//
//	+42s: 3k requests (5 failures) (2/17 connections)
type Printer struct {
	w   io.Writer
	now func() time.Time
}

func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{w: w, now: time.Now}
}

func (p *Printer) Observe(m server.Metrics) {
	fmt.Fprintln(p.w, Line(m, p.now()))
}

// Line formats m as of now.
func Line(m server.Metrics, now time.Time) string {
	uptime := int64(now.Sub(m.Started) / time.Second)
	if uptime < 0 {
		uptime = 0
	}
	return fmt.Sprintf("+%ds: %dk requests (%d failures) (%d/%d connections)",
		uptime, m.Requests/1000, m.Failures(), m.Active, m.MaxActive)
}
