package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pagpeter/redirector/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes the reactor counters as Prometheus metrics. Values move
// only when the reactor reports: every report_every accepted connections, or
// after an idle timeout without events. Light but steady traffic can leave
// them stale until one of those happens.
type Exporter struct {
	registry *prometheus.Registry

	requests    prometheus.Counter
	successes   prometheus.Counter
	completions prometheus.Counter
	dropped     prometheus.Counter

	active     prometheus.Gauge
	peakActive prometheus.Gauge
	peakEvents prometheus.Gauge
	started    prometheus.Gauge

	last server.Metrics
}

func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: "redirector", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: "redirector", Name: name, Help: help})
	}

	return &Exporter{
		registry:    reg,
		requests:    counter("requests_total", "Accepted connections."),
		successes:   counter("successes_total", "Connections whose redirect was fully sent."),
		completions: counter("completions_total", "Connections torn down for any reason."),
		dropped:     counter("access_log_dropped_total", "Access records lost to a full queue."),
		active:      gauge("connections_active", "Open connections at the last report."),
		peakActive:  gauge("connections_peak", "Most concurrent connections during the last report interval."),
		peakEvents:  gauge("events_per_wake_peak", "Most readiness events in one wake during the last report interval."),
		started:     gauge("start_time_seconds", "Reactor start time in unix seconds."),
	}
}

// Observe is called from the reactor goroutine only.
func (e *Exporter) Observe(m server.Metrics) {
	e.requests.Add(float64(m.Requests - e.last.Requests))
	e.successes.Add(float64(m.Successes - e.last.Successes))
	e.completions.Add(float64(m.Completions - e.last.Completions))
	e.dropped.Add(float64(m.Dropped - e.last.Dropped))

	e.active.Set(float64(m.Active))
	e.peakActive.Set(float64(m.MaxActive))
	e.peakEvents.Set(float64(m.MaxEvents))
	e.started.Set(float64(m.Started.Unix()))
	e.last = m
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
