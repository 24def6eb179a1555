package server

import (
	"errors"
	"time"

	"github.com/pagpeter/redirector/pkg/types"
)

var (
	// ErrUnsupported is returned by NewReactor on platforms without epoll.
	ErrUnsupported = errors.New("server: reactor requires linux")
	// ErrStopped is returned by Run on a reactor that was stopped or closed.
	ErrStopped = errors.New("server: reactor stopped")
)

const (
	// acceptCooldown is how long the listener stays disarmed after the
	// process ran out of descriptors.
	acceptCooldown = 100 * time.Millisecond
	// maxAcceptRetries bounds back-to-back transient accept errors per wake.
	maxAcceptRetries = 16
	// maxFreeConns bounds the pool of idle connection states.
	maxFreeConns = 1024
)

// Options tune the reactor loop.
type Options struct {
	// IdleTimeout is how long the loop may sleep without events before it
	// flushes statistics.
	IdleTimeout time.Duration
	// MaxEvents is the size of the event batch taken per wake.
	MaxEvents int
	// DrainAccept accepts until the backlog is empty on each listener
	// event. When false a single connection is accepted per event and the
	// level-triggered listener reports the rest on the next wake, which
	// interleaves accepting with serving open connections.
	DrainAccept bool
	// ReportEvery triggers a report every that many accepted connections.
	// Zero disables count based reports.
	ReportEvery uint64
	Verbose     bool
}

func DefaultOptions() Options {
	return Options{
		IdleTimeout: time.Minute,
		MaxEvents:   128,
		DrainAccept: true,
		ReportEvery: 1000,
	}
}

func OptionsFromConfig(cfg *types.Config) (Options, error) {
	opts := DefaultOptions()
	idle, err := cfg.Idle()
	if err != nil {
		return opts, err
	}
	opts.IdleTimeout = idle
	if cfg.MaxEvents > 0 {
		opts.MaxEvents = cfg.MaxEvents
	}
	opts.DrainAccept = cfg.DrainAccept
	opts.ReportEvery = cfg.ReportEvery
	opts.Verbose = cfg.Verbose
	return opts, nil
}

func (o *Options) normalize() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Minute
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 128
	}
}
