//go:build !linux

package server

import "context"

// Reactor is only implemented on linux.
type Reactor struct{}

func NewReactor(srv *Server, listenFd int, metrics *Metrics, opts Options) (*Reactor, error) {
	return nil, ErrUnsupported
}

func (r *Reactor) SetReporter(rep Reporter) {}

func (r *Reactor) SetAccessLog(l *AccessLog) {}

func (r *Reactor) Metrics() *Metrics { return nil }

func (r *Reactor) Run(ctx context.Context) error { return ErrUnsupported }

func (r *Reactor) Close() error { return nil }
