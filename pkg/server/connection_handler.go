package server

import (
	"net/netip"

	"github.com/pagpeter/redirector/pkg/http"
)

type connPhase uint8

const (
	phaseReading connPhase = iota
	phaseWriting
	phaseClosed
)

func (p connPhase) String() string {
	switch p {
	case phaseReading:
		return "reading"
	case phaseWriting:
		return "writing"
	case phaseClosed:
		return "closed"
	}
	return "unknown"
}

// readiness is the platform neutral form of a multiplexer event.
type readiness uint8

const (
	readable readiness = 1 << iota
	writable
	hangup
)

// action tells the reactor what to do with the registration after advance.
type action uint8

const (
	keep action = iota
	armWrite
	teardown
)

// transport is a non-blocking connected socket.
type transport interface {
	http.Receiver
	http.Sender
	// Discard drops whatever the peer sent beyond the request line.
	Discard()
}

// conn is the state of one accepted connection. It is owned by the reactor
// and moves Reading -> Writing -> Closed; a connection is registered for
// exactly one kind of readiness at a time.
type conn struct {
	fd   int
	peer netip.AddrPort
	tr   transport

	phase connPhase
	line  http.RequestLine
	resp  http.Response

	target []byte
	suffix []byte
	ok     bool
}

func (c *conn) reset(fd int, peer netip.AddrPort, tr transport) {
	c.fd = fd
	c.peer = peer
	c.tr = tr
	c.phase = phaseReading
	c.line.Reset()
	c.target = nil
	c.suffix = nil
	c.ok = false
}

// advance drives the connection on a readiness notification.
func (c *conn) advance(ev readiness, srv *Server) action {
	switch c.phase {
	case phaseReading:
		if ev&(readable|hangup) == 0 {
			return keep
		}
		switch c.line.Read(c.tr) {
		case http.NeedMore:
			return keep
		case http.Failed:
			c.phase = phaseClosed
			return teardown
		}
		c.tr.Discard()
		c.target, c.suffix = srv.router.Resolve(c.line.Path())
		c.resp.Reset(srv.tpl, c.target, c.suffix)
		c.phase = phaseWriting
		return armWrite

	case phaseWriting:
		if ev&(writable|hangup) == 0 {
			return keep
		}
		switch c.resp.Advance(c.tr) {
		case http.NeedMore:
			return keep
		case http.Done:
			c.ok = true
		}
		c.phase = phaseClosed
		return teardown
	}
	return teardown
}

// location returns the Location value this connection answered with.
func (c *conn) location() string {
	return string(c.target) + string(c.suffix)
}
