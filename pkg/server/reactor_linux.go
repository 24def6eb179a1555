//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagpeter/redirector/pkg/http"
	"github.com/pagpeter/redirector/pkg/types"
	"golang.org/x/sys/unix"
)

// Reactor is the single goroutine, readiness driven redirect engine. It
// owns an epoll instance with three kinds of registrations: the listening
// socket, an eventfd used to interrupt the wait, and one registration per
// open connection. Every socket is non-blocking and nothing on the loop
// ever waits for I/O outside epoll_wait.
type Reactor struct {
	srv      *Server
	opts     Options
	metrics  *Metrics
	reporter Reporter
	access   *AccessLog

	listenFd int
	epfd     int
	wakeFd   int

	conns   map[int]*conn
	free    []*conn
	events  []unix.EpollEvent
	scratch []byte

	listenArmed bool
	exhausted   bool
	pausedUntil time.Time
	lastActive  time.Time
	stopped     bool
	closeOnce   sync.Once
}

// NewReactor prepares a reactor serving the bound, listening socket
// listenFd. The caller keeps ownership of listenFd.
func NewReactor(srv *Server, listenFd int, metrics *Metrics, opts Options) (*Reactor, error) {
	opts.normalize()
	if metrics == nil {
		metrics = NewMetrics()
	}
	if err := unix.SetNonblock(listenFd, true); err != nil {
		return nil, fmt.Errorf("listener nonblock: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	r := &Reactor{
		srv:      srv,
		opts:     opts,
		metrics:  metrics,
		listenFd: listenFd,
		epfd:     epfd,
		wakeFd:   wakeFd,
		conns:    make(map[int]*conn),
		events:   make([]unix.EpollEvent, opts.MaxEvents),
		scratch:  make([]byte, http.BufferSize),
	}

	if err := r.register(wakeFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, fmt.Errorf("epoll_ctl eventfd: %w", err)
	}
	if err := r.register(listenFd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, fmt.Errorf("epoll_ctl listener: %w", err)
	}
	r.listenArmed = true
	return r, nil
}

func (r *Reactor) SetReporter(rep Reporter) { r.reporter = rep }

// SetAccessLog enables per-connection access records.
func (r *Reactor) SetAccessLog(l *AccessLog) { r.access = l }

func (r *Reactor) Metrics() *Metrics { return r.metrics }

// Run serves until ctx is cancelled or the multiplexer or the listener
// fails. Cancellation returns nil right away: open connections are closed
// without being served.
func (r *Reactor) Run(ctx context.Context) error {
	if r.stopped {
		return ErrStopped
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			r.wake()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	r.lastActive = time.Now()
	for {
		n, err := unix.EpollWait(r.epfd, r.events, r.waitTimeout(time.Now()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		now := time.Now()
		if n == 0 {
			r.resumeAccept(now)
			if now.Sub(r.lastActive) >= r.opts.IdleTimeout {
				r.report()
				r.lastActive = now
			}
			continue
		}
		r.lastActive = now
		r.metrics.wake(n)

		for i := 0; i < n; i++ {
			ev := &r.events[i]
			switch fd := int(ev.Fd); fd {
			case r.wakeFd:
				r.abandon()
				return nil
			case r.listenFd:
				if err := r.accept(now); err != nil {
					return err
				}
			default:
				if c, ok := r.conns[fd]; ok {
					r.dispatch(c, toReadiness(ev.Events))
				}
			}
		}
		r.resumeAccept(now)
	}
}

func (r *Reactor) waitTimeout(now time.Time) int {
	d := r.opts.IdleTimeout
	if !r.listenArmed {
		if until := r.pausedUntil.Sub(now); until < d {
			d = until
		}
	}
	if d <= 0 {
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

func (r *Reactor) accept(now time.Time) error {
	retries := 0
	for {
		nfd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return nil
			case isTransient(err):
				if retries++; retries < maxAcceptRetries {
					continue
				}
				return nil
			case isExhausted(err):
				r.pauseAccept(now, err)
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		retries = 0
		r.exhausted = false

		r.open(nfd, sa)
		if r.opts.ReportEvery > 0 && r.metrics.Requests%r.opts.ReportEvery == 0 {
			r.report()
		}
		if !r.opts.DrainAccept {
			return nil
		}
	}
}

func (r *Reactor) open(fd int, sa unix.Sockaddr) {
	peer := addrPort(sa)
	if r.srv.State.Blocked.IsIPBlocked(peer.Addr()) {
		unix.Close(fd)
		r.metrics.rejected()
		if r.opts.Verbose {
			Log(fmt.Sprintf("Request from IP %v blocked", peer.Addr()))
		}
		return
	}

	if err := noLinger(fd); err != nil {
		unix.Close(fd)
		r.metrics.rejected()
		Log(fmt.Sprintf("SO_LINGER %v: %v", peer, err))
		return
	}

	c := r.get()
	c.reset(fd, peer, &fdSocket{fd: fd, scratch: r.scratch})
	if err := r.register(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		r.metrics.rejected()
		r.put(c)
		Log(fmt.Sprintf("epoll_ctl add %v: %v", peer, err))
		return
	}
	r.conns[fd] = c
	r.metrics.opened()
}

func (r *Reactor) dispatch(c *conn, ev readiness) {
	switch c.advance(ev, r.srv) {
	case armWrite:
		e := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(c.fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, c.fd, &e); err != nil {
			r.teardown(c)
		}
	case teardown:
		r.teardown(c)
	}
}

func (r *Reactor) teardown(c *conn) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	if c.ok {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	_ = unix.Close(c.fd)
	delete(r.conns, c.fd)
	r.metrics.closed(c.ok)

	if !c.ok && r.opts.Verbose {
		if c.line.Done() {
			Log(fmt.Sprintf("%v: response aborted after %d of %d bytes", c.peer, c.resp.Sent(), c.resp.Len()))
		} else {
			Log(fmt.Sprintf("%v: closed before a request line", c.peer))
		}
	}
	if r.access != nil && c.line.Done() {
		r.record(c)
	}
	if !r.listenArmed {
		// A descriptor was just released.
		r.pausedUntil = time.Time{}
	}
	r.put(c)
}

func (r *Reactor) record(c *conn) {
	rec := types.RequestLog{
		Method:   string(c.line.Method()),
		Path:     string(c.line.Path()),
		Location: c.location(),
		Status:   r.srv.tpl.Status(),
		Success:  c.ok,
		Time:     time.Now().Unix(),
	}
	if !r.access.Offer(rec, c.peer) {
		r.metrics.Dropped++
	}
}

// pauseAccept disarms the listener for acceptCooldown. The episode is logged
// once; it ends with the next successful accept.
func (r *Reactor) pauseAccept(now time.Time, cause error) {
	if !r.exhausted {
		r.exhausted = true
		Log(fmt.Sprintf("accept: %v (%d connections open), pausing for %v", cause, r.metrics.Active, acceptCooldown))
	}
	if r.listenArmed {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, r.listenFd, nil)
		r.listenArmed = false
	}
	r.pausedUntil = now.Add(acceptCooldown)
}

func (r *Reactor) resumeAccept(now time.Time) {
	if r.listenArmed || now.Before(r.pausedUntil) {
		return
	}
	if err := r.register(r.listenFd, unix.EPOLLIN); err != nil {
		Log(fmt.Sprintf("epoll_ctl listener: %v", err))
		r.pausedUntil = now.Add(acceptCooldown)
		return
	}
	r.listenArmed = true
}

func (r *Reactor) register(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *Reactor) report() {
	if r.reporter != nil {
		r.reporter.Report(r.metrics)
	}
}

func (r *Reactor) get() *conn {
	if n := len(r.free); n > 0 {
		c := r.free[n-1]
		r.free = r.free[:n-1]
		return c
	}
	return &conn{}
}

func (r *Reactor) put(c *conn) {
	c.tr = nil
	if len(r.free) < maxFreeConns {
		r.free = append(r.free, c)
	}
}

func (r *Reactor) wake() {
	buf := [8]byte{1}
	_, _ = unix.Write(r.wakeFd, buf[:])
}

// abandon closes every open connection without answering it.
func (r *Reactor) abandon() {
	r.stopped = true
	for fd := range r.conns {
		_ = unix.Close(fd)
		delete(r.conns, fd)
	}
	r.metrics.Active = 0
}

// Close releases the epoll instance and every open connection. It must not
// be called while Run is executing.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.abandon()
		if e := unix.Close(r.wakeFd); e != nil {
			err = e
		}
		if e := unix.Close(r.epfd); e != nil && err == nil {
			err = e
		}
	})
	return err
}

func toReadiness(events uint32) readiness {
	var ev readiness
	if events&unix.EPOLLIN != 0 {
		ev |= readable
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= writable
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= hangup
	}
	return ev
}
