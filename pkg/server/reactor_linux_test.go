//go:build linux

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pagpeter/redirector/pkg/types"
	"github.com/pagpeter/redirector/pkg/utils"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) (int, string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		t.Fatal(err)
	}
	// Same linger as tcp.Listen; accepted sockets inherit it.
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
		t.Fatal(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatal(err)
	}
	if err := unix.Listen(fd, 1000); err != nil {
		t.Fatal(err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatal(err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	return fd, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

type testReactor struct {
	srv    *Server
	r      *Reactor
	addr   string
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

func (tr *testReactor) halt() error {
	tr.once.Do(func() {
		tr.cancel()
		select {
		case tr.err = <-tr.done:
		case <-time.After(5 * time.Second):
			tr.err = errors.New("Run did not return after cancel")
		}
	})
	return tr.err
}

// stop cancels Run and waits for it. Metrics may be read afterwards.
func (tr *testReactor) stop(t *testing.T) {
	t.Helper()
	if err := tr.halt(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func startReactor(t *testing.T, mod func(*types.Config), tune func(*Options), setup func(*Reactor)) *testReactor {
	t.Helper()
	srv := newTestServer(t, mod)
	fd, addr := listenLoopback(t)

	opts := DefaultOptions()
	if tune != nil {
		tune(&opts)
	}
	r, err := NewReactor(srv, fd, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &testReactor{srv: srv, r: r, addr: addr, cancel: cancel, done: make(chan error, 1)}
	go func() { tr.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		tr.halt()
		r.Close()
	})
	return tr
}

func exchange(t *testing.T, addr string, parts ...string) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	for i, p := range parts {
		if i > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		if _, err := io.WriteString(c, p); err != nil {
			t.Fatal(err)
		}
	}
	out, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReactorRedirects(t *testing.T) {
	tr := startReactor(t, func(c *types.Config) { c.AppendPath = true }, nil, nil)
	tpl := tr.srv.Template()

	tests := []struct {
		request        string
		target, suffix string
	}{
		{"GET /docs/guide HTTP/1.1\r\nHost: x\r\n\r\n", "https://docs.example", "/guide"},
		{"GET / HTTP/1.1\r\n\r\n", "https://home.example", ""},
		{"HEAD /elsewhere?q=1 HTTP/1.0\r\n\r\n", "https://default.example", "/elsewhere?q=1"},
		{"GARBAGE\r\n\r\n", "https://default.example", ""},
	}
	for _, tt := range tests {
		got := exchange(t, tr.addr, tt.request)
		want := tpl.Render([]byte(tt.target), []byte(tt.suffix))
		if !bytes.Equal(got, want) {
			t.Errorf("%q answered %q, want %q", tt.request, got, want)
		}
	}

	tr.stop(t)
	m := tr.r.Metrics()
	if m.Requests != uint64(len(tests)) || m.Successes != uint64(len(tests)) {
		t.Errorf("requests = %d, successes = %d", m.Requests, m.Successes)
	}
}

func TestReactorFragmentedRequest(t *testing.T) {
	tr := startReactor(t, nil, nil, nil)
	got := exchange(t, tr.addr, "GE", "T /do", "cs/a", " HTTP/1.1\r\n\r\n")
	want := tr.srv.Template().Render([]byte("https://docs.example"), []byte("/a"))
	if !bytes.Equal(got, want) {
		t.Errorf("answered %q, want %q", got, want)
	}
}

func TestReactorConcurrentClients(t *testing.T) {
	for _, drain := range []bool{true, false} {
		t.Run("drain="+strconv.FormatBool(drain), func(t *testing.T) {
			tr := startReactor(t, nil, func(o *Options) {
				o.DrainAccept = drain
				o.MaxEvents = 4
			}, nil)
			want := tr.srv.Template().Render([]byte("https://docs.example"), []byte("/x"))

			const clients = 64
			var wg sync.WaitGroup
			errs := make(chan error, clients)
			for i := 0; i < clients; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := net.Dial("tcp", tr.addr)
					if err != nil {
						errs <- err
						return
					}
					defer c.Close()
					c.SetDeadline(time.Now().Add(5 * time.Second))
					if _, err := io.WriteString(c, "GET /docs/x HTTP/1.1\r\n\r\n"); err != nil {
						errs <- err
						return
					}
					got, err := io.ReadAll(c)
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(got, want) {
						errs <- errors.New("unexpected response " + strconv.Quote(string(got)))
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}

			tr.stop(t)
			m := tr.r.Metrics()
			if m.Requests != clients || m.Successes != clients || m.Completions != clients {
				t.Errorf("metrics = %+v", *m)
			}
			if m.MaxEvents > 4 {
				t.Errorf("MaxEvents = %d with a batch of 4", m.MaxEvents)
			}
		})
	}
}

func TestReactorSilentClose(t *testing.T) {
	tr := startReactor(t, nil, nil, nil)

	c, err := net.Dial("tcp", tr.addr)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	// A served request afterwards proves the loop carried on.
	exchange(t, tr.addr, "GET / HTTP/1.1\r\n\r\n")
	time.Sleep(50 * time.Millisecond)

	tr.stop(t)
	m := tr.r.Metrics()
	if m.Requests != 2 || m.Successes != 1 || m.Completions != 2 || m.Failures() != 1 {
		t.Errorf("metrics = %+v", *m)
	}
}

func TestReactorBlockList(t *testing.T) {
	tr := startReactor(t, nil, nil, func(r *Reactor) {
		r.srv.State.Blocked = utils.BlockList{netip.MustParseAddr("127.0.0.1"): {}}
	})

	// Nothing is sent: the peer is closed before its input is read.
	if got := exchange(t, tr.addr); len(got) != 0 {
		t.Errorf("blocked peer answered %q", got)
	}
	tr.stop(t)
	if m := tr.r.Metrics(); m.Requests != 1 || m.Successes != 0 {
		t.Errorf("metrics = %+v", *m)
	}
}

func TestReactorStalledReaderDoesNotBlock(t *testing.T) {
	tr := startReactor(t, func(c *types.Config) { c.AppendPath = true }, nil, nil)

	d := net.Dialer{Control: func(network, address string, rc syscall.RawConn) error {
		var serr error
		if err := rc.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1)
		}); err != nil {
			return err
		}
		return serr
	}}
	stalled, err := d.Dial("tcp", tr.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	// The response echoes the long path and the peer never reads it.
	if _, err := io.WriteString(stalled, "GET /"+strings.Repeat("a", 7990)+" HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	got := exchange(t, tr.addr, "GET / HTTP/1.1\r\n\r\n")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("second client served after %v", elapsed)
	}
	if want := tr.srv.Template().Render([]byte("https://home.example"), nil); !bytes.Equal(got, want) {
		t.Errorf("answered %q, want %q", got, want)
	}
}

func TestReactorShutdownAbandonsConnections(t *testing.T) {
	tr := startReactor(t, nil, nil, nil)

	c, err := net.Dial("tcp", tr.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	io.WriteString(c, "GET /unfinished")
	time.Sleep(50 * time.Millisecond)

	tr.stop(t)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(c)
	if len(got) != 0 {
		t.Errorf("abandoned connection answered %q", got)
	}
	if err := tr.r.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after stop = %v, want ErrStopped", err)
	}
}

type chanReporter chan Metrics

func (c chanReporter) Report(m *Metrics) {
	select {
	case c <- m.Snapshot():
	default:
	}
	m.ResetPeaks()
}

func TestReactorIdleReport(t *testing.T) {
	reports := make(chanReporter, 4)
	startReactor(t, nil,
		func(o *Options) { o.IdleTimeout = 30 * time.Millisecond },
		func(r *Reactor) { r.SetReporter(reports) })

	select {
	case m := <-reports:
		if m.Requests != 0 {
			t.Errorf("idle report with %d requests", m.Requests)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no report after idling")
	}
}

func TestReactorCountReport(t *testing.T) {
	reports := make(chanReporter, 4)
	tr := startReactor(t, nil,
		func(o *Options) { o.ReportEvery = 2 },
		func(r *Reactor) { r.SetReporter(reports) })

	exchange(t, tr.addr, "GET / HTTP/1.1\r\n\r\n")
	select {
	case m := <-reports:
		t.Fatalf("report after one request: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
	exchange(t, tr.addr, "GET / HTTP/1.1\r\n\r\n")
	select {
	case m := <-reports:
		if m.Requests != 2 {
			t.Errorf("report at %d requests", m.Requests)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no report after two requests")
	}
}

func TestReactorAccessLog(t *testing.T) {
	sink := &memorySink{}
	var access *AccessLog
	tr := startReactor(t, nil, nil, func(r *Reactor) {
		access = NewAccessLog(r.srv, sink, 16)
		r.SetAccessLog(access)
	})

	ctx, cancel := context.WithCancel(context.Background())
	logDone := make(chan error, 1)
	go func() { logDone <- access.Run(ctx) }()

	exchange(t, tr.addr, "GET /docs/a HTTP/1.1\r\n\r\n")
	tr.stop(t)
	cancel()
	if err := <-logDone; err != nil {
		t.Fatal(err)
	}

	logs := sink.saved()
	if len(logs) != 1 {
		t.Fatalf("saved %d records", len(logs))
	}
	want := types.RequestLog{Method: "GET", Path: "/docs/a", Location: "https://docs.example/a", Status: 302, Success: true}
	got := logs[0]
	got.Time = 0
	if got.Method != want.Method || got.Path != want.Path || got.Location != want.Location ||
		got.Status != want.Status || got.Success != want.Success || got.IP != "" {
		t.Errorf("record = %+v", logs[0])
	}
}

// listenerReady waits up to ms for the listener to show up in the epoll set.
func listenerReady(t *testing.T, r *Reactor, ms int) bool {
	t.Helper()
	for {
		n, err := unix.EpollWait(r.epfd, r.events, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if int(r.events[i].Fd) == r.listenFd {
				return true
			}
		}
		return false
	}
}

func dialHeld(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReactorAcceptPause(t *testing.T) {
	srv := newTestServer(t, nil)
	fd, addr := listenLoopback(t)
	r, err := NewReactor(srv, fd, nil, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })

	dialHeld(t, addr)
	now := time.Now()
	if err := r.accept(now); err != nil || r.metrics.Active != 1 {
		t.Fatalf("accept = %v, active = %d", err, r.metrics.Active)
	}

	r.pauseAccept(now, unix.EMFILE)
	if r.listenArmed || !r.exhausted {
		t.Fatalf("armed = %v, exhausted = %v after EMFILE", r.listenArmed, r.exhausted)
	}
	dialHeld(t, addr)
	if listenerReady(t, r, 20) {
		t.Fatal("paused listener still reported")
	}

	r.resumeAccept(now.Add(acceptCooldown / 2))
	if r.listenArmed {
		t.Fatal("listener re-armed before the cooldown")
	}
	r.resumeAccept(now.Add(acceptCooldown))
	if !r.listenArmed || !listenerReady(t, r, 1000) {
		t.Fatalf("listener not re-armed after the cooldown")
	}

	// A second failure in the same episode stays quiet.
	r.pauseAccept(now, unix.EMFILE)
	if !r.exhausted {
		t.Error("episode ended without a successful accept")
	}
	r.resumeAccept(now.Add(acceptCooldown))
	if err := r.accept(now); err != nil || r.metrics.Active != 2 {
		t.Fatalf("accept = %v, active = %d", err, r.metrics.Active)
	}
	if r.exhausted {
		t.Error("successful accept did not end the episode")
	}

	// A released descriptor re-arms the listener before the cooldown ends.
	now = time.Now()
	r.pauseAccept(now, unix.EMFILE)
	dialHeld(t, addr)
	for _, c := range r.conns {
		r.teardown(c)
		break
	}
	r.resumeAccept(now)
	if !r.listenArmed || !listenerReady(t, r, 1000) {
		t.Error("listener not re-armed after a connection closed")
	}
}

func TestWaitTimeout(t *testing.T) {
	r := &Reactor{opts: Options{IdleTimeout: time.Second}, listenArmed: true}
	now := time.Now()
	if got := r.waitTimeout(now); got != 1000 {
		t.Errorf("armed wait = %d", got)
	}
	r.listenArmed = false
	r.pausedUntil = now.Add(40 * time.Millisecond)
	if got := r.waitTimeout(now); got != 40 {
		t.Errorf("paused wait = %d", got)
	}
	r.pausedUntil = now.Add(-time.Millisecond)
	if got := r.waitTimeout(now); got != 0 {
		t.Errorf("expired pause wait = %d", got)
	}
}

func TestErrnoClasses(t *testing.T) {
	for _, err := range []error{unix.ECONNABORTED, unix.EPROTO, unix.EINTR} {
		if !isTransient(err) || isExhausted(err) {
			t.Errorf("%v misclassified", err)
		}
	}
	for _, err := range []error{unix.EMFILE, unix.ENFILE, unix.ENOBUFS} {
		if !isExhausted(err) || isTransient(err) {
			t.Errorf("%v misclassified", err)
		}
	}
	if isTransient(unix.EBADF) || isExhausted(unix.EBADF) {
		t.Error("EBADF classified")
	}
}
