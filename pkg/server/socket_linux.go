//go:build linux

package server

import (
	"errors"
	"io"
	"net/netip"

	"github.com/pagpeter/redirector/pkg/http"
	"golang.org/x/sys/unix"
)

// fdSocket is a non-blocking connected TCP descriptor.
type fdSocket struct {
	fd      int
	scratch []byte
}

func (s *fdSocket) Receive(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, http.ErrWouldBlock
		}
		return 0, err
	}
}

func (s *fdSocket) Send(p []byte, more bool) (int, error) {
	flags := unix.MSG_NOSIGNAL | unix.MSG_DONTWAIT
	if more {
		flags |= unix.MSG_MORE
	}
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, flags)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, http.ErrWouldBlock
		}
		return 0, err
	}
}

// Discard drops pending input without copying it. TCP honours MSG_TRUNC by
// throwing the bytes away, so scratch is never written.
func (s *fdSocket) Discard() {
	_, _, _ = unix.Recvfrom(s.fd, s.scratch, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
}

// noLinger turns SO_LINGER off on an accepted socket. Accepted sockets
// inherit the listener's linger, and a lingering close waits for the peer to
// acknowledge queued data even on a non-blocking descriptor.
func noLinger(fd int) error {
	return unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{})
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}

// isTransient reports accept errors that concern only the connection being
// accepted; the listener itself is fine.
func isTransient(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EINPROGRESS,
		unix.ENETDOWN, unix.ENOPROTOOPT, unix.EHOSTDOWN, unix.ENONET,
		unix.EHOSTUNREACH, unix.EOPNOTSUPP, unix.ENETUNREACH:
		return true
	}
	return false
}

// isExhausted reports accept errors caused by the process or system running
// out of descriptors or memory.
func isExhausted(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}
