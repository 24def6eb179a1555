//go:build linux

package tcp

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Backlog is the listen queue length requested from the kernel.
const Backlog = 1000

// Listen opens a non-blocking, listening TCP socket on host:port and returns
// its descriptor. An empty host listens on every IPv4 address.
func Listen(host string, port int) (int, error) {
	hostport := net.JoinHostPort(host, strconv.Itoa(port))
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return -1, fmt.Errorf("listen %s: %w", hostport, err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := setOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", hostport, err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", hostport, err)
	}
	return fd, nil
}

// Port returns the local port fd is bound to.
func Port(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("getsockname: unexpected address %T", sa)
}

func setOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	// Accepted sockets inherit this; the reactor switches it off on each one
	// because a lingering close blocks.
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
		return fmt.Errorf("SO_LINGER: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("TCP_NODELAY: %w", err)
	}
	return nil
}

func sockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 65535 {
		return nil, 0, fmt.Errorf("invalid port %d", port)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		addr, err = lookup(host)
		if err != nil {
			return nil, 0, err
		}
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		ifi, err := net.InterfaceByName(zone)
		if err != nil {
			return nil, 0, err
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return sa, unix.AF_INET6, nil
}

// lookup resolves host, preferring an IPv4 address.
func lookup(host string) (netip.Addr, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.Addr{}, err
	}
	var first netip.Addr
	for _, ip := range ips {
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		a = a.Unmap()
		if a.Is4() {
			return a, nil
		}
		if !first.IsValid() {
			first = a
		}
	}
	if !first.IsValid() {
		return netip.Addr{}, fmt.Errorf("no address for %s", host)
	}
	return first, nil
}

// Close releases a descriptor returned by Listen.
func Close(fd int) error { return unix.Close(fd) }
