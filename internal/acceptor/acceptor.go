// Package acceptor wires listening sockets into the dispatcher: each
// Listener accepts inbound connections and hands each one off to
// bridge.Start against a fixed destination.
package acceptor

import (
	"fmt"
	"net"
	"os"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/anthropics/connbridge/internal/bridge"
	"github.com/anthropics/connbridge/internal/dispatcher"
	"github.com/anthropics/connbridge/internal/metrics"
	"github.com/anthropics/connbridge/internal/netaddr"
)

// Listener accepts connections on one bound socket and bridges each to a
// single fixed destination.
type Listener struct {
	fd      int
	addr    string
	dest    *net.TCPAddr
	disp    *dispatcher.Dispatcher
	journal string
	metrics *metrics.Metrics
	token   dispatcher.Token
}

// Listen binds and starts listening on local, then registers the
// resulting socket with disp so that every accepted connection is bridged
// to dest. On success it also prints the
// "Listener %d listening on %s\n" startup line to stdout.
func Listen(disp *dispatcher.Dispatcher, local, dest *net.TCPAddr, journalDir string, m *metrics.Metrics) (*Listener, error) {
	sockaddr, family := toListenSockaddr(local)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create listening socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}

	boundAddr, err := sockaddrString(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	l := &Listener{
		fd:      fd,
		addr:    boundAddr,
		dest:    dest,
		disp:    disp,
		journal: journalDir,
		metrics: m,
	}
	tok, err := disp.Register(fd, unix.EPOLLIN, l.onAcceptReady)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register listener: %w", err)
	}
	l.token = tok

	fmt.Fprintf(os.Stdout, "Listener %d listening on %s\n", l.fd, l.addr)
	return l, nil
}

// Addr reports the address this listener is bound to.
func (l *Listener) Addr() string { return l.addr }

func (l *Listener) onAcceptReady(events uint32) {
	for {
		connFD, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			l.accept(connFD)
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		default:
			glog.Errorf("listener %s: accept4: %v", l.addr, err)
			return
		}
	}
}

func (l *Listener) accept(connFD int) {
	peer, err := peerAddrString(connFD)
	if err != nil {
		glog.Warningf("listener %s: %v", l.addr, err)
		unix.Close(connFD)
		return
	}
	if l.metrics != nil {
		l.metrics.Accepted(l.addr)
	}
	if _, err := bridge.Start(l.disp, connFD, peer, l.dest, l.journal, l.metrics); err != nil {
		glog.Warningf("listener %s: bridge %s -> %s: %v", l.addr, peer, l.dest, err)
	}
}

// Close stops accepting new connections on this listener. Bridges already
// started from it are unaffected.
func (l *Listener) Close() error {
	if err := l.disp.Unregister(l.token); err != nil {
		glog.V(1).Infof("unregister listener %s: %v", l.addr, err)
	}
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("close listener %s: %w", l.addr, err)
	}
	return nil
}

// toListenSockaddr builds the bind address for local. A nil or
// unspecified IP binds to all interfaces in the requested family; local
// defaults to IPv4 since that is connbridge's listen-address default.
func toListenSockaddr(local *net.TCPAddr) (unix.Sockaddr, int) {
	if local.IP == nil || local.IP.Equal(net.IPv4zero) {
		return &unix.SockaddrInet4{Port: local.Port}, unix.AF_INET
	}
	if ip4 := local.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: local.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: local.Port}
	copy(sa.Addr[:], local.IP.To16())
	return sa, unix.AF_INET6
}

func sockaddrString(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("getsockname: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}

func peerAddrString(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("getpeername: %w", err)
	}
	return netaddr.FromSockaddr(sa)
}
