// Package netaddr renders socket addresses in connbridge's canonical
// textual form: "A.B.C.D:P" for IPv4, "[addr]:P" for IPv6.
package netaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// FromSockaddr renders a raw socket address obtained from accept4,
// getsockname, or a resolved destination in canonical form.
func FromSockaddr(sa unix.Sockaddr) (string, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port), nil
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port), nil
	default:
		return "", fmt.Errorf("unsupported socket address type %T", sa)
	}
}

// FromTCPAddr renders a resolved *net.TCPAddr in the same canonical form,
// so resolved destinations and raw accept4/getsockname results are
// textually indistinguishable.
func FromTCPAddr(addr *net.TCPAddr) string {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return fmt.Sprintf("%s:%d", ip4.String(), addr.Port)
	}
	return fmt.Sprintf("[%s]:%d", addr.IP.String(), addr.Port)
}

// ToSockaddr converts a resolved *net.TCPAddr into the raw socket address
// and address family needed to create and connect a non-blocking socket.
func ToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}
