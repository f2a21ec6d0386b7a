package network

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"ss-relay/internal/domain"
)

const listenBacklog = 128

func family(ip net.IP) int {
	if ip == nil || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func newSocket(ip net.IP, typ int) (int, error) {
	fd, err := unix.Socket(family(ip), typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

func ListenTCP(local domain.Endpoint) (int, error) {
	fd, err := newSocket(local.IP, unix.SOCK_STREAM)
	if err != nil {
		return 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Bind(fd, ToSockaddr(local)); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

func ListenUDP(local domain.Endpoint) (int, error) {
	fd, err := newSocket(local.IP, unix.SOCK_DGRAM)
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, ToSockaddr(local)); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// BindUDP returns an unbound datagram socket able to reach peers of ip's family.
func BindUDP(ip net.IP) (int, error) {
	return newSocket(ip, unix.SOCK_DGRAM)
}

// Accept returns a non-blocking connection and its peer.
func Accept(listenFD int) (int, domain.Endpoint, error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, domain.Endpoint{}, err
	}
	unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nfd, FromSockaddr(sa), nil
}

// Connect starts a non-blocking connect. Completion is signalled by EventWrite.
func Connect(target domain.Endpoint) (int, error) {
	fd, err := newSocket(target.IP, unix.SOCK_STREAM)
	if err != nil {
		return 0, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, ToSockaddr(target))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// SocketError returns the pending error of fd, if any.
func SocketError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func LocalEndpoint(fd int) (domain.Endpoint, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return FromSockaddr(sa), nil
}

func ToSockaddr(ep domain.Endpoint) unix.Sockaddr {
	if ip4 := ep.IP.To4(); ip4 != nil || ep.IP == nil {
		sa := &unix.SockaddrInet4{Port: ep.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: ep.Port}
	copy(sa.Addr[:], ep.IP.To16())
	return sa
}

func FromSockaddr(sa unix.Sockaddr) domain.Endpoint {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return domain.Endpoint{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]).To4(), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return domain.Endpoint{IP: ip, Port: a.Port}
	}
	return domain.Endpoint{}
}

// ParseEndpoint accepts host:port where host is an IP literal.
func ParseEndpoint(hostport string) (domain.Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return domain.Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return domain.Endpoint{}, fmt.Errorf("not an IP address: %q", host)
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{IP: ip, Port: p}, nil
}
