//go:build linux

package comm

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Non-blocking IPv4 socket plumbing. Everything here hands raw fds to
// the reactor layer; ownership of the fd belongs to the handler that
// wraps it.

func sockaddrFrom(ap netip.AddrPort) (*unix.SockaddrInet4, error) {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("IPv4 address required, got %s", ap)
	}
	sa := &unix.SockaddrInet4{Port: int(ap.Port())}
	sa.Addr = addr.As4()
	return sa, nil
}

func addrPortFrom(sa unix.Sockaddr) (netip.AddrPort, bool) {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)), true
}

func newStreamSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func newDatagramSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

// connectSocket issues a non-blocking connect. EINPROGRESS is the
// normal outcome; completion is detected via write readiness.
func connectSocket(fd int, ap netip.AddrPort) error {
	sa, err := sockaddrFrom(ap)
	if err != nil {
		return err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		return fmt.Errorf("connect %s: %w", ap, err)
	}
	return nil
}

func bindSocket(fd int, port uint16) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	return nil
}

func listenSocket(fd int) error {
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// acceptSocket returns the accepted fd and peer, or ok=false on EAGAIN.
func acceptSocket(fd int) (nfd int, peer netip.AddrPort, ok bool, err error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, netip.AddrPort{}, false, nil
		}
		return -1, netip.AddrPort{}, false, fmt.Errorf("accept: %w", err)
	}
	ap, _ := addrPortFrom(sa)
	return nfd, ap, true, nil
}

func setNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	return nil
}

// socketError reads and clears SO_ERROR, used to resolve the outcome of
// a non-blocking connect.
func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

func localAddrPort(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	ap, ok := addrPortFrom(sa)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("getsockname: not an IPv4 socket")
	}
	return ap, nil
}

func closeSocket(fd int) {
	_ = unix.Close(fd)
}

// readSocket reads once; ok=false means EAGAIN. n==0 with a nil error
// is end of stream.
func readSocket(fd int, buf []byte) (n int, ok bool, err error) {
	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		if err == unix.EINTR {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// writeSocket writes once; ok=false means EAGAIN.
func writeSocket(fd int, buf []byte) (n int, ok bool, err error) {
	n, err = unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		if err == unix.EINTR {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// recvDatagram reads one datagram; ok=false means EAGAIN.
func recvDatagram(fd int, buf []byte) (n int, from netip.AddrPort, ok bool, err error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, netip.AddrPort{}, false, nil
		}
		return 0, netip.AddrPort{}, false, err
	}
	ap, _ := addrPortFrom(sa)
	return n, ap, true, nil
}

// sendDatagram writes one datagram; partial sends do not happen with
// SOCK_DGRAM, so any success counts as complete.
func sendDatagram(fd int, buf []byte, to netip.AddrPort) error {
	sa, err := sockaddrFrom(to)
	if err != nil {
		return err
	}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return fmt.Errorf("sendto %s: %w", to, err)
	}
	return nil
}
