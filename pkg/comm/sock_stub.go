//go:build !linux

package comm

import (
	"errors"
	"net/netip"
)

// ErrPlatformNotSupported is returned on platforms without the
// non-blocking socket plumbing.
var ErrPlatformNotSupported = errors.New("platform not supported")

func newStreamSocket() (int, error)   { return -1, ErrPlatformNotSupported }
func newDatagramSocket() (int, error) { return -1, ErrPlatformNotSupported }

func connectSocket(fd int, ap netip.AddrPort) error { return ErrPlatformNotSupported }
func bindSocket(fd int, port uint16) error          { return ErrPlatformNotSupported }
func listenSocket(fd int) error                     { return ErrPlatformNotSupported }

func acceptSocket(fd int) (int, netip.AddrPort, bool, error) {
	return -1, netip.AddrPort{}, false, ErrPlatformNotSupported
}

func setNoDelay(fd int) error  { return ErrPlatformNotSupported }
func socketError(fd int) error { return ErrPlatformNotSupported }
func closeSocket(fd int)       {}

func localAddrPort(fd int) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrPlatformNotSupported
}

func readSocket(fd int, buf []byte) (int, bool, error)  { return 0, false, ErrPlatformNotSupported }
func writeSocket(fd int, buf []byte) (int, bool, error) { return 0, false, ErrPlatformNotSupported }

func recvDatagram(fd int, buf []byte) (int, netip.AddrPort, bool, error) {
	return 0, netip.AddrPort{}, false, ErrPlatformNotSupported
}

func sendDatagram(fd int, buf []byte, to netip.AddrPort) error { return ErrPlatformNotSupported }
