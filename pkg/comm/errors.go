package comm

import "errors"

var (
	// ErrResolutionFailed is returned when a proxy name has no mapping.
	ErrResolutionFailed = errors.New("proxy resolution failed")

	// ErrBindFailed is returned when a listener or datagram socket
	// cannot bind its port.
	ErrBindFailed = errors.New("bind failed")

	// ErrAlreadyConnected is returned by Connect when a live handler
	// already exists for the address.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned when no live handler exists for the
	// address.
	ErrNotConnected = errors.New("not connected")

	// ErrSendQueueFull is returned when an enqueue would push the
	// per-connection send queue over its byte limit.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrPollError is reported when the reactor observes a socket
	// error condition.
	ErrPollError = errors.New("poll error")

	// ErrHeaderChecksumFailed is reported when an incoming header
	// fails its CRC check. The connection is torn down.
	ErrHeaderChecksumFailed = errors.New("header checksum failed")

	// ErrRequestTimeout is delivered to a response callback whose
	// request expired without a reply.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrDisconnected is delivered when the connection carrying a
	// pending request went away.
	ErrDisconnected = errors.New("disconnected")

	// ErrProxyMappingConflict is returned when a proxy update cannot
	// be applied.
	ErrProxyMappingConflict = errors.New("proxy mapping conflict")

	// ErrInvalidFrame is returned when a proxy update frame is
	// malformed.
	ErrInvalidFrame = errors.New("invalid frame format")
)
