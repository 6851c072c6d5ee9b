package comm

import (
	"cmp"
	"net/netip"
)

// AddressKind discriminates the three forms an Address can take.
type AddressKind uint8

const (
	AddressUnset AddressKind = iota
	AddressProxy
	AddressInet
)

// Address identifies a peer either by an opaque proxy name or by an
// IPv4:port endpoint. Proxy names are mnemonics (e.g. "rs-7") resolved
// through the handler map to a current endpoint, so callers can keep a
// stable name while the endpoint behind it moves.
//
// Address is comparable and usable as a map key.
type Address struct {
	kind  AddressKind
	proxy string
	inet  netip.AddrPort
}

// InetAddress returns an Address holding the given endpoint.
func InetAddress(ap netip.AddrPort) Address {
	return Address{kind: AddressInet, inet: ap}
}

// ProxyAddress returns an Address holding the given proxy name.
func ProxyAddress(name string) Address {
	return Address{kind: AddressProxy, proxy: name}
}

func (a Address) Kind() AddressKind { return a.kind }

func (a Address) IsSet() bool   { return a.kind != AddressUnset }
func (a Address) IsProxy() bool { return a.kind == AddressProxy }
func (a Address) IsInet() bool  { return a.kind == AddressInet }

// Proxy returns the proxy name; empty unless IsProxy.
func (a Address) Proxy() string { return a.proxy }

// Inet returns the endpoint; zero unless IsInet.
func (a Address) Inet() netip.AddrPort { return a.inet }

// SetProxy switches the address to proxy form.
func (a *Address) SetProxy(name string) {
	*a = Address{kind: AddressProxy, proxy: name}
}

// SetInet switches the address to inet form.
func (a *Address) SetInet(ap netip.AddrPort) {
	*a = Address{kind: AddressInet, inet: ap}
}

// Clear resets the address to the unset state.
func (a *Address) Clear() { *a = Address{} }

// String renders the proxy name, a host:port endpoint, or the literal
// "[NULL]" for an unset address.
func (a Address) String() string {
	switch a.kind {
	case AddressProxy:
		return a.proxy
	case AddressInet:
		return a.inet.String()
	default:
		return "[NULL]"
	}
}

// Compare orders addresses first by kind, then by proxy name or by
// endpoint. Two unset addresses are equal.
func (a Address) Compare(b Address) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	switch a.kind {
	case AddressProxy:
		return cmp.Compare(a.proxy, b.proxy)
	case AddressInet:
		return a.inet.Compare(b.inet)
	default:
		return 0
	}
}

// Less reports whether a orders before b.
func (a Address) Less(b Address) bool { return a.Compare(b) < 0 }
