package comm

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"sync"
)

// proxySenderMarker is the reserved name identifying the sender's own
// endpoint inside a proxy update frame.
const proxySenderMarker = "*"

// ProxyMapping is one (name, endpoint) pair of a proxy update frame.
type ProxyMapping struct {
	Name string
	Addr netip.AddrPort
}

// proxyTable is the authoritative proxy-name to endpoint translation
// table. Updates replace entries atomically under the write lock, so
// readers never observe a half-updated record.
type proxyTable struct {
	mu      sync.RWMutex
	forward map[string]netip.AddrPort
}

func newProxyTable() *proxyTable {
	return &proxyTable{forward: make(map[string]netip.AddrPort)}
}

// set installs or replaces a mapping. It reports whether the table
// changed, so idempotent re-adds can skip broadcasting.
func (t *proxyTable) set(name string, addr netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.forward[name]; ok && prev == addr {
		return false
	}
	t.forward[name] = addr
	return true
}

func (t *proxyTable) lookup(name string) (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ap, ok := t.forward[name]
	return ap, ok
}

// nameFor returns the proxy name currently mapped to addr, if any.
func (t *proxyTable) nameFor(addr netip.AddrPort) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for name, ap := range t.forward {
		if ap == addr {
			return name, true
		}
	}
	return "", false
}

func (t *proxyTable) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.forward, name)
}

// snapshot returns the mappings sorted by name for a deterministic
// frame layout.
func (t *proxyTable) snapshot() []ProxyMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProxyMapping, 0, len(t.forward))
	for name, ap := range t.forward {
		out = append(out, ProxyMapping{Name: name, Addr: ap})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// applyFrame installs every mapping of a decoded update frame in one
// critical section, so readers never observe a partially applied frame.
func (t *proxyTable) applyFrame(mappings []ProxyMapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range mappings {
		t.forward[m.Name] = m.Addr
	}
}

// MarshalProxyFrame encodes mappings plus the sender marker entry into
// a proxy update payload: a uint16 entry count followed by
// (len-prefixed name, ipv4, port) triples, little-endian. The marker
// entry is omitted when sender is not a valid endpoint.
func MarshalProxyFrame(mappings []ProxyMapping, sender netip.AddrPort) ([]byte, error) {
	entries := make([]ProxyMapping, 0, len(mappings)+1)
	entries = append(entries, mappings...)
	if sender.IsValid() {
		entries = append(entries, ProxyMapping{Name: proxySenderMarker, Addr: sender})
	}

	size := 2
	for _, m := range entries {
		if len(m.Name) > 255 {
			return nil, fmt.Errorf("proxy name too long: %d bytes", len(m.Name))
		}
		if !m.Addr.Addr().Is4() && !m.Addr.Addr().Is4In6() {
			return nil, fmt.Errorf("proxy mapping %q: IPv4 endpoint required", m.Name)
		}
		size += 1 + len(m.Name) + 4 + 2
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(entries)))
	off := 2
	for _, m := range entries {
		buf[off] = uint8(len(m.Name))
		off++
		off += copy(buf[off:], m.Name)
		ip4 := m.Addr.Addr().As4()
		off += copy(buf[off:], ip4[:])
		binary.LittleEndian.PutUint16(buf[off:off+2], m.Addr.Port())
		off += 2
	}
	return buf, nil
}

// UnmarshalProxyFrame decodes a proxy update payload. The sender marker
// entry is split out of the returned mapping list.
func UnmarshalProxyFrame(buf []byte) (mappings []ProxyMapping, sender netip.AddrPort, err error) {
	if len(buf) < 2 {
		return nil, sender, ErrInvalidFrame
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return nil, sender, ErrInvalidFrame
		}
		nameLen := int(buf[off])
		off++
		if off+nameLen+6 > len(buf) {
			return nil, sender, ErrInvalidFrame
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		var ip4 [4]byte
		copy(ip4[:], buf[off:off+4])
		off += 4
		port := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2

		ap := netip.AddrPortFrom(netip.AddrFrom4(ip4), port)
		if name == proxySenderMarker {
			sender = ap
			continue
		}
		mappings = append(mappings, ProxyMapping{Name: name, Addr: ap})
	}
	if off != len(buf) {
		return nil, sender, ErrInvalidFrame
	}
	return mappings, sender, nil
}
