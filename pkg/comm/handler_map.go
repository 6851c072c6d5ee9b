package comm

import (
	"net/netip"
	"sync"
)

// commHandler is the map's view of a concrete handler variant.
type commHandler interface {
	base() *ioHandler
	// shutdown decommissions the handler, synthesizing DISCONNECT
	// deliveries. Idempotent.
	shutdown(err error)
}

// handlerMap holds the two authoritative indexes: inet endpoint to live
// handler, and proxy name to inet endpoint. Proxy-name lookups compose
// the two. Mutations are linearizable under the map lock; a reader
// never observes a half-updated record.
type handlerMap struct {
	proxies *proxyTable

	mu     sync.RWMutex
	byInet map[netip.AddrPort]commHandler
}

func newHandlerMap() *handlerMap {
	return &handlerMap{
		proxies: newProxyTable(),
		byInet:  make(map[netip.AddrPort]commHandler),
	}
}

// insert registers a handler under one or more inet keys. A live,
// non-decommissioned handler already occupying any key fails the whole
// insert. A decommissioned occupant is displaced.
func (m *handlerMap) insert(h commHandler, keys ...netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if prev, ok := m.byInet[key]; ok && !prev.base().decommissioned.Load() {
			return ErrAlreadyConnected
		}
	}
	for _, key := range keys {
		m.byInet[key] = h
	}
	b := h.base()
	b.mu.Lock()
	b.mapKeys = append(b.mapKeys, keys...)
	b.mu.Unlock()
	return nil
}

// addKey registers an additional alias key for an inserted handler.
func (m *handlerMap) addKey(h commHandler, key netip.AddrPort) error {
	return m.insert(h, key)
}

// resolve translates an address to its inet endpoint. Proxy names go
// through the proxy table.
func (m *handlerMap) resolve(addr Address) (netip.AddrPort, error) {
	switch addr.Kind() {
	case AddressInet:
		return addr.Inet(), nil
	case AddressProxy:
		ap, ok := m.proxies.lookup(addr.Proxy())
		if !ok {
			return netip.AddrPort{}, ErrResolutionFailed
		}
		return ap, nil
	default:
		return netip.AddrPort{}, ErrResolutionFailed
	}
}

// lookup returns the live handler for an address, translating proxy
// names first.
func (m *handlerMap) lookup(addr Address) (commHandler, error) {
	ap, err := m.resolve(addr)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	h, ok := m.byInet[ap]
	m.mu.RUnlock()
	if !ok || h.base().decommissioned.Load() {
		return nil, ErrNotConnected
	}
	return h, nil
}

// remove drops every key the handler occupies. The caller is
// responsible for having marked the handler decommissioned first.
func (m *handlerMap) remove(h commHandler) {
	b := h.base()
	b.mu.Lock()
	keys := b.mapKeys
	b.mapKeys = nil
	b.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if cur, ok := m.byInet[key]; ok && cur == h {
			delete(m.byInet, key)
		}
	}
}

// all returns a snapshot of every registered handler.
func (m *handlerMap) all() []commHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[commHandler]struct{}, len(m.byInet))
	out := make([]commHandler, 0, len(m.byInet))
	for _, h := range m.byInet {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// dataHandlers returns a snapshot of live data connections.
func (m *handlerMap) dataHandlers() []*dataHandler {
	var out []*dataHandler
	for _, h := range m.all() {
		if dh, ok := h.(*dataHandler); ok && !dh.decommissioned.Load() {
			out = append(out, dh)
		}
	}
	return out
}
