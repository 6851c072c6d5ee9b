// Package comm is the asynchronous communication core: address
// abstraction, reactor-driven socket handlers, proxy-name resolution,
// and request/response dispatch. Higher layers talk to peers through
// the Comm facade and receive Events on their dispatch handlers; a
// peer can be named by a stable proxy mnemonic while the endpoint
// behind it moves.
package comm

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/asynccomm/internal/metrics"
	"github.com/malbeclabs/asynccomm/internal/reactor"
)

// Message is an outbound payload plus the header fields callers may
// set. The request id, flags and lengths are filled in by Comm.
type Message struct {
	Command uint32
	GroupID uint32
	GIDSeq  uint32
	Urgent  bool
	Payload []byte
}

// Comm is the public surface of the communication core. One instance
// owns a reactor pool, a dispatch worker pool, and the handler map; it
// is safe for concurrent use.
type Comm struct {
	log        *slog.Logger
	cfg        *Config
	rpool      *reactor.Pool
	dispatcher *dispatcher
	hmap       *handlerMap

	mu         sync.Mutex
	advertised netip.AddrPort // first listener address, echoed as the sender marker

	closed atomic.Bool
}

// New builds a Comm from cfg; nil means DefaultConfig.
func New(cfg *Config) (*Comm, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rpool, err := reactor.NewPool(&reactor.PoolConfig{
		Logger:        cfg.Logger.With("component", "reactor"),
		Size:          cfg.Reactors,
		EdgeTriggered: cfg.EdgeTriggered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open reactor pool: %w", err)
	}
	return &Comm{
		log:        cfg.Logger,
		cfg:        cfg,
		rpool:      rpool,
		dispatcher: newDispatcher(cfg.Logger.With("component", "dispatch"), cfg.Workers),
		hmap:       newHandlerMap(),
	}, nil
}

// Connect establishes a TCP connection to addr asynchronously. The
// CONNECTION_ESTABLISHED (or DISCONNECT, on failure) event arrives on
// dh. A non-positive timeout uses the configured default.
func (c *Comm) Connect(addr Address, timeout time.Duration, dh DispatchHandler) error {
	ap, err := c.hmap.resolve(addr)
	if err != nil {
		return err
	}
	if _, err := c.hmap.lookup(InetAddress(ap)); err == nil {
		return ErrAlreadyConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}

	fd, err := newStreamSocket()
	if err != nil {
		return err
	}
	if c.cfg.TCPNoDelay {
		if err := setNoDelay(fd); err != nil {
			c.log.Debug("TCP_NODELAY failed", "error", err)
		}
	}
	if err := connectSocket(fd, ap); err != nil {
		closeSocket(fd)
		return err
	}

	r := c.rpool.Get(fd)
	h := newDataHandler(c, fd, ap, r, dh, stateConnecting)
	if addr.IsProxy() {
		h.setProxyName(addr.Proxy())
	}
	if err := c.hmap.insert(h, ap); err != nil {
		h.pending.stop()
		closeSocket(fd)
		return err
	}
	metrics.OpenHandlers.Inc()

	// Write readiness signals connect completion.
	if err := r.Register(h, reactor.Writable); err != nil {
		h.shutdown(err)
		return err
	}

	r.AfterFunc(timeout, func() {
		if h.state.Load() == stateConnecting {
			h.shutdown(fmt.Errorf("%w: connect timeout", ErrDisconnected))
		}
	})
	c.log.Debug("connecting", "peer", ap, "proxy", addr.Proxy())
	return nil
}

// Listen installs a TCP listener on port (0 picks an ephemeral port)
// and returns the bound address. Accepted connections deliver
// CONNECTION_ESTABLISHED events to dh.
func (c *Comm) Listen(port uint16, dh DispatchHandler) (netip.AddrPort, error) {
	fd, err := newStreamSocket()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := bindSocket(fd, port); err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	if err := listenSocket(fd); err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	local, err := localAddrPort(fd)
	if err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, err
	}

	r := c.rpool.Get(fd)
	h := newAcceptHandler(c, fd, local, r, dh)
	if err := c.hmap.insert(h, local); err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, err
	}
	metrics.OpenHandlers.Inc()
	if err := r.Register(h, reactor.Readable); err != nil {
		h.shutdown(err)
		return netip.AddrPort{}, err
	}

	c.mu.Lock()
	if !c.advertised.IsValid() {
		c.advertised = local
	}
	c.mu.Unlock()

	c.log.Info("listening", "address", local)
	return local, nil
}

// adoptConnection wraps an accepted socket in a data handler.
func (c *Comm) adoptConnection(fd int, peer netip.AddrPort, dh DispatchHandler) {
	if c.cfg.TCPNoDelay {
		if err := setNoDelay(fd); err != nil {
			c.log.Debug("TCP_NODELAY failed", "error", err)
		}
	}
	r := c.rpool.Get(fd)
	h := newDataHandler(c, fd, peer, r, dh, stateConnected)
	if la, err := localAddrPort(fd); err == nil {
		h.setLocal(la)
	}
	if name, ok := c.hmap.proxies.nameFor(peer); ok {
		h.setProxyName(name)
	}
	if err := c.hmap.insert(h, peer); err != nil {
		c.log.Warn("dropping accepted connection", "peer", peer, "error", err)
		h.pending.stop()
		closeSocket(fd)
		return
	}
	metrics.OpenHandlers.Inc()
	if err := r.Register(h, reactor.Readable); err != nil {
		h.shutdown(err)
		return
	}

	metrics.ConnectionsEstablished.Inc()
	ev := h.newEvent(EventConnectionEstablished, nil)
	c.dispatcher.deliver(&h.ioHandler, dh, ev)
	c.log.Debug("accepted connection", "peer", peer)
}

// OpenDatagramReceive installs a UDP receive socket on port and returns
// the bound address.
func (c *Comm) OpenDatagramReceive(port uint16, dh DispatchHandler) (netip.AddrPort, error) {
	fd, err := newDatagramSocket()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := bindSocket(fd, port); err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	local, err := localAddrPort(fd)
	if err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, err
	}

	r := c.rpool.Get(fd)
	h := newDatagramHandler(c, fd, local, r, dh)
	if err := c.hmap.insert(h, local); err != nil {
		closeSocket(fd)
		return netip.AddrPort{}, err
	}
	metrics.OpenHandlers.Inc()
	if err := r.Register(h, reactor.Readable); err != nil {
		h.shutdown(err)
		return netip.AddrPort{}, err
	}
	c.log.Info("datagram receive open", "address", local)
	return local, nil
}

// lookupData resolves addr to a live data connection.
func (c *Comm) lookupData(addr Address) (*dataHandler, error) {
	h, err := c.hmap.lookup(addr)
	if err != nil {
		return nil, err
	}
	dh, ok := h.(*dataHandler)
	if !ok {
		return nil, ErrNotConnected
	}
	return dh, nil
}

// SendRequest enqueues a request and registers cb for its response.
// Exactly one terminal callback fires: the response, REQUEST_TIMEOUT
// after timeout, or DISCONNECT if the connection dies first. The
// assigned request id is returned.
func (c *Comm) SendRequest(addr Address, timeout time.Duration, msg *Message, cb DispatchHandler) (uint32, error) {
	h, err := c.lookupData(addr)
	if err != nil {
		return 0, err
	}
	if timeout < 0 {
		timeout = 0
	}
	id := h.nextRequestID()
	hdr := Header{
		Version:   ProtocolVersion,
		HeaderLen: HeaderSize,
		Flags:     FlagRequest,
		RequestID: id,
		Command:   msg.Command,
		GroupID:   msg.GroupID,
		GIDSeq:    msg.GIDSeq,
		TimeoutMS: uint32(timeout.Milliseconds()),
	}
	if msg.Urgent {
		hdr.Flags |= FlagUrgent
	}
	buf, err := EncodeMessage(hdr, msg.Payload)
	if err != nil {
		return 0, err
	}

	// Register before enqueueing so a fast response cannot race the
	// table entry.
	h.pending.add(id, cb, timeout)
	if err := h.enqueue(buf, msg.Urgent); err != nil {
		h.pending.drop(id)
		return 0, err
	}
	return id, nil
}

// SendResponse enqueues a response echoing requestID to the peer a
// request arrived from.
func (c *Comm) SendResponse(peer Address, requestID uint32, msg *Message) error {
	h, err := c.lookupData(peer)
	if err != nil {
		return err
	}
	hdr := Header{
		Version:   ProtocolVersion,
		HeaderLen: HeaderSize,
		Flags:     FlagResponse,
		RequestID: requestID,
		Command:   msg.Command,
		GroupID:   msg.GroupID,
		GIDSeq:    msg.GIDSeq,
	}
	if msg.Urgent {
		hdr.Flags |= FlagUrgent
	}
	buf, err := EncodeMessage(hdr, msg.Payload)
	if err != nil {
		return err
	}
	return h.enqueue(buf, msg.Urgent)
}

// SendDatagram sends one framed datagram to addr from the datagram
// socket bound at from.
func (c *Comm) SendDatagram(addr Address, from netip.AddrPort, msg *Message) error {
	to, err := c.hmap.resolve(addr)
	if err != nil {
		return err
	}
	h, err := c.hmap.lookup(InetAddress(from))
	if err != nil {
		return err
	}
	dg, ok := h.(*datagramHandler)
	if !ok {
		return ErrNotConnected
	}
	hdr := Header{
		Version:   ProtocolVersion,
		HeaderLen: HeaderSize,
		Command:   msg.Command,
		GroupID:   msg.GroupID,
		GIDSeq:    msg.GIDSeq,
	}
	buf, err := EncodeMessage(hdr, msg.Payload)
	if err != nil {
		return err
	}
	return dg.send(buf, to)
}

// AddProxy installs or replaces the mapping for a proxy name and
// broadcasts the updated table to every connected peer. Re-adding the
// identical mapping is a no-op with no broadcast. A handler still
// pinned under the name's previous endpoint is decommissioned, so its
// pending requests receive DISCONNECT.
func (c *Comm) AddProxy(name string, ap netip.AddrPort) error {
	if name == "" || name == proxySenderMarker {
		return fmt.Errorf("%w: reserved proxy name %q", ErrProxyMappingConflict, name)
	}
	old, hadOld := c.hmap.proxies.lookup(name)
	if !c.hmap.proxies.set(name, ap) {
		return nil
	}
	c.log.Info("proxy mapping installed", "name", name, "address", ap)

	if hadOld && old != ap {
		if h, err := c.hmap.lookup(InetAddress(old)); err == nil && h.base().getProxyName() == name {
			h.shutdown(ErrDisconnected)
		}
	}

	c.broadcastProxyTable()
	return nil
}

// RemoveProxy drops a mapping locally. No broadcast is issued; peers
// learn of replacements, not removals.
func (c *Comm) RemoveProxy(name string) {
	c.hmap.proxies.remove(name)
}

// ProxyLookup resolves a proxy name to its current endpoint.
func (c *Comm) ProxyLookup(name string) (netip.AddrPort, bool) {
	return c.hmap.proxies.lookup(name)
}

func (c *Comm) localAdvertised() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertised
}

// broadcastProxyTable pushes the full table to every data connection.
func (c *Comm) broadcastProxyTable() {
	frame, err := MarshalProxyFrame(c.hmap.proxies.snapshot(), c.localAdvertised())
	if err != nil {
		c.log.Error("failed to marshal proxy frame", "error", err)
		return
	}
	hdr := Header{Version: ProtocolVersion, HeaderLen: HeaderSize, Flags: FlagProxyUpdate}
	buf, err := EncodeMessage(hdr, frame)
	if err != nil {
		c.log.Error("failed to encode proxy frame", "error", err)
		return
	}
	for _, h := range c.hmap.dataHandlers() {
		if err := h.enqueue(buf, false); err != nil {
			c.log.Warn("proxy broadcast enqueue failed", "peer", h.peer, "error", err)
		}
	}
}

// applyProxyUpdate handles an incoming PROXY_UPDATE frame: apply the
// mappings atomically, alias the connection under the sender's
// advertised endpoint, and echo our own mapping back once per
// connection.
func (c *Comm) applyProxyUpdate(h *dataHandler, payload []byte) {
	mappings, sender, err := UnmarshalProxyFrame(payload)
	if err != nil {
		c.log.Warn("dropping malformed proxy update", "peer", h.peer, "error", err)
		return
	}

	// The sender marker tells us which advertised endpoint this
	// connection belongs to; alias the handler under it and learn the
	// peer's proxy name if the frame names it.
	if sender.IsValid() && sender != h.peer {
		if err := c.hmap.addKey(h, sender); err == nil {
			h.setAlias(sender)
		}
	}
	hasForeign := false
	for _, m := range mappings {
		if m.Addr == sender && h.getProxyName() == "" {
			h.setProxyName(m.Name)
		}
		if m.Name != c.cfg.LocalProxyName {
			hasForeign = true
		}
		if old, ok := c.hmap.proxies.lookup(m.Name); ok && old != m.Addr {
			if stale, err := c.hmap.lookup(InetAddress(old)); err == nil && stale.base().getProxyName() == m.Name {
				stale.shutdown(ErrDisconnected)
			}
		}
	}

	c.hmap.proxies.applyFrame(mappings)
	metrics.ProxyUpdatesApplied.Inc()
	c.log.Debug("proxy update applied", "peer", h.peer, "mappings", len(mappings))

	// Workers echo their own mapping so the sender can route back by
	// name. One echo per connection bounds the exchange.
	if c.cfg.LocalProxyName != "" && hasForeign && h.proxyEchoed.CompareAndSwap(false, true) {
		own := c.localAdvertised()
		if mapped, ok := c.hmap.proxies.lookup(c.cfg.LocalProxyName); ok {
			own = mapped
		}
		if !own.IsValid() {
			return
		}
		frame, err := MarshalProxyFrame([]ProxyMapping{{Name: c.cfg.LocalProxyName, Addr: own}}, own)
		if err != nil {
			return
		}
		hdr := Header{Version: ProtocolVersion, HeaderLen: HeaderSize, Flags: FlagProxyUpdate}
		buf, err := EncodeMessage(hdr, frame)
		if err != nil {
			return
		}
		if err := h.enqueue(buf, false); err != nil {
			c.log.Debug("proxy echo enqueue failed", "peer", h.peer, "error", err)
		}
	}
}

// SetDispatchHandler replaces the default dispatch handler of the
// connection at addr. Acceptors use this to install a per-connection
// handler from their CONNECTION_ESTABLISHED callback.
func (c *Comm) SetDispatchHandler(addr Address, dh DispatchHandler) error {
	h, err := c.hmap.lookup(addr)
	if err != nil {
		return err
	}
	h.base().setDispatchHandler(dh)
	return nil
}

// SetAlias makes the handler at addr reachable under alias as well.
func (c *Comm) SetAlias(addr Address, alias netip.AddrPort) error {
	h, err := c.hmap.lookup(addr)
	if err != nil {
		return err
	}
	if err := c.hmap.addKey(h, alias); err != nil {
		return err
	}
	h.base().setAlias(alias)
	return nil
}

// CloseConnection decommissions the handler at addr. Its dispatch
// handler receives one DISCONNECT; pending requests receive DISCONNECT
// terminals.
func (c *Comm) CloseConnection(addr Address) error {
	h, err := c.hmap.lookup(addr)
	if err != nil {
		return err
	}
	h.shutdown(ErrDisconnected)
	return nil
}

// SetTimer delivers one TIMER event to dh at or after d from now. Timer
// events ride the pool's first reactor, which also services the sockets
// pinned to it.
func (c *Comm) SetTimer(d time.Duration, dh DispatchHandler) {
	c.SetTimerAt(time.Now().Add(d), dh)
}

// SetTimerAt delivers one TIMER event to dh at or after the absolute
// deadline.
func (c *Comm) SetTimerAt(deadline time.Time, dh DispatchHandler) {
	r := c.rpool.Get(0)
	r.AddTimer(deadline, func() {
		ev := &Event{Kind: EventTimer, Arrived: c.cfg.Clock.Now()}
		c.dispatcher.deliver(nil, dh, ev)
	})
}

// Close tears down every handler, waits for in-flight callbacks, and
// stops the reactors.
func (c *Comm) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	handlers := c.hmap.all()
	for _, h := range handlers {
		h.shutdown(ErrDisconnected)
	}
	c.dispatcher.stop()
	c.rpool.Close()
	// Grace timers that had not fired died with the reactors; reap
	// whatever is left.
	for _, h := range handlers {
		h.base().reap()
	}
	c.log.Info("comm closed")
	return nil
}
