package comm

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/asynccomm/internal/metrics"
	"github.com/malbeclabs/asynccomm/internal/reactor"
)

// freedSentinel marks a destructed handler. Destroying a handler twice
// trips the sentinel and panics, the same tripwire the reference-count
// discipline is meant to make impossible.
const freedSentinel = 0xdeadbeef

// ioHandler is the state shared by every per-socket handler variant:
// addresses, the owning reactor, the default dispatch handler, and the
// reference count that defers socket close until all in-flight
// callbacks have finished plus the grace delay.
type ioHandler struct {
	log  *slog.Logger
	comm *Comm
	fd   int
	r    *reactor.Reactor

	peer netip.AddrPort // remote endpoint; zero for listeners and datagram sockets

	refs           atomic.Int32
	closing        atomic.Bool
	decommissioned atomic.Bool
	removalQueued  atomic.Bool
	freed          atomic.Uint32

	mu         sync.Mutex
	local      netip.AddrPort
	alias      netip.AddrPort
	proxyName  string
	dh         DispatchHandler
	mapKeys    []netip.AddrPort // inet keys this handler occupies in the map
	deliveries []delivery       // per-handler serial dispatch queue
	delivering bool
}

// delivery is one queued callback invocation.
type delivery struct {
	dh DispatchHandler
	ev *Event
}

// runDeliveries drains this handler's dispatch queue on a single pool
// worker at a time, preserving wire order for the connection. Each
// queued delivery holds one strong reference, released as it completes.
func (h *ioHandler) runDeliveries() {
	for {
		h.mu.Lock()
		if len(h.deliveries) == 0 {
			h.delivering = false
			h.mu.Unlock()
			return
		}
		next := h.deliveries[0]
		h.deliveries = h.deliveries[1:]
		h.mu.Unlock()

		next.dh.Handle(next.ev)
		h.unref()
	}
}

func (h *ioHandler) FD() int { return h.fd }

func (h *ioHandler) ref() { h.refs.Add(1) }

// unref drops one strong reference. When the count reaches zero on a
// decommissioned handler, destruction is scheduled after the grace
// delay so a callback dequeued concurrently still finds a live handler.
// A straggler delivery can bounce the count off zero; the removalQueued
// flag keeps destruction scheduled at most once and the grace delay
// covers the straggler.
func (h *ioHandler) unref() {
	if h.refs.Add(-1) == 0 && h.decommissioned.Load() {
		if h.removalQueued.CompareAndSwap(false, true) {
			h.r.ScheduleRemoval(h.comm.cfg.GraceDelay, h.destroy)
		}
	}
}

func (h *ioHandler) destroy() {
	if !h.freed.CompareAndSwap(0, freedSentinel) {
		panic("comm: handler destroyed twice")
	}
	closeSocket(h.fd)
	metrics.OpenHandlers.Dec()
	h.log.Debug("handler destroyed", "fd", h.fd, "peer", h.peer)
}

// reap closes the socket if destruction has not already run. Used at
// Comm shutdown after the reactor loops (and any grace timers still
// queued on them) have been joined.
func (h *ioHandler) reap() {
	if h.freed.CompareAndSwap(0, freedSentinel) {
		closeSocket(h.fd)
		metrics.OpenHandlers.Dec()
	}
}

// decommission takes the handler out of service exactly once: mark it,
// drop it from the handler map, and remove its socket from the
// multiplexer. Events already dequeued complete against the handler;
// no new work is accepted after this returns true.
func (h *ioHandler) decommission(self commHandler) bool {
	if !h.closing.CompareAndSwap(false, true) {
		return false
	}
	h.decommissioned.Store(true)
	h.comm.hmap.remove(self)
	h.r.Deregister(h.fd)
	return true
}

func (h *ioHandler) setDispatchHandler(dh DispatchHandler) {
	h.mu.Lock()
	h.dh = dh
	h.mu.Unlock()
}

func (h *ioHandler) dispatchHandler() DispatchHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dh
}

func (h *ioHandler) setProxyName(name string) {
	h.mu.Lock()
	h.proxyName = name
	h.mu.Unlock()
}

func (h *ioHandler) getProxyName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxyName
}

func (h *ioHandler) setAlias(ap netip.AddrPort) {
	h.mu.Lock()
	h.alias = ap
	h.mu.Unlock()
}

func (h *ioHandler) setLocal(ap netip.AddrPort) {
	h.mu.Lock()
	h.local = ap
	h.mu.Unlock()
}

func (h *ioHandler) getLocal() netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local
}

// newEvent builds an event stamped with this handler's addresses.
func (h *ioHandler) newEvent(kind EventKind, err error) *Event {
	ev := &Event{
		Kind:    kind,
		Err:     err,
		Proxy:   h.getProxyName(),
		Arrived: h.comm.cfg.Clock.Now(),
	}
	if h.peer.IsValid() {
		ev.Peer = InetAddress(h.peer)
	}
	if local := h.getLocal(); local.IsValid() {
		ev.Local = InetAddress(local)
	}
	return ev
}
