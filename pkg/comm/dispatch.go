package comm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/malbeclabs/asynccomm/internal/metrics"
)

// dispatcher hands events to user callbacks on a worker pool so a slow
// callback can never stall a reactor goroutine. Every delivery holds a
// strong reference to the originating handler for its whole duration.
type dispatcher struct {
	log  *slog.Logger
	pool pond.Pool
}

func newDispatcher(log *slog.Logger, workers int) *dispatcher {
	return &dispatcher{
		log:  log,
		pool: pond.NewPool(workers),
	}
}

// deliver enqueues one callback invocation. h may be nil for events not
// tied to a socket (timers). A nil dispatch handler logs and drops the
// event rather than crashing.
//
// Deliveries for the same handler are serialized through the handler's
// own queue so a connection's events reach user code in wire order;
// the pool only provides parallelism across handlers.
func (d *dispatcher) deliver(h *ioHandler, dh DispatchHandler, ev *Event) {
	if dh == nil {
		d.log.Info("event with no dispatch handler", "event", ev.String())
		return
	}
	if ev.Kind == EventMessage {
		path := "default"
		if ev.Header.IsResponse() {
			path = "response"
		}
		metrics.MessagesDispatched.WithLabelValues(path).Inc()
	}
	if h == nil {
		d.pool.Submit(func() { dh.Handle(ev) })
		return
	}

	h.ref()
	h.mu.Lock()
	h.deliveries = append(h.deliveries, delivery{dh: dh, ev: ev})
	if h.delivering {
		h.mu.Unlock()
		return
	}
	h.delivering = true
	h.mu.Unlock()
	d.pool.Submit(func() { h.runDeliveries() })
}

func (d *dispatcher) stop() {
	d.pool.StopAndWait()
}

// pendingRequest is one entry of a connection's request/response table.
// The taken flag guarantees exactly one terminal callback (response,
// timeout, or disconnect) no matter which path wins the race.
type pendingRequest struct {
	id    uint32
	cb    DispatchHandler
	taken atomic.Bool
}

func newPendingRequest(id uint32, cb DispatchHandler) *pendingRequest {
	return &pendingRequest{id: id, cb: cb}
}

// take claims the terminal callback. Only the first caller wins.
func (p *pendingRequest) take() bool {
	return p.taken.CompareAndSwap(false, true)
}

// requestTable tracks pending outgoing requests for one connection.
// Per-request expiry rides the cache's TTL machinery; expiry eviction
// delivers the TIMEOUT terminal callback.
type requestTable struct {
	cache *ttlcache.Cache[uint32, *pendingRequest]
}

func newRequestTable(onExpire func(pr *pendingRequest)) *requestTable {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[uint32, *pendingRequest](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *pendingRequest]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if pr := item.Value(); pr.take() {
			metrics.RequestTimeouts.Inc()
			onExpire(pr)
		}
	})
	go cache.Start()
	return &requestTable{cache: cache}
}

// add registers a pending request. A non-positive ttl means no expiry.
func (t *requestTable) add(id uint32, cb DispatchHandler, ttl time.Duration) *pendingRequest {
	pr := newPendingRequest(id, cb)
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	t.cache.Set(id, pr, ttl)
	return pr
}

// take removes and claims the entry for id, or returns nil if the
// request already received its terminal callback.
func (t *requestTable) take(id uint32) *pendingRequest {
	item := t.cache.Get(id)
	if item == nil {
		return nil
	}
	pr := item.Value()
	t.cache.Delete(id)
	if !pr.take() {
		return nil
	}
	return pr
}

// drop claims and removes an entry without delivering anything, used to
// roll back a registration whose enqueue failed.
func (t *requestTable) drop(id uint32) {
	if item := t.cache.Get(id); item != nil {
		item.Value().take()
		t.cache.Delete(id)
	}
}

// failAll claims every remaining entry and hands each to fn, used to
// synthesize DISCONNECT terminals when the connection dies.
func (t *requestTable) failAll(fn func(pr *pendingRequest)) {
	for _, item := range t.cache.Items() {
		if pr := item.Value(); pr.take() {
			fn(pr)
		}
	}
	t.cache.DeleteAll()
}

func (t *requestTable) stop() {
	t.cache.Stop()
}
