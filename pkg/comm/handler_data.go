package comm

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/asynccomm/internal/metrics"
	"github.com/malbeclabs/asynccomm/internal/reactor"
)

// Data-connection states.
const (
	stateConnecting int32 = iota + 1
	stateConnected
	stateDisconnecting
	stateDecommissioned
)

const readChunkSize = 64 * 1024

// dataHandler drives one TCP connection: non-blocking connect
// completion, header-framed reads, and a bounded FIFO send queue.
type dataHandler struct {
	ioHandler
	state atomic.Int32

	// Read-side state, touched only on the owning reactor goroutine.
	scratch []byte
	readBuf []byte

	sendMu     sync.Mutex
	sendq      [][]byte
	sendqBytes int
	sendOff    int // bytes of sendq[0] already written
	writeArmed bool

	nextReqID   atomic.Uint32
	pending     *requestTable
	proxyEchoed atomic.Bool
}

func newDataHandler(c *Comm, fd int, peer netip.AddrPort, r *reactor.Reactor, dh DispatchHandler, state int32) *dataHandler {
	h := &dataHandler{
		ioHandler: ioHandler{
			log:  c.log,
			comm: c,
			fd:   fd,
			r:    r,
			peer: peer,
			dh:   dh,
		},
		scratch: make([]byte, readChunkSize),
	}
	h.state.Store(state)
	h.refs.Store(1) // the handler map's reference
	h.pending = newRequestTable(func(pr *pendingRequest) {
		ev := h.newEvent(EventError, ErrRequestTimeout)
		c.dispatcher.deliver(&h.ioHandler, pr.cb, ev)
	})
	return h
}

func (h *dataHandler) base() *ioHandler { return &h.ioHandler }

// nextRequestID returns the next non-zero request id for this
// connection.
func (h *dataHandler) nextRequestID() uint32 {
	id := h.nextReqID.Add(1)
	if id == 0 {
		id = h.nextReqID.Add(1)
	}
	return id
}

// OnReadable drains the socket until EAGAIN, then parses every complete
// frame out of the rolling buffer. Wire order is preserved because all
// reads and parses happen on the one reactor goroutine.
func (h *dataHandler) OnReadable() {
	if h.state.Load() != stateConnected {
		return
	}
	for {
		n, ok, err := readSocket(h.fd, h.scratch)
		if err != nil {
			h.shutdown(fmt.Errorf("%w: read: %w", ErrDisconnected, err))
			return
		}
		if !ok {
			break
		}
		if n == 0 {
			h.shutdown(ErrDisconnected) // peer closed
			return
		}
		metrics.BytesReceived.Add(float64(n))
		h.readBuf = append(h.readBuf, h.scratch[:n]...)
	}

	for {
		if len(h.readBuf) < HeaderSize {
			return
		}
		hdr, err := UnmarshalHeader(h.readBuf)
		if err != nil {
			metrics.ChecksumFailures.Inc()
			h.shutdown(ErrHeaderChecksumFailed)
			return
		}
		total := int(hdr.TotalLen)
		if len(h.readBuf) < total {
			return
		}
		payload := make([]byte, total-int(hdr.HeaderLen))
		copy(payload, h.readBuf[int(hdr.HeaderLen):total])
		h.readBuf = append(h.readBuf[:0], h.readBuf[total:]...)
		h.handleMessage(hdr, payload)
	}
}

func (h *dataHandler) handleMessage(hdr Header, payload []byte) {
	if hdr.IsProxyUpdate() {
		h.comm.applyProxyUpdate(h, payload)
		return
	}

	ev := h.newEvent(EventMessage, nil)
	ev.Header = hdr
	ev.Payload = payload

	if hdr.IsResponse() {
		if pr := h.pending.take(hdr.RequestID); pr != nil {
			h.comm.dispatcher.deliver(&h.ioHandler, pr.cb, ev)
		} else {
			// The request already received its terminal callback.
			h.log.Debug("dropping response with no pending request",
				"peer", h.peer, "request_id", hdr.RequestID)
		}
		return
	}

	h.comm.dispatcher.deliver(&h.ioHandler, h.dispatchHandler(), ev)
}

func (h *dataHandler) OnWritable() {
	switch h.state.Load() {
	case stateConnecting:
		if err := socketError(h.fd); err != nil {
			h.shutdown(fmt.Errorf("%w: connect: %w", ErrDisconnected, err))
			return
		}
		h.completeConnect()
	case stateConnected:
		h.drainSend()
	}
}

func (h *dataHandler) OnError(err error) {
	h.shutdown(fmt.Errorf("%w: %w", ErrPollError, err))
}

func (h *dataHandler) completeConnect() {
	if !h.state.CompareAndSwap(stateConnecting, stateConnected) {
		return
	}
	if la, err := localAddrPort(h.fd); err == nil {
		h.setLocal(la)
	}

	metrics.ConnectionsEstablished.Inc()
	ev := h.newEvent(EventConnectionEstablished, nil)
	h.comm.dispatcher.deliver(&h.ioHandler, h.dispatchHandler(), ev)

	// Interest updates happen under sendMu so a concurrent enqueue
	// cannot interleave its own arm with this one and lose it.
	h.sendMu.Lock()
	mask := reactor.Readable
	if len(h.sendq) > 0 {
		h.writeArmed = true
		mask |= reactor.Writable
	}
	err := h.r.ModifyInterest(h.fd, mask)
	h.sendMu.Unlock()
	if err != nil {
		h.shutdown(fmt.Errorf("%w: %w", ErrPollError, err))
	}
}

// enqueue appends an encoded message to the send queue, arming write
// interest if the queue was idle. Urgent buffers jump the queue but
// never split a partially-written head.
func (h *dataHandler) enqueue(buf []byte, urgent bool) error {
	st := h.state.Load()
	if h.decommissioned.Load() || st >= stateDisconnecting {
		return ErrNotConnected
	}

	h.sendMu.Lock()
	if h.sendqBytes+len(buf) > h.comm.cfg.SendQueueBytes {
		h.sendMu.Unlock()
		metrics.SendQueueRejects.Inc()
		return ErrSendQueueFull
	}
	if urgent && len(h.sendq) > 0 {
		if h.sendOff > 0 {
			rest := append([][]byte{buf}, h.sendq[1:]...)
			h.sendq = append(h.sendq[:1], rest...)
		} else {
			h.sendq = append([][]byte{buf}, h.sendq...)
		}
	} else {
		h.sendq = append(h.sendq, buf)
	}
	h.sendqBytes += len(buf)
	if !h.writeArmed && st == stateConnected {
		h.writeArmed = true
		if err := h.r.ModifyInterest(h.fd, reactor.Readable|reactor.Writable); err != nil {
			h.sendMu.Unlock()
			return ErrNotConnected
		}
	}
	h.sendMu.Unlock()
	return nil
}

// drainSend writes queued buffers until EAGAIN or empty, disarming
// write interest once the queue drains.
func (h *dataHandler) drainSend() {
	h.sendMu.Lock()
	var fatal error
	for len(h.sendq) > 0 {
		n, ok, err := writeSocket(h.fd, h.sendq[0][h.sendOff:])
		if err != nil {
			fatal = err
			break
		}
		if n > 0 {
			metrics.BytesSent.Add(float64(n))
			h.sendqBytes -= n
			h.sendOff += n
			if h.sendOff == len(h.sendq[0]) {
				h.sendq[0] = nil
				h.sendq = h.sendq[1:]
				h.sendOff = 0
			}
		}
		if !ok {
			h.sendMu.Unlock()
			return // EAGAIN, write interest stays armed
		}
	}
	var modErr error
	if fatal == nil && len(h.sendq) == 0 {
		h.writeArmed = false
		modErr = h.r.ModifyInterest(h.fd, reactor.Readable)
	}
	h.sendMu.Unlock()

	if fatal != nil {
		h.shutdown(fmt.Errorf("%w: write: %w", ErrDisconnected, fatal))
		return
	}
	if modErr != nil && !h.decommissioned.Load() {
		h.shutdown(fmt.Errorf("%w: %w", ErrPollError, modErr))
	}
}

// shutdown is the single connection-fatal path: decommission, fail
// every pending request with DISCONNECT, and deliver exactly one
// DISCONNECT to the default dispatch handler.
func (h *dataHandler) shutdown(err error) {
	if !h.decommission(h) {
		return
	}
	h.state.Store(stateDisconnecting)

	h.pending.failAll(func(pr *pendingRequest) {
		ev := h.newEvent(EventDisconnect, ErrDisconnected)
		h.comm.dispatcher.deliver(&h.ioHandler, pr.cb, ev)
	})
	h.pending.stop()

	if err == nil {
		err = ErrDisconnected
	}
	ev := h.newEvent(EventDisconnect, err)
	h.comm.dispatcher.deliver(&h.ioHandler, h.dispatchHandler(), ev)

	metrics.Disconnects.Inc()
	h.state.Store(stateDecommissioned)
	h.unref() // the handler map's reference
}
