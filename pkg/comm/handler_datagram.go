package comm

import (
	"net/netip"
	"sync"

	"github.com/malbeclabs/asynccomm/internal/metrics"
	"github.com/malbeclabs/asynccomm/internal/reactor"
)

// datagram is one queued outbound datagram.
type datagram struct {
	buf []byte
	to  netip.AddrPort
}

// datagramHandler owns a UDP socket. Every complete datagram carrying a
// valid header becomes one MESSAGE event; malformed datagrams are
// dropped without tearing the socket down (checksum failures are
// counted). Writes are
// single-shot; a partial write does not happen with datagram sockets,
// so any accepted write counts as complete.
type datagramHandler struct {
	ioHandler

	scratch []byte

	sendMu     sync.Mutex
	sendq      []datagram
	sendqBytes int
	writeArmed bool
}

func newDatagramHandler(c *Comm, fd int, local netip.AddrPort, r *reactor.Reactor, dh DispatchHandler) *datagramHandler {
	h := &datagramHandler{
		ioHandler: ioHandler{
			log:  c.log,
			comm: c,
			fd:   fd,
			r:    r,
			dh:   dh,
		},
		scratch: make([]byte, 64*1024),
	}
	h.setLocal(local)
	h.refs.Store(1)
	return h
}

func (h *datagramHandler) base() *ioHandler { return &h.ioHandler }

func (h *datagramHandler) OnReadable() {
	for {
		n, from, ok, err := recvDatagram(h.fd, h.scratch)
		if err != nil {
			h.log.Error("datagram read failed", "local", h.getLocal(), "error", err)
			return
		}
		if !ok {
			return
		}
		metrics.BytesReceived.Add(float64(n))

		if n < HeaderSize {
			h.log.Debug("dropping short datagram", "from", from, "len", n)
			continue
		}
		hdr, err := UnmarshalHeader(h.scratch[:n])
		if err != nil {
			metrics.ChecksumFailures.Inc()
			h.log.Debug("dropping malformed datagram", "from", from, "error", err)
			continue
		}
		if int(hdr.HeaderLen) > n {
			h.log.Debug("dropping truncated datagram", "from", from, "len", n, "header_len", hdr.HeaderLen)
			continue
		}
		payload := make([]byte, n-int(hdr.HeaderLen))
		copy(payload, h.scratch[int(hdr.HeaderLen):n])

		ev := h.newEvent(EventMessage, nil)
		ev.Peer = InetAddress(from)
		ev.Header = hdr
		ev.Payload = payload
		h.comm.dispatcher.deliver(&h.ioHandler, h.dispatchHandler(), ev)
	}
}

func (h *datagramHandler) OnWritable() {
	h.sendMu.Lock()
	for len(h.sendq) > 0 {
		d := h.sendq[0]
		if err := sendDatagram(h.fd, d.buf, d.to); err != nil {
			h.log.Debug("datagram send failed", "to", d.to, "error", err)
		}
		metrics.BytesSent.Add(float64(len(d.buf)))
		h.sendqBytes -= len(d.buf)
		h.sendq = h.sendq[1:]
	}
	h.sendq = nil
	h.writeArmed = false
	err := h.r.ModifyInterest(h.fd, reactor.Readable)
	h.sendMu.Unlock()

	if err != nil && !h.decommissioned.Load() {
		h.log.Error("datagram interest update failed", "error", err)
	}
}

func (h *datagramHandler) OnError(err error) {
	h.shutdown(err)
}

// send queues one datagram and arms write interest.
func (h *datagramHandler) send(buf []byte, to netip.AddrPort) error {
	if h.decommissioned.Load() {
		return ErrNotConnected
	}
	h.sendMu.Lock()
	if h.sendqBytes+len(buf) > h.comm.cfg.SendQueueBytes {
		h.sendMu.Unlock()
		metrics.SendQueueRejects.Inc()
		return ErrSendQueueFull
	}
	h.sendq = append(h.sendq, datagram{buf: buf, to: to})
	h.sendqBytes += len(buf)
	if !h.writeArmed {
		h.writeArmed = true
		if err := h.r.ModifyInterest(h.fd, reactor.Readable|reactor.Writable); err != nil {
			h.sendMu.Unlock()
			return ErrNotConnected
		}
	}
	h.sendMu.Unlock()
	return nil
}

func (h *datagramHandler) shutdown(err error) {
	if !h.decommission(h) {
		return
	}
	if err == nil {
		err = ErrDisconnected
	}
	ev := h.newEvent(EventDisconnect, err)
	h.comm.dispatcher.deliver(&h.ioHandler, h.dispatchHandler(), ev)
	h.unref()
}
