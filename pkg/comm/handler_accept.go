package comm

import (
	"net/netip"

	"github.com/malbeclabs/asynccomm/internal/reactor"
)

// acceptHandler owns a listening socket. Accepted connections become
// data handlers pinned to their own reactor; each one inherits the
// listener's dispatch handler until the acceptor installs its own.
type acceptHandler struct {
	ioHandler
}

func newAcceptHandler(c *Comm, fd int, local netip.AddrPort, r *reactor.Reactor, dh DispatchHandler) *acceptHandler {
	h := &acceptHandler{
		ioHandler: ioHandler{
			log:  c.log,
			comm: c,
			fd:   fd,
			r:    r,
			dh:   dh,
		},
	}
	h.setLocal(local)
	h.refs.Store(1)
	return h
}

func (h *acceptHandler) base() *ioHandler { return &h.ioHandler }

// OnReadable accepts until EAGAIN.
func (h *acceptHandler) OnReadable() {
	for {
		fd, peer, ok, err := acceptSocket(h.fd)
		if err != nil {
			h.log.Error("accept failed", "local", h.getLocal(), "error", err)
			return
		}
		if !ok {
			return
		}
		h.comm.adoptConnection(fd, peer, h.dispatchHandler())
	}
}

func (h *acceptHandler) OnWritable() {}

func (h *acceptHandler) OnError(err error) {
	h.shutdown(err)
}

func (h *acceptHandler) shutdown(err error) {
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
