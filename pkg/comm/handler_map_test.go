package comm

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubHandler stands in for a socket handler in map tests.
type stubHandler struct {
	ioHandler
}

func (s *stubHandler) base() *ioHandler { return &s.ioHandler }

func (s *stubHandler) shutdown(err error) {
	s.decommissioned.Store(true)
}

func TestComm_HandlerMap(t *testing.T) {
	t.Parallel()

	ap1 := netip.MustParseAddrPort("10.0.0.5:38060")
	ap2 := netip.MustParseAddrPort("10.0.0.6:38060")

	t.Run("insert then lookup by inet", func(t *testing.T) {
		m := newHandlerMap()
		h := &stubHandler{}
		require.NoError(t, m.insert(h, ap1))

		got, err := m.lookup(InetAddress(ap1))
		require.NoError(t, err)
		require.Same(t, h, got.(*stubHandler))
	})

	t.Run("insert collides with a live handler", func(t *testing.T) {
		m := newHandlerMap()
		require.NoError(t, m.insert(&stubHandler{}, ap1))
		require.ErrorIs(t, m.insert(&stubHandler{}, ap1), ErrAlreadyConnected)
	})

	t.Run("decommissioned occupant is displaced", func(t *testing.T) {
		m := newHandlerMap()
		old := &stubHandler{}
		require.NoError(t, m.insert(old, ap1))
		old.decommissioned.Store(true)

		fresh := &stubHandler{}
		require.NoError(t, m.insert(fresh, ap1))

		got, err := m.lookup(InetAddress(ap1))
		require.NoError(t, err)
		require.Same(t, fresh, got.(*stubHandler))
	})

	t.Run("proxy lookup composes the two indexes", func(t *testing.T) {
		m := newHandlerMap()
		h := &stubHandler{}
		require.NoError(t, m.insert(h, ap1))
		m.proxies.set("rs-7", ap1)

		got, err := m.lookup(ProxyAddress("rs-7"))
		require.NoError(t, err)
		require.Same(t, h, got.(*stubHandler))
	})

	t.Run("unknown proxy name fails resolution", func(t *testing.T) {
		m := newHandlerMap()
		_, err := m.lookup(ProxyAddress("rs-404"))
		require.ErrorIs(t, err, ErrResolutionFailed)
	})

	t.Run("unset address fails resolution", func(t *testing.T) {
		m := newHandlerMap()
		_, err := m.lookup(Address{})
		require.ErrorIs(t, err, ErrResolutionFailed)
	})

	t.Run("mapped proxy without a connection is not connected", func(t *testing.T) {
		m := newHandlerMap()
		m.proxies.set("rs-7", ap1)
		_, err := m.lookup(ProxyAddress("rs-7"))
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("remove drops every key including aliases", func(t *testing.T) {
		m := newHandlerMap()
		h := &stubHandler{}
		require.NoError(t, m.insert(h, ap1))
		require.NoError(t, m.addKey(h, ap2))

		h.decommissioned.Store(true)
		m.remove(h)

		_, err := m.lookup(InetAddress(ap1))
		require.ErrorIs(t, err, ErrNotConnected)
		_, err = m.lookup(InetAddress(ap2))
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("all deduplicates aliased handlers", func(t *testing.T) {
		m := newHandlerMap()
		h := &stubHandler{}
		require.NoError(t, m.insert(h, ap1))
		require.NoError(t, m.addKey(h, ap2))
		require.Len(t, m.all(), 1)
	})
}

func TestComm_ProxyTable(t *testing.T) {
	t.Parallel()

	ap1 := netip.MustParseAddrPort("10.0.0.5:38060")
	ap2 := netip.MustParseAddrPort("10.0.0.6:38060")

	t.Run("set reports change and idempotence", func(t *testing.T) {
		tbl := newProxyTable()
		require.True(t, tbl.set("rs-7", ap1))
		require.False(t, tbl.set("rs-7", ap1), "identical mapping must not report a change")
		require.True(t, tbl.set("rs-7", ap2), "rebind must report a change")

		got, ok := tbl.lookup("rs-7")
		require.True(t, ok)
		require.Equal(t, ap2, got)
	})

	t.Run("nameFor inverts the mapping", func(t *testing.T) {
		tbl := newProxyTable()
		tbl.set("rs-7", ap1)
		name, ok := tbl.nameFor(ap1)
		require.True(t, ok)
		require.Equal(t, "rs-7", name)

		_, ok = tbl.nameFor(ap2)
		require.False(t, ok)
	})

	t.Run("snapshot is sorted by name", func(t *testing.T) {
		tbl := newProxyTable()
		tbl.set("rs-7", ap1)
		tbl.set("rs-1", ap2)

		snap := tbl.snapshot()
		require.Len(t, snap, 2)
		require.Equal(t, "rs-1", snap[0].Name)
		require.Equal(t, "rs-7", snap[1].Name)
	})

	t.Run("applyFrame installs every mapping", func(t *testing.T) {
		tbl := newProxyTable()
		tbl.applyFrame([]ProxyMapping{
			{Name: "rs-1", Addr: ap1},
			{Name: "rs-7", Addr: ap2},
		})
		got, ok := tbl.lookup("rs-1")
		require.True(t, ok)
		require.Equal(t, ap1, got)
		got, ok = tbl.lookup("rs-7")
		require.True(t, ok)
		require.Equal(t, ap2, got)
	})

	t.Run("remove forgets the name", func(t *testing.T) {
		tbl := newProxyTable()
		tbl.set("rs-7", ap1)
		tbl.remove("rs-7")
		_, ok := tbl.lookup("rs-7")
		require.False(t, ok)
	})
}
