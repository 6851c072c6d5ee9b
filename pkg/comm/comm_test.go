package comm_test

import (
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/asynccomm/pkg/comm"
)

const testTimeout = 5 * time.Second

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Linux-specific test")
	}
}

func newTestComm(t *testing.T, mutate func(cfg *comm.Config)) *comm.Comm {
	t.Helper()
	cfg := comm.DefaultConfig()
	cfg.Logger = log.With("test", t.Name())
	cfg.Reactors = 2
	cfg.Workers = 4
	if mutate != nil {
		mutate(cfg)
	}
	c, err := comm.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// loopback rewrites a wildcard listen address to 127.0.0.1.
func loopback(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ap.Port())
}

// startEchoServer listens and replies to every 0x10 request with its
// own payload. Connection events are forwarded to events when non-nil.
func startEchoServer(t *testing.T, c *comm.Comm, events chan<- *comm.Event) netip.AddrPort {
	t.Helper()
	dh := comm.DispatchFunc(func(ev *comm.Event) {
		if events != nil && ev.Kind != comm.EventMessage {
			events <- ev
		}
		if ev.Kind != comm.EventMessage || !ev.Header.IsRequest() {
			return
		}
		if ev.Header.Command != 0x10 {
			return // silently ignore other commands
		}
		resp := &comm.Message{Command: ev.Header.Command, Payload: ev.Payload}
		require.NoError(t, c.SendResponse(ev.Peer, ev.Header.RequestID, resp))
	})
	local, err := c.Listen(0, dh)
	require.NoError(t, err)
	return loopback(local)
}

func waitEvent(t *testing.T, ch <-chan *comm.Event) *comm.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// connectEstablished connects and waits for CONNECTION_ESTABLISHED.
// The returned channel keeps receiving every later event delivered to
// the connection's default dispatch handler.
func connectEstablished(t *testing.T, c *comm.Comm, target comm.Address) chan *comm.Event {
	t.Helper()
	events := make(chan *comm.Event, 16)
	dh := comm.DispatchFunc(func(ev *comm.Event) { events <- ev })
	require.NoError(t, c.Connect(target, testTimeout, dh))
	ev := waitEvent(t, events)
	require.Equal(t, comm.EventConnectionEstablished, ev.Kind)
	return events
}

func TestComm_RequestResponse(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)

	addr := startEchoServer(t, server, nil)
	target := comm.InetAddress(addr)
	connectEstablished(t, client, target)

	t.Run("response callback fires exactly once with the echoed payload", func(t *testing.T) {
		done := make(chan *comm.Event, 4)
		msg := &comm.Message{Command: 0x10, Payload: []byte("ping")}
		id, err := client.SendRequest(target, testTimeout, msg, comm.DispatchFunc(func(ev *comm.Event) { done <- ev }))
		require.NoError(t, err)

		ev := waitEvent(t, done)
		require.NoError(t, ev.Err)
		require.Equal(t, comm.EventMessage, ev.Kind)
		require.True(t, ev.Header.IsResponse())
		require.Equal(t, id, ev.Header.RequestID)
		require.Equal(t, []byte("ping"), ev.Payload)

		select {
		case ev := <-done:
			t.Fatalf("unexpected second callback: %v", ev)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("responses arrive in request order on one connection", func(t *testing.T) {
		const n = 50
		order := make(chan uint32, n)
		cb := comm.DispatchFunc(func(ev *comm.Event) {
			require.NoError(t, ev.Err)
			order <- ev.Header.RequestID
		})
		ids := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			id, err := client.SendRequest(target, testTimeout, &comm.Message{Command: 0x10, Payload: []byte("seq")}, cb)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for i := 0; i < n; i++ {
			select {
			case got := <-order:
				require.Equal(t, ids[i], got, "response %d out of order", i)
			case <-time.After(testTimeout):
				t.Fatalf("timed out waiting for response %d", i)
			}
		}
	})
}

func TestComm_RequestTimeout(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)

	// Listener that never replies.
	local, err := server.Listen(0, comm.DispatchFunc(func(ev *comm.Event) {}))
	require.NoError(t, err)
	target := comm.InetAddress(loopback(local))
	connectEstablished(t, client, target)

	done := make(chan *comm.Event, 4)
	msg := &comm.Message{Command: 0x10, Payload: []byte("ping")}
	_, err = client.SendRequest(target, 100*time.Millisecond, msg, comm.DispatchFunc(func(ev *comm.Event) { done <- ev }))
	require.NoError(t, err)

	ev := waitEvent(t, done)
	require.ErrorIs(t, ev.Err, comm.ErrRequestTimeout)

	// No later callback fires, ever.
	select {
	case ev := <-done:
		t.Fatalf("callback fired after the terminal timeout: %v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestComm_LateResponseAfterTimeout(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)

	// Replies, but only after the client's timeout has long expired.
	dh := comm.DispatchFunc(func(ev *comm.Event) {
		if ev.Kind != comm.EventMessage || !ev.Header.IsRequest() {
			return
		}
		time.Sleep(500 * time.Millisecond)
		_ = server.SendResponse(ev.Peer, ev.Header.RequestID, &comm.Message{Command: ev.Header.Command, Payload: []byte("late")})
	})
	local, err := server.Listen(0, dh)
	require.NoError(t, err)
	target := comm.InetAddress(loopback(local))
	connectEstablished(t, client, target)

	done := make(chan *comm.Event, 4)
	_, err = client.SendRequest(target, 100*time.Millisecond, &comm.Message{Command: 0x10}, comm.DispatchFunc(func(ev *comm.Event) { done <- ev }))
	require.NoError(t, err)

	ev := waitEvent(t, done)
	require.ErrorIs(t, ev.Err, comm.ErrRequestTimeout)

	// The late response must be dropped, not delivered.
	select {
	case ev := <-done:
		t.Fatalf("late response delivered after timeout: %v", ev)
	case <-time.After(time.Second):
	}
}

func TestComm_ProxyRebind(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	serverA := newTestComm(t, nil)
	serverB := newTestComm(t, nil)
	client := newTestComm(t, nil)

	addrA := startEchoServer(t, serverA, nil)
	addrB := startEchoServer(t, serverB, nil)

	require.NoError(t, client.AddProxy("rs-7", addrA))
	proxy := comm.ProxyAddress("rs-7")
	events := connectEstablished(t, client, proxy)

	t.Run("requests reach the mapped endpoint", func(t *testing.T) {
		done := make(chan *comm.Event, 1)
		_, err := client.SendRequest(proxy, testTimeout, &comm.Message{Command: 0x10, Payload: []byte("a")}, comm.DispatchFunc(func(ev *comm.Event) { done <- ev }))
		require.NoError(t, err)
		ev := waitEvent(t, done)
		require.NoError(t, ev.Err)
		require.Equal(t, comm.InetAddress(addrA), ev.Peer)
	})

	t.Run("rebind decommissions the stale handler and pending requests get DISCONNECT", func(t *testing.T) {
		// A request serverA will never answer (unknown command).
		pending := make(chan *comm.Event, 1)
		_, err := client.SendRequest(proxy, time.Minute, &comm.Message{Command: 0x99}, comm.DispatchFunc(func(ev *comm.Event) { pending <- ev }))
		require.NoError(t, err)

		require.NoError(t, client.AddProxy("rs-7", addrB))

		ev := waitEvent(t, pending)
		require.Equal(t, comm.EventDisconnect, ev.Kind)
		require.ErrorIs(t, ev.Err, comm.ErrDisconnected)

		// The connection's default handler observes the DISCONNECT too.
		ev = waitEvent(t, events)
		require.Equal(t, comm.EventDisconnect, ev.Kind)
	})

	t.Run("next connection reaches the new endpoint", func(t *testing.T) {
		connectEstablished(t, client, proxy)
		done := make(chan *comm.Event, 1)
		_, err := client.SendRequest(proxy, testTimeout, &comm.Message{Command: 0x10, Payload: []byte("b")}, comm.DispatchFunc(func(ev *comm.Event) { done <- ev }))
		require.NoError(t, err)
		ev := waitEvent(t, done)
		require.NoError(t, ev.Err)
		require.Equal(t, comm.InetAddress(addrB), ev.Peer)
	})

	t.Run("identical re-add is a no-op", func(t *testing.T) {
		require.NoError(t, client.AddProxy("rs-7", addrB))
		got, ok := client.ProxyLookup("rs-7")
		require.True(t, ok)
		require.Equal(t, addrB, got)
	})

	t.Run("reserved name is rejected", func(t *testing.T) {
		require.ErrorIs(t, client.AddProxy("*", addrB), comm.ErrProxyMappingConflict)
	})
}

func TestComm_ProxyBroadcast(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	master := newTestComm(t, func(cfg *comm.Config) { cfg.LocalProxyName = "master" })
	worker := newTestComm(t, func(cfg *comm.Config) { cfg.LocalProxyName = "rs-1" })

	masterAddr := startEchoServer(t, master, nil)
	workerAddr := startEchoServer(t, worker, nil)

	require.NoError(t, master.AddProxy("master", masterAddr))
	require.NoError(t, worker.AddProxy("rs-1", workerAddr))

	connectEstablished(t, worker, comm.InetAddress(masterAddr))

	rs9 := netip.MustParseAddrPort("10.9.9.9:38060")
	require.NoError(t, master.AddProxy("rs-9", rs9))

	// The broadcast reaches the worker's table.
	require.Eventually(t, func() bool {
		got, ok := worker.ProxyLookup("rs-9")
		return ok && got == rs9
	}, testTimeout, 10*time.Millisecond, "worker never learned the broadcast mapping")

	// The worker's echo teaches the master the worker's own mapping.
	require.Eventually(t, func() bool {
		got, ok := master.ProxyLookup("rs-1")
		return ok && got == workerAddr
	}, testTimeout, 10*time.Millisecond, "master never learned the worker mapping")
}

func TestComm_ChecksumCorruption(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	events := make(chan *comm.Event, 16)
	addr := startEchoServer(t, server, events)

	raw, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer raw.Close()

	ev := waitEvent(t, events)
	require.Equal(t, comm.EventConnectionEstablished, ev.Kind)

	// A well-formed request with one flipped bit in the command field.
	buf, err := comm.EncodeMessage(comm.Header{Flags: comm.FlagRequest, RequestID: 1, Command: 0x10}, []byte("ping"))
	require.NoError(t, err)
	buf[16] ^= 0x01
	_, err = raw.Write(buf)
	require.NoError(t, err)

	// No MESSAGE is delivered; the handler reports the checksum
	// failure and disconnects.
	ev = waitEvent(t, events)
	require.Equal(t, comm.EventDisconnect, ev.Kind)
	require.ErrorIs(t, ev.Err, comm.ErrHeaderChecksumFailed)

	// The peer observes the close once the grace delay elapses.
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = raw.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestComm_Backpressure(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	// A raw peer that accepts and never reads, so the kernel buffers
	// and then the send queue fill up.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client := newTestComm(t, func(cfg *comm.Config) { cfg.SendQueueBytes = 64 * 1024 })
	target := comm.InetAddress(netip.MustParseAddrPort(ln.Addr().String()))
	connectEstablished(t, client, target)
	conn := <-accepted
	defer conn.Close()

	payload := make([]byte, 1024)
	sawFull := false
	for i := 0; i < 1_000_000; i++ {
		err := client.SendResponse(target, 1, &comm.Message{Command: 0x10, Payload: payload})
		if errors.Is(err, comm.ErrSendQueueFull) {
			sawFull = true
			break
		}
		require.NoError(t, err)
	}
	require.True(t, sawFull, "send queue never saturated")
}

func TestComm_CloseConnection(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)

	local, err := server.Listen(0, comm.DispatchFunc(func(ev *comm.Event) {}))
	require.NoError(t, err)
	target := comm.InetAddress(loopback(local))
	events := connectEstablished(t, client, target)

	pending := make(chan *comm.Event, 1)
	_, err = client.SendRequest(target, time.Minute, &comm.Message{Command: 0x42}, comm.DispatchFunc(func(ev *comm.Event) { pending <- ev }))
	require.NoError(t, err)

	require.NoError(t, client.CloseConnection(target))

	t.Run("pending request receives DISCONNECT", func(t *testing.T) {
		ev := waitEvent(t, pending)
		require.Equal(t, comm.EventDisconnect, ev.Kind)
		require.ErrorIs(t, ev.Err, comm.ErrDisconnected)
	})

	t.Run("default handler receives exactly one DISCONNECT", func(t *testing.T) {
		ev := waitEvent(t, events)
		require.Equal(t, comm.EventDisconnect, ev.Kind)
		select {
		case ev := <-events:
			t.Fatalf("second terminal event: %v", ev)
		case <-time.After(400 * time.Millisecond):
		}
	})

	t.Run("closed address is gone from the map", func(t *testing.T) {
		_, err := client.SendRequest(target, testTimeout, &comm.Message{Command: 0x10}, comm.DispatchFunc(func(ev *comm.Event) {}))
		require.ErrorIs(t, err, comm.ErrNotConnected)
		require.ErrorIs(t, client.CloseConnection(target), comm.ErrNotConnected)
	})
}

func TestComm_ConnectErrors(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)
	addr := startEchoServer(t, server, nil)
	target := comm.InetAddress(addr)

	t.Run("second connect to the same address", func(t *testing.T) {
		connectEstablished(t, client, target)
		err := client.Connect(target, testTimeout, comm.DispatchFunc(func(ev *comm.Event) {}))
		require.ErrorIs(t, err, comm.ErrAlreadyConnected)
	})

	t.Run("unknown proxy name", func(t *testing.T) {
		err := client.Connect(comm.ProxyAddress("rs-404"), testTimeout, comm.DispatchFunc(func(ev *comm.Event) {}))
		require.ErrorIs(t, err, comm.ErrResolutionFailed)
	})

	t.Run("refused connection delivers DISCONNECT", func(t *testing.T) {
		// Grab a port that nothing is listening on.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := netip.MustParseAddrPort(ln.Addr().String())
		require.NoError(t, ln.Close())

		events := make(chan *comm.Event, 4)
		require.NoError(t, client.Connect(comm.InetAddress(dead), testTimeout, comm.DispatchFunc(func(ev *comm.Event) { events <- ev })))
		ev := waitEvent(t, events)
		require.Equal(t, comm.EventDisconnect, ev.Kind)
		require.Error(t, ev.Err)
	})

	t.Run("send to an unconnected address", func(t *testing.T) {
		_, err := client.SendRequest(comm.InetAddress(netip.MustParseAddrPort("127.0.0.1:1")), testTimeout, &comm.Message{Command: 1}, comm.DispatchFunc(func(ev *comm.Event) {}))
		require.ErrorIs(t, err, comm.ErrNotConnected)
	})
}

func TestComm_Datagram(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	server := newTestComm(t, nil)
	client := newTestComm(t, nil)

	received := make(chan *comm.Event, 4)
	serverLocal, err := server.OpenDatagramReceive(0, comm.DispatchFunc(func(ev *comm.Event) { received <- ev }))
	require.NoError(t, err)

	clientLocal, err := client.OpenDatagramReceive(0, comm.DispatchFunc(func(ev *comm.Event) {}))
	require.NoError(t, err)

	target := comm.InetAddress(loopback(serverLocal))
	msg := &comm.Message{Command: 0x20, Payload: []byte("hello")}
	require.NoError(t, client.SendDatagram(target, clientLocal, msg))

	ev := waitEvent(t, received)
	require.Equal(t, comm.EventMessage, ev.Kind)
	require.Equal(t, uint32(0x20), ev.Header.Command)
	require.Equal(t, []byte("hello"), ev.Payload)
	require.Equal(t, clientLocal.Port(), ev.Peer.Inet().Port())
}

func TestComm_Timer(t *testing.T) {
	requireLinux(t)
	t.Parallel()

	c := newTestComm(t, nil)

	fired := make(chan *comm.Event, 1)
	start := time.Now()
	c.SetTimer(50*time.Millisecond, comm.DispatchFunc(func(ev *comm.Event) { fired <- ev }))

	ev := waitEvent(t, fired)
	require.Equal(t, comm.EventTimer, ev.Kind)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
