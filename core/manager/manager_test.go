// File: core/manager/manager_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

func echo(c *Conn, ev api.EventType, _ any) {
	if ev == api.EventRecv {
		c.Send(c.RecvBuf().Bytes())
		c.RecvBuf().Remove(c.RecvBuf().Len())
	}
}

func TestAcceptRecvSendEOF(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(echo)
	l, c := h.acceptOne(t, rec)

	accepts := rec.of(c.ID(), api.EventAccept)
	require.Len(t, accepts, 1)
	assert.Equal(t, peerAddr, accepts[0].data)
	assert.Equal(t, peerAddr, c.RemoteAddr())
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, l, c.Listener())

	h.fb.Inject(c.sock, []byte("hello"))
	assert.Equal(t, 3, h.m.Poll(0), "recv plus one poll event each for listener and connection")
	assert.Equal(t, 5, rec.of(c.ID(), api.EventRecv)[0].data)

	h.m.Poll(0)
	assert.Equal(t, "hello", string(h.fb.Sent(c.sock)))
	assert.Equal(t, 5, rec.of(c.ID(), api.EventSend)[0].data)

	h.fb.SetEOF(c.sock)
	h.m.Poll(0)
	assert.Nil(t, h.m.Lookup(c.ID()))
	assert.True(t, h.fb.Closed(c.sock))
	assert.Equal(t, StateDestroyed, c.State())

	assert.Equal(t, []api.EventType{api.EventAccept, api.EventRecv, api.EventSend, api.EventClose}, rec.kinds(c.ID()))
	assert.Nil(t, rec.of(c.ID(), api.EventClose)[0].data)
	assert.Empty(t, rec.kinds(l.ID()))
	assert.Empty(t, rec.violations)
}

func TestNoEventAfterClose(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(func(c *Conn, ev api.EventType, _ any) {
		switch ev {
		case api.EventRecv:
			switch string(c.RecvBuf().Bytes()) {
			case "close":
				c.Close()
			case "drain":
				c.Send([]byte("bye"))
				c.CloseAfterSend()
			}
			c.RecvBuf().Remove(c.RecvBuf().Len())
		case api.EventClose:
			assert.Zero(t, c.Send([]byte("late")))
			c.SetTimer(time.Now())
		}
	})

	l, err := h.m.Bind("tcp://127.0.0.1:8000", rec)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.fb.QueueAccept(l.sock, netip.AddrPortFrom(peerAddr.Addr(), uint16(6000+i)))
		h.m.Poll(0)
	}
	ids := rec.ids(api.EventAccept)
	require.Len(t, ids, 3)

	h.fb.Inject(h.m.Lookup(ids[0]).sock, []byte("close"))
	h.fb.Inject(h.m.Lookup(ids[1]).sock, []byte("drain"))
	reset := errors.New("connection reset by peer")
	h.fb.SetRecvError(h.m.Lookup(ids[2]).sock, reset)

	failing, err := h.m.Connect("tcp://10.0.0.99:80", rec)
	require.NoError(t, err)
	sock, _ := h.fb.LastDialed()
	h.fb.SetConnectResult(sock, errors.New("refused"))

	for i := 0; i < 5; i++ {
		h.m.Poll(0)
		h.clock.Advance(10 * time.Millisecond)
	}
	require.NoError(t, h.m.Close())

	assert.Empty(t, rec.violations)
	for _, id := range append(ids, failing.ID(), l.ID()) {
		k := rec.kinds(id)
		require.NotEmpty(t, k, "conn %s", id)
		assert.Equal(t, api.EventClose, k[len(k)-1], "conn %s", id)
		assert.Len(t, rec.of(id, api.EventClose), 1, "conn %s", id)
	}
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(failing.ID()))
	assert.Equal(t, reset, rec.of(ids[2], api.EventClose)[0].data)
}

func TestBackpressureHaltsReads(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufferLimit = 16
	h := newHarness(t, cfg)
	rec := newRecorder(nil)
	_, c := h.acceptOne(t, rec)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	h.fb.Inject(c.sock, payload)

	h.m.Poll(0)
	require.Equal(t, 16, c.RecvBuf().Len())
	calls := h.fb.RecvCalls(c.sock)

	for i := 0; i < 3; i++ {
		h.m.Poll(time.Second)
		assert.Equal(t, 16, c.RecvBuf().Len())
	}
	assert.Equal(t, calls, h.fb.RecvCalls(c.sock), "reads attempted at the ceiling")
	assert.Equal(t, time.Second, h.fb.LastTimeout(), "full buffer must not spin")

	var got []byte
	for len(got) < len(payload) {
		got = append(got, c.RecvBuf().Bytes()...)
		c.RecvBuf().Remove(c.RecvBuf().Len())
		h.m.Poll(0)
		assert.LessOrEqual(t, c.RecvBuf().Len(), 16)
	}
	assert.Equal(t, payload, got)
	assert.Len(t, rec.of(c.ID(), api.EventRecv), 4)
}

func TestDrainBeforeClose(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	l, c := h.acceptOne(t, rec)
	h.fb.SetWriteLimit(4)

	c.Send([]byte("0123456789ab"))
	c.CloseAfterSend()
	for i := 0; i < 2; i++ {
		h.m.Poll(0)
		require.NotNil(t, h.m.Lookup(c.ID()), "destroyed with %d bytes queued", c.SendBuf().Len())
	}
	h.m.Poll(0)
	assert.Nil(t, h.m.Lookup(c.ID()))
	assert.Equal(t, "0123456789ab", string(h.fb.Sent(c.sock)))
	assert.Len(t, rec.of(c.ID(), api.EventSend), 3)

	h.fb.QueueAccept(l.sock, netip.MustParseAddrPort("192.0.2.11:7000"))
	h.m.Poll(0)
	ids := rec.ids(api.EventAccept)
	require.Len(t, ids, 2)
	c2 := h.m.Lookup(ids[1])
	c2.Send([]byte("dropped"))
	c2.Close()
	h.m.Poll(0)
	assert.Nil(t, h.m.Lookup(c2.ID()))
	assert.Empty(t, h.fb.Sent(c2.sock))
	assert.Equal(t, []api.EventType{api.EventAccept, api.EventClose}, rec.kinds(c2.ID()))
}

func TestUDPConnectSend(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	c, err := h.m.Connect("udp://10.0.0.9:5000", rec)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, c.State())
	c.Send([]byte("0123456789"))

	h.m.Poll(0)
	sends := rec.of(c.ID(), api.EventSend)
	require.Len(t, sends, 1)
	assert.Equal(t, 10, sends[0].data)
	assert.Zero(t, c.SendBuf().Len())
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventSend}, rec.kinds(c.ID()))

	d := h.fb.SentDatagrams(c.sock)
	require.Len(t, d, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.9:5000"), d[0].Addr)
	assert.Len(t, d[0].Data, 10)
}

func TestUDPSendWouldBlockWaitsForWritable(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	c, err := h.m.Connect("udp://10.0.0.9:5000", rec)
	require.NoError(t, err)
	h.m.Poll(0)
	require.Equal(t, StateOpen, c.State())

	h.fb.SetSendBlocked(true)
	c.Send([]byte("later"))
	h.m.Poll(time.Second)
	assert.Zero(t, h.fb.LastTimeout(), "fresh send data is immediate work")
	assert.Equal(t, 5, c.SendBuf().Len())

	for i := 0; i < 3; i++ {
		h.m.Poll(time.Second)
		assert.Equal(t, time.Second, h.fb.LastTimeout(), "a refused send must not spin the loop")
	}
	assert.Empty(t, h.fb.SentDatagrams(c.sock))
	assert.Empty(t, rec.of(c.ID(), api.EventSend))

	h.fb.SetSendBlocked(false)
	h.m.Poll(time.Second)
	d := h.fb.SentDatagrams(c.sock)
	require.Len(t, d, 1)
	assert.Equal(t, "later", string(d[0].Data))
	assert.Len(t, rec.of(c.ID(), api.EventSend), 1)
	assert.Zero(t, c.SendBuf().Len())
}

func TestTimerFiresOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	_, c := h.acceptOne(t, rec)

	deadline := h.clock.Now().Add(50 * time.Millisecond)
	assert.True(t, c.SetTimer(deadline).IsZero())

	h.m.Poll(time.Second)
	assert.Equal(t, 50*time.Millisecond, h.fb.LastTimeout())
	assert.Empty(t, rec.of(c.ID(), api.EventTimer))

	h.clock.Advance(49 * time.Millisecond)
	h.m.Poll(time.Second)
	assert.Equal(t, time.Millisecond, h.fb.LastTimeout())
	assert.Empty(t, rec.of(c.ID(), api.EventTimer))

	h.clock.Advance(time.Millisecond)
	h.m.Poll(time.Second)
	timers := rec.of(c.ID(), api.EventTimer)
	require.Len(t, timers, 1)
	assert.Equal(t, deadline, timers[0].data)
	assert.True(t, c.Timer().IsZero())

	h.clock.Advance(time.Second)
	h.m.Poll(time.Second)
	assert.Len(t, rec.of(c.ID(), api.EventTimer), 1)
	assert.Equal(t, time.Second, h.fb.LastTimeout())
}

func TestPollEventsFollowIO(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	_, c := h.acceptOne(t, rec)
	rec.events = nil

	h.fb.Inject(c.sock, []byte("x"))
	h.m.Poll(0)
	var mine []api.EventType
	for _, e := range rec.events {
		if e.id == c.ID() {
			mine = append(mine, e.ev)
		}
	}
	assert.Equal(t, []api.EventType{api.EventRecv, api.EventPoll}, mine)
}

func TestPollCountsPollEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.Zero(t, h.m.Poll(0))

	rec := newRecorder(nil)
	h.acceptOne(t, rec)
	calls := h.m.NumCalls()
	assert.Equal(t, 2, h.m.Poll(0), "idle listener and connection still dispatch")
	assert.Equal(t, calls, h.m.NumCalls())
}

func TestFlagMasking(t *testing.T) {
	h := newHarness(t, testConfig())
	user := HandlerFunc(func(c *Conn, ev api.EventType, _ any) {
		if ev == api.EventAccept {
			c.SetFlags(FlagUDP | FlagTLS | FlagUser1)
			c.ClearFlags(FlagUser2)
		}
	})
	proto := HandlerFunc(func(c *Conn, ev api.EventType, _ any) {
		if ev == api.EventAccept {
			c.SetFlags(FlagUser2 | FlagEnableBroadcast)
		}
	})
	l, c := h.acceptOne(t, user, WithProtocolHandler(proto), WithFlags(FlagUser3|FlagUDP))

	assert.True(t, l.Flags().Has(FlagUser3))
	assert.False(t, l.Flags().Has(FlagUDP))

	f := c.Flags()
	assert.True(t, f.Has(FlagUser1))
	assert.False(t, f.Has(FlagUser2), "user handler may clear user bits")
	assert.True(t, f.Has(FlagEnableBroadcast), "protocol handler bits survive")
	assert.False(t, f.Has(FlagUDP))
	assert.False(t, f.Has(FlagTLS))
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	l, _ := h.acceptOne(t, rec)
	h.fb.QueueAccept(l.sock, netip.MustParseAddrPort("192.0.2.12:7000"))
	h.m.Poll(0)
	wakes := h.fb.Wakes()

	errc := make(chan error, 1)
	go func() { errc <- h.m.Broadcast(nil, "hi") }()
	require.NoError(t, <-errc)
	assert.Greater(t, h.fb.Wakes(), wakes)

	rec.events = nil
	h.m.Poll(0)
	got := 0
	for _, e := range rec.events {
		if msg, ok := e.data.(api.BroadcastMessage); ok {
			assert.Equal(t, api.EventPoll, e.ev)
			assert.Equal(t, "hi", msg.Data)
			got++
		}
	}
	assert.Equal(t, 3, got)

	var via []ConnID
	fn := HandlerFunc(func(c *Conn, ev api.EventType, data any) {
		if _, ok := data.(api.BroadcastMessage); ok {
			via = append(via, c.ID())
		}
	})
	rec.events = nil
	require.NoError(t, h.m.Broadcast(fn, 42))
	h.m.Poll(0)
	assert.Len(t, via, 3)
	for _, e := range rec.events {
		_, isBroadcast := e.data.(api.BroadcastMessage)
		assert.False(t, isBroadcast)
	}
}

func TestConnIDGenerations(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	c1, err := h.m.Connect("udp://10.0.0.9:5000", rec)
	require.NoError(t, err)
	id1 := c1.ID()
	c1.Close()
	h.m.Poll(0)
	assert.Nil(t, h.m.Lookup(id1))
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(id1))

	c2, err := h.m.Connect("udp://10.0.0.9:5001", rec)
	require.NoError(t, err)
	assert.Equal(t, id1.index, c2.ID().index)
	assert.NotEqual(t, id1, c2.ID())
	assert.Nil(t, h.m.Lookup(id1))
	assert.Equal(t, c2, h.m.Lookup(c2.ID()))
}

func TestMaxConns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConns = 2
	h := newHarness(t, cfg)
	rec := newRecorder(nil)

	l, err := h.m.Bind("tcp://127.0.0.1:8000", rec)
	require.NoError(t, err)
	_, err = h.m.Connect("udp://10.0.0.9:5000", rec)
	require.NoError(t, err)

	_, err = h.m.Connect("udp://10.0.0.9:5001", rec)
	assert.ErrorIs(t, err, api.ErrResourceExhausted)
	assert.Equal(t, 2, h.m.Len())

	h.fb.QueueAccept(l.sock, peerAddr)
	h.m.Poll(0)
	assert.Empty(t, rec.of(l.ID(), api.EventAccept))
	assert.Empty(t, rec.ids(api.EventAccept))
	assert.Equal(t, 2, h.m.Len())
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.fb.HoldConnect(true)
	rec := newRecorder(nil)
	c, err := h.m.Connect("tcp://10.0.0.7:80", rec)
	require.NoError(t, err)

	h.m.Poll(time.Second)
	assert.Equal(t, 100*time.Millisecond, h.fb.LastTimeout())
	assert.Empty(t, rec.events, "no poll or timer before the connect result")

	h.clock.Advance(100 * time.Millisecond)
	h.m.Poll(time.Second)
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(c.ID()))
	assert.ErrorIs(t, rec.of(c.ID(), api.EventConnect)[0].data.(error), api.ErrOperationTimeout)
	assert.Nil(t, h.m.Lookup(c.ID()))
}

func TestConnectFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	refused := errors.New("connection refused")

	c1, err := h.m.Connect("tcp://10.0.0.7:80", rec)
	require.NoError(t, err)
	sock, to := h.fb.LastDialed()
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.7:80"), to)
	h.fb.SetConnectResult(sock, refused)

	h.m.Poll(0)
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(c1.ID()))
	assert.Equal(t, refused, rec.of(c1.ID(), api.EventConnect)[0].data)
	assert.Equal(t, refused, rec.of(c1.ID(), api.EventClose)[0].data)
	assert.True(t, h.fb.Closed(sock))

	unreachable := errors.New("network unreachable")
	h.fb.SetConnectError(unreachable)
	c2, err := h.m.Connect("tcp://10.0.0.8:80", rec)
	require.NoError(t, err)
	h.m.Poll(0)
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(c2.ID()))
	assert.Equal(t, unreachable, rec.of(c2.ID(), api.EventConnect)[0].data)
}

func TestConnectSuccessAndData(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(func(c *Conn, ev api.EventType, data any) {
		if ev == api.EventConnect && data == nil {
			c.Printf("GET %s\r\n", "/")
		}
	})
	c, err := h.m.Connect("tcp://10.0.0.7:80", rec)
	require.NoError(t, err)
	h.m.Poll(0)
	assert.Equal(t, StateOpen, c.State())
	assert.True(t, c.LocalAddr().IsValid())
	h.m.Poll(0)
	assert.Equal(t, "GET /\r\n", string(h.fb.Sent(c.sock)))
}

func TestUDPListenerPeers(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(func(c *Conn, ev api.EventType, _ any) {
		if ev == api.EventRecv {
			c.Send(append([]byte("r:"), c.RecvBuf().Bytes()...))
			c.RecvBuf().Remove(c.RecvBuf().Len())
		}
	})
	l, err := h.m.Bind("udp://127.0.0.1:5353", rec)
	require.NoError(t, err)

	h.fb.InjectFrom(l.sock, peerAddr, []byte("q1"))
	h.m.Poll(0)
	peers := rec.ids(api.EventAccept)
	require.Len(t, peers, 1)
	p := h.m.Lookup(peers[0])
	require.NotNil(t, p)
	assert.True(t, p.Flags().Has(FlagUDP))
	assert.Equal(t, peerAddr, p.RemoteAddr())

	h.m.Poll(0)
	d := h.fb.SentDatagrams(l.sock)
	require.Len(t, d, 1)
	assert.Equal(t, peerAddr, d[0].Addr)
	assert.Equal(t, "r:q1", string(d[0].Data))
	assert.Nil(t, h.m.Lookup(peers[0]))
	assert.False(t, h.fb.Closed(l.sock))
	assert.Equal(t, []api.EventType{api.EventAccept, api.EventRecv, api.EventSend, api.EventClose}, rec.kinds(peers[0]))

	h.fb.InjectFrom(l.sock, peerAddr, []byte("q2"))
	h.m.Poll(0)
	assert.Len(t, rec.ids(api.EventAccept), 2)
}

func TestUDPPeerKeptUntilListenerCloses(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(func(c *Conn, ev api.EventType, _ any) {
		if ev == api.EventAccept {
			c.ClearFlags(FlagSendAndClose)
		}
	})
	l, err := h.m.Bind("udp://127.0.0.1:5353", rec)
	require.NoError(t, err)
	h.fb.InjectFrom(l.sock, peerAddr, []byte("a"))
	h.fb.InjectFrom(l.sock, peerAddr, []byte("b"))
	h.m.Poll(0)
	h.m.Poll(0)

	peers := rec.ids(api.EventAccept)
	require.Len(t, peers, 1)
	p := h.m.Lookup(peers[0])
	require.NotNil(t, p)
	assert.Equal(t, "ab", string(p.RecvBuf().Bytes()))

	l.Close()
	h.m.Poll(0)
	assert.Nil(t, h.m.Lookup(peers[0]))
	assert.ErrorIs(t, rec.of(peers[0], api.EventClose)[0].data.(error), api.ErrConnectionReset)
	assert.True(t, h.fb.Closed(l.sock))
}

func TestAddSocket(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	c, err := h.m.AddSocket(7, rec)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, c.State())
	assert.True(t, c.RemoteAddr().IsValid())

	h.fb.Inject(c.sock, []byte("x"))
	h.m.Poll(0)
	assert.Equal(t, []api.EventType{api.EventRecv}, rec.kinds(c.ID()))

	u, err := h.m.AddSocket(8, rec, WithUDP())
	require.NoError(t, err)
	assert.True(t, u.Flags().Has(FlagUDP))
}

func TestOptionErrors(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.m.Connect("udp://10.0.0.1:53", nil, WithTLS())
	assert.ErrorIs(t, err, api.ErrNotSupported)
	_, err = h.m.Connect("tcp://10.0.0.1:443", nil, WithTLS())
	assert.ErrorIs(t, err, api.ErrNotSupported, "tls without a factory")
	_, err = h.m.Bind("tcp://127.0.0.1:80", nil, WithBackendIndex(3))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = h.m.Connect("tcp://10.0.0.1", nil)
	assert.ErrorIs(t, err, api.ErrInvalidAddress)

	h.fb.SetListenError(errors.New("address in use"))
	_, err = h.m.Bind("tcp://127.0.0.1:80", nil)
	assert.Error(t, err)
	assert.Zero(t, h.m.Len())
}

func TestRecvLimitOption(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufferLimit = 1024
	h := newHarness(t, cfg)
	_, c := h.acceptOne(t, nil, WithRecvLimit(3))
	assert.Equal(t, 3, c.RecvLimit())

	h.fb.Inject(c.sock, []byte("abcdef"))
	h.m.Poll(0)
	assert.Equal(t, "abc", string(c.RecvBuf().Bytes()))
	c.SetRecvLimit(0)
	h.m.Poll(0)
	assert.Equal(t, "abcdef", string(c.RecvBuf().Bytes()))
}

func TestForward(t *testing.T) {
	h := newHarness(t, testConfig())
	_, a := h.acceptOne(t, nil)
	b, err := h.m.Connect("udp://10.0.0.9:5000", nil)
	require.NoError(t, err)
	a.RecvBuf().Append([]byte("payload"))
	assert.Equal(t, 7, a.Forward(b))
	assert.Zero(t, a.RecvBuf().Len())
	assert.Equal(t, "payload", string(b.SendBuf().Bytes()))
}

func TestProtocolDataDestroyedAfterClose(t *testing.T) {
	h := newHarness(t, testConfig())
	var order []string
	rec := newRecorder(func(c *Conn, ev api.EventType, _ any) {
		switch ev {
		case api.EventAccept:
			c.SetProtocolData("state", func(v any) { order = append(order, "destroy:"+v.(string)) })
		case api.EventClose:
			order = append(order, "close")
		}
	})
	_, c := h.acceptOne(t, rec)
	assert.Equal(t, "state", c.ProtocolData())
	c.Close()
	h.m.Poll(0)
	assert.Equal(t, []string{"close", "destroy:state"}, order)
}

func TestManagerClose(t *testing.T) {
	h := newHarness(t, testConfig())
	rec := newRecorder(nil)
	l, c := h.acceptOne(t, rec)
	h.fb.HoldConnect(true)
	pending, err := h.m.Connect("tcp://10.0.0.7:80", rec)
	require.NoError(t, err)

	require.NoError(t, h.m.Close())
	for _, id := range []ConnID{l.ID(), c.ID()} {
		closes := rec.of(id, api.EventClose)
		require.Len(t, closes, 1)
		assert.ErrorIs(t, closes[0].data.(error), api.ErrManagerClosed)
	}
	assert.Equal(t, []api.EventType{api.EventConnect, api.EventClose}, rec.kinds(pending.ID()))
	assert.ErrorIs(t, rec.of(pending.ID(), api.EventConnect)[0].data.(error), api.ErrManagerClosed)
	assert.Zero(t, h.m.Len())

	assert.Zero(t, h.m.Poll(0))
	assert.NoError(t, h.m.Close())
	assert.ErrorIs(t, h.m.Broadcast(nil, "late"), api.ErrManagerClosed)
	_, err = h.m.Connect("udp://10.0.0.9:1", nil)
	assert.ErrorIs(t, err, api.ErrManagerClosed)
	assert.Empty(t, rec.violations)
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, testConfig())
	cfg := testConfig()
	cfg.RecvBufferLimit = 8

	errc := make(chan error, 1)
	go func() { errc <- h.m.Reconfigure(cfg) }()
	require.NoError(t, <-errc)
	h.m.Poll(0)
	assert.Equal(t, 8, h.m.Config().RecvBufferLimit)

	_, c := h.acceptOne(t, nil)
	assert.Equal(t, 8, c.RecvLimit())

	bad := testConfig()
	bad.IOSize = 0
	assert.Error(t, h.m.Reconfigure(bad))
}

func TestConfigStoreReload(t *testing.T) {
	store := control.NewConfigStore(testConfig())
	h := newHarness(t, testConfig(), WithConfigStore(store))
	require.NoError(t, store.SetConfig(map[string]any{"max_conns": 5}))
	h.m.Poll(0)
	assert.Equal(t, 5, h.m.Config().MaxConns)
	assert.Error(t, store.SetConfig(map[string]any{"io_size": -1}))
	h.m.Poll(0)
	assert.Equal(t, 1460, h.m.Config().IOSize)
}

func TestMetricsAndProbes(t *testing.T) {
	reg, err := control.NewMetricsRegistry("hioload", nil)
	require.NoError(t, err)
	h := newHarness(t, testConfig(), WithMetrics(reg))
	_, c := h.acceptOne(t, nil)
	h.fb.Inject(c.sock, []byte("abc"))
	h.m.Poll(0)

	snap := reg.GetSnapshot()
	assert.Equal(t, float64(1), snap["hioload.manager.accepts"])
	assert.Equal(t, float64(3), snap["hioload.manager.bytes_in"])

	state := h.m.Probes().DumpState()
	assert.Equal(t, int64(2), state["manager.conns"])
	assert.Equal(t, h.m.NumCalls(), state["manager.calls"])
	assert.Equal(t, uint64(2), h.m.NumCalls())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UDPIOSize = 0
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)
}

func TestPartialWritesRetried(t *testing.T) {
	cfg := testConfig()
	cfg.IOSize = 5
	h := newHarness(t, cfg)
	rec := newRecorder(nil)
	_, c := h.acceptOne(t, rec)
	msg := bytes.Repeat([]byte("z"), 12)
	c.Send(msg)
	h.poll(3)
	assert.Equal(t, msg, h.fb.Sent(c.sock))
	var sizes []any
	for _, e := range rec.of(c.ID(), api.EventSend) {
		sizes = append(sizes, e.data)
	}
	assert.Equal(t, []any{5, 5, 2}, sizes)
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, testConfig())
	_, c := h.acceptOne(t, nil)
	h.fb.Inject(c.sock, []byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.m.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "x", string(c.RecvBuf().Bytes()))
	assert.Greater(t, h.fb.Polls(), 1)

	require.NoError(t, h.m.Close())
	assert.ErrorIs(t, h.m.Run(context.Background(), time.Millisecond), api.ErrManagerClosed)
}
