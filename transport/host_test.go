package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerhost/crypto"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

// harness services several hosts round-robin and records their events.
type harness struct {
	t      *testing.T
	hosts  []*Host
	events map[*Host][]Event
}

func newHarness(t *testing.T, hosts ...*Host) *harness {
	return &harness{t: t, hosts: hosts, events: make(map[*Host][]Event)}
}

func (hn *harness) pump() {
	for _, h := range hn.hosts {
		var ev Event
		for h.Service(&ev, 2*time.Millisecond) > 0 {
			hn.events[h] = append(hn.events[h], ev)
		}
	}
}

func (hn *harness) waitFor(h *Host, typ EventType) Event {
	hn.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		for i, ev := range hn.events[h] {
			if ev.Type == typ {
				hn.events[h] = append(hn.events[h][:i], hn.events[h][i+1:]...)
				return ev
			}
		}
		if time.Now().After(deadline) {
			hn.t.Fatalf("Timed out waiting for %s event", typ)
		}
		hn.pump()
	}
}

func createHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	if !cfg.Address.IsValid() && cfg.Conn == nil {
		cfg.Address = loopback
	}
	h, err := Create(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Destroy() })
	return h
}

func initTransport(t *testing.T) {
	t.Helper()
	require.NoError(t, Initialize())
	t.Cleanup(Deinitialize)
}

func connectPair(t *testing.T, server, client *Host, channels int, data uint32) (*harness, *Peer, *Peer) {
	t.Helper()
	hn := newHarness(t, server, client)

	cp := client.Connect(server.Address(), channels, data)
	require.NotNil(t, cp)
	assert.Equal(t, StateConnecting, cp.State())

	sev := hn.waitFor(server, EventConnect)
	cev := hn.waitFor(client, EventConnect)
	require.Same(t, cp, cev.Peer)
	return hn, sev.Peer, cp
}

// TestCreateNotInitialized tests that hosts require an initialized transport.
func TestCreateNotInitialized(t *testing.T) {
	require.False(t, initialized())
	_, err := Create(Config{Address: loopback, PeerCount: 1})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, initialized(), "failed create must not leak a reference")
}

// TestCreateInvalidPeerCount tests peer table size validation.
func TestCreateInvalidPeerCount(t *testing.T) {
	initTransport(t)

	_, err := Create(Config{Address: loopback, PeerCount: 0})
	assert.Error(t, err)
}

// TestHostSettings tests channel and bandwidth limit accessors.
func TestHostSettings(t *testing.T) {
	initTransport(t)
	h := createHost(t, Config{PeerCount: 2, ChannelLimit: 4, IncomingBandwidth: 1000, OutgoingBandwidth: 2000})

	assert.Equal(t, 2, h.PeerCount())
	assert.Len(t, h.Peers(), 2)
	assert.Equal(t, 4, h.ChannelLimit())
	assert.Equal(t, uint32(1000), h.IncomingBandwidth())
	assert.Equal(t, uint32(2000), h.OutgoingBandwidth())
	assert.True(t, h.Address().Addr().IsLoopback())
	assert.NotZero(t, h.Address().Port())

	h.SetChannelLimit(0)
	assert.Equal(t, 255, h.ChannelLimit())
	h.SetChannelLimit(1000)
	assert.Equal(t, 255, h.ChannelLimit())
	h.SetBandwidthLimit(0, 0)
	assert.Zero(t, h.IncomingBandwidth())
	assert.Zero(t, h.OutgoingBandwidth())
}

// TestConnectSendDisconnect tests a full connection lifecycle over loopback.
func TestConnectSendDisconnect(t *testing.T) {
	initTransport(t)
	server := createHost(t, Config{PeerCount: 8})
	client := createHost(t, Config{PeerCount: 1})

	hn, sp, cp := connectPair(t, server, client, 2, 42)

	assert.Equal(t, StateConnected, sp.State())
	assert.Equal(t, StateConnected, cp.State())
	assert.Equal(t, uint32(42), sp.ConnectData())
	assert.Equal(t, 2, sp.ChannelCount())
	assert.Equal(t, 2, cp.ChannelCount())
	assert.Equal(t, client.PublicKey(), sp.RemoteKey())
	assert.Equal(t, server.PublicKey(), cp.RemoteKey())
	assert.Equal(t, client.Address(), sp.Address())

	require.NoError(t, cp.Send(1, &Packet{Data: []byte("hello"), Flags: FlagReliable}))
	ev := hn.waitFor(server, EventReceive)
	assert.Same(t, sp, ev.Peer)
	assert.Equal(t, uint8(1), ev.ChannelID)
	assert.Equal(t, []byte("hello"), ev.Packet.Data)
	assert.Equal(t, FlagReliable, ev.Packet.Flags)

	require.NoError(t, sp.Send(0, &Packet{Data: []byte("world"), Flags: FlagUnsequenced}))
	ev = hn.waitFor(client, EventReceive)
	assert.Equal(t, []byte("world"), ev.Packet.Data)

	assert.ErrorIs(t, cp.Send(2, &Packet{Data: []byte("x")}), ErrInvalidChannel)

	cp.Disconnect(7)
	assert.Equal(t, StateDisconnecting, cp.State())
	assert.ErrorIs(t, cp.Send(0, &Packet{Data: []byte("late")}), ErrNotConnected)

	sev := hn.waitFor(server, EventDisconnect)
	assert.Same(t, sp, sev.Peer)
	assert.Equal(t, uint32(7), sev.Data)
	assert.Equal(t, StateDisconnected, sp.State())

	cev := hn.waitFor(client, EventDisconnect)
	assert.Same(t, cp, cev.Peer)
	assert.Equal(t, uint32(7), cev.Data)
	assert.Equal(t, StateDisconnected, cp.State())
}

// TestReliableOrderingOverLoopback tests in-order delivery of many packets.
func TestReliableOrderingOverLoopback(t *testing.T) {
	initTransport(t)
	server := createHost(t, Config{PeerCount: 1})
	client := createHost(t, Config{PeerCount: 1})
	hn, _, cp := connectPair(t, server, client, 1, 0)

	for i := 0; i < 20; i++ {
		require.NoError(t, cp.Send(0, &Packet{Data: []byte{byte(i)}, Flags: FlagReliable}))
	}
	for i := 0; i < 20; i++ {
		ev := hn.waitFor(server, EventReceive)
		assert.Equal(t, []byte{byte(i)}, ev.Packet.Data)
	}
}

// TestChannelLimitClamp tests that inbound connections respect the channel limit.
func TestChannelLimitClamp(t *testing.T) {
	initTransport(t)
	server := createHost(t, Config{PeerCount: 1, ChannelLimit: 1})
	client := createHost(t, Config{PeerCount: 1})

	_, sp, cp := connectPair(t, server, client, 4, 0)
	assert.Equal(t, 1, sp.ChannelCount())
	assert.Equal(t, 1, cp.ChannelCount())
}

// TestConnectFullTable tests that Connect fails without a free slot.
func TestConnectFullTable(t *testing.T) {
	initTransport(t)
	client := createHost(t, Config{PeerCount: 1})
	target := netip.MustParseAddrPort("127.0.0.1:9")

	require.NotNil(t, client.Connect(target, 1, 0))
	assert.Nil(t, client.Connect(target, 1, 0))
	assert.Nil(t, client.Connect(netip.AddrPort{}, 1, 0))
}

// TestConnectTimeout tests that an unanswered connect produces a Disconnect event.
func TestConnectTimeout(t *testing.T) {
	initTransport(t)

	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	mock := clock.NewMock()
	client := createHost(t, Config{PeerCount: 1, Clock: mock})

	p := client.Connect(netip.MustParseAddrPort(sink.LocalAddr().String()), 1, 0)
	require.NotNil(t, p)

	var ev Event
	assert.Equal(t, 0, client.Service(&ev, 0))
	assert.Equal(t, EventNone, ev.Type)

	mock.Add(DefaultTimeoutMaximum + time.Second)
	require.Equal(t, 1, client.Service(&ev, 0))
	assert.Equal(t, EventDisconnect, ev.Type)
	assert.Same(t, p, ev.Peer)
	assert.Zero(t, ev.Data)
	assert.Equal(t, StateDisconnected, p.State())
}

// TestDisconnectNow tests that the remote side is notified without a local event.
func TestDisconnectNow(t *testing.T) {
	initTransport(t)
	server := createHost(t, Config{PeerCount: 1})
	client := createHost(t, Config{PeerCount: 1})
	hn, sp, cp := connectPair(t, server, client, 1, 0)

	sp.DisconnectNow(9)
	assert.Equal(t, StateDisconnected, sp.State())

	ev := hn.waitFor(client, EventDisconnect)
	assert.Same(t, cp, ev.Peer)
	assert.Equal(t, uint32(9), ev.Data)

	for _, ev := range hn.events[server] {
		assert.NotEqual(t, EventDisconnect, ev.Type)
	}
}

// TestResetConnecting tests that a reset slot is free immediately and silent.
func TestResetConnecting(t *testing.T) {
	initTransport(t)
	client := createHost(t, Config{PeerCount: 1})

	p := client.Connect(netip.MustParseAddrPort("127.0.0.1:9"), 1, 0)
	require.NotNil(t, p)
	p.SetData("payload")
	p.Reset()

	assert.Equal(t, StateDisconnected, p.State())
	assert.Equal(t, "payload", p.Data(), "reset keeps attached data")

	var ev Event
	assert.Equal(t, 0, client.CheckEvents(&ev))
	assert.Equal(t, -1, client.CheckEvents(nil))
}

// TestDisconnectConnecting tests that cancelling a pending connect reports a Disconnect.
func TestDisconnectConnecting(t *testing.T) {
	initTransport(t)
	client := createHost(t, Config{PeerCount: 1})

	p := client.Connect(netip.MustParseAddrPort("127.0.0.1:9"), 1, 0)
	require.NotNil(t, p)
	p.Disconnect(5)
	assert.Equal(t, StateZombie, p.State())

	var ev Event
	require.Equal(t, 1, client.CheckEvents(&ev))
	assert.Equal(t, EventDisconnect, ev.Type)
	assert.Equal(t, uint32(5), ev.Data)
	assert.Equal(t, StateDisconnected, p.State())
}

// TestDestroyNotifiesPeers tests that destroying a host disconnects its peers.
func TestDestroyNotifiesPeers(t *testing.T) {
	initTransport(t)
	server := createHost(t, Config{PeerCount: 1})
	client := createHost(t, Config{PeerCount: 1})
	hn, sp, _ := connectPair(t, server, client, 1, 0)

	require.NoError(t, client.Destroy())
	assert.NoError(t, client.Destroy(), "destroy is idempotent")

	var ev Event
	assert.Equal(t, -1, client.Service(&ev, 0))

	sev := hn.waitFor(server, EventDisconnect)
	assert.Same(t, sp, sev.Peer)
}

// TestReliableReordering tests buffering of early reliable commands.
func TestReliableReordering(t *testing.T) {
	h := &Host{}
	p := &Peer{host: h, state: StateConnected, session: &session{}}
	p.setupChannels(1)

	for _, seq := range []uint64{2, 3, 1, 1} {
		h.handleReliable(p, &command{Type: cmdSendReliable, Sequence: seq, Data: []byte{byte(seq)}})
	}

	require.Len(t, h.events, 3)
	for i, ev := range h.events {
		assert.Equal(t, EventReceive, ev.Type)
		assert.Equal(t, []byte{byte(i + 1)}, ev.Packet.Data)
	}
	assert.Len(t, p.acks, 4, "duplicates are acknowledged again")
	assert.Empty(t, p.channels[0].pending)

	h.handleReliable(p, &command{Type: cmdSendReliable, Sequence: 4 + maxReliableWindow})
	assert.Len(t, p.acks, 4, "commands beyond the window are ignored")

	h.handleReliable(p, &command{Type: cmdSendReliable, ChannelID: systemChannel, Sequence: 1})
	assert.Len(t, h.events, 3, "user data on the system channel is ignored")
}

// TestUnreliableSequencing tests that stale unreliable packets are dropped.
func TestUnreliableSequencing(t *testing.T) {
	h := &Host{}
	p := &Peer{host: h, state: StateConnected, session: &session{}}
	p.setupChannels(1)

	for _, seq := range []uint64{1, 3, 2, 4} {
		h.handleCommand(p, &command{Type: cmdSendUnreliable, Sequence: seq}, time.Now())
	}
	require.Len(t, h.events, 3)
	assert.Empty(t, p.acks)
}

// TestRoundTripEstimate tests round-trip smoothing.
func TestRoundTripEstimate(t *testing.T) {
	p := &Peer{rtt: DefaultRoundTripTime}
	p.updateRoundTrip(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, p.RoundTripTime())
	assert.Equal(t, 50*time.Millisecond, p.RoundTripTimeVariance())

	p.updateRoundTrip(180 * time.Millisecond)
	assert.Equal(t, 110*time.Millisecond, p.RoundTripTime())
	assert.Equal(t, 57500*time.Microsecond, p.RoundTripTimeVariance())
	assert.Equal(t, 110*time.Millisecond+4*57500*time.Microsecond, p.retransmitTimeout())
}

// TestServiceShortTimeoutDoesNotBlock tests that timeouts below one
// millisecond poll once and return without waiting.
func TestServiceShortTimeoutDoesNotBlock(t *testing.T) {
	initTransport(t)
	mock := clock.NewMock()
	h := createHost(t, Config{PeerCount: 1, Clock: mock})
	start := mock.Now()

	for _, timeout := range []time.Duration{0, 999 * time.Microsecond} {
		done := make(chan int, 1)
		go func() {
			var ev Event
			done <- h.Service(&ev, timeout)
		}()

		select {
		case n := <-done:
			assert.Equal(t, 0, n, "timeout %s", timeout)
		case <-time.After(5 * time.Second):
			t.Fatalf("Service(%s) blocked", timeout)
		}
	}
	assert.Equal(t, start, mock.Now())
}

// TestServiceWaitsForTimeout tests that an idle Service call blocks until
// its timeout has elapsed on the host clock.
func TestServiceWaitsForTimeout(t *testing.T) {
	initTransport(t)
	mock := clock.NewMock()
	h := createHost(t, Config{PeerCount: 1, Clock: mock})
	start := mock.Now()

	done := make(chan int, 1)
	go func() {
		var ev Event
		done <- h.Service(&ev, 10*time.Millisecond)
	}()

	select {
	case <-done:
		t.Fatal("Service returned before its timeout elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-done:
			assert.Equal(t, 0, n)
			assert.GreaterOrEqual(t, mock.Now().Sub(start), 10*time.Millisecond)
			return
		case <-deadline:
			t.Fatal("Service did not return after its timeout")
		default:
			mock.Add(time.Millisecond)
		}
	}
}

// TestDestroyWipesStaticKey tests that the host wipes its own key copy and
// leaves a caller's key alone.
func TestDestroyWipesStaticKey(t *testing.T) {
	initTransport(t)

	supplied, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	original := supplied.Private

	h := createHost(t, Config{PeerCount: 1, StaticKey: supplied})
	generated := createHost(t, Config{PeerCount: 1})
	assert.Equal(t, supplied.Public, h.PublicKey())
	hostKey, generatedKey := h.staticKey, generated.staticKey

	require.NoError(t, h.Destroy())
	require.NoError(t, generated.Destroy())
	assert.Equal(t, [32]byte{}, hostKey.Private)
	assert.Equal(t, [32]byte{}, generatedKey.Private)
	assert.Equal(t, original, supplied.Private)
}
