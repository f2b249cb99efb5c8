package peerhost

import (
	"errors"
	"net/netip"
	"time"

	"github.com/opd-ai/peerhost/limits"
	"github.com/opd-ai/peerhost/transport"
)

// ---------------------------------------------------------------------------
// mockEngine is a scripted stand-in for the transport.
// ---------------------------------------------------------------------------

type mockResult struct {
	code int
	ev   transport.Event
}

type mockEngine struct {
	peers        []transport.Peer
	results      []mockResult
	address      netip.AddrPort
	channelLimit int
	incoming     uint32
	outgoing     uint32

	// nextConnect is the slot Connect hands out, or -1 for none.
	nextConnect int
	connects    int

	// onPoll runs at the start of every Service or CheckEvents call.
	onPoll func()

	serviceCalls int
	checkCalls   int
	lastTimeout  time.Duration
	flushes      int
	destroyed    bool
	destroyErr   error
}

func newMockEngine(peerCount int) *mockEngine {
	return &mockEngine{
		peers:        make([]transport.Peer, peerCount),
		address:      netip.MustParseAddrPort("127.0.0.1:7777"),
		channelLimit: limits.MaxChannelCount,
		nextConnect:  -1,
	}
}

// script queues an event for the given slot.
func (m *mockEngine) script(typ transport.EventType, slot int, data uint32) {
	m.results = append(m.results, mockResult{
		code: 1,
		ev:   transport.Event{Type: typ, Peer: &m.peers[slot], Data: data},
	})
}

func (m *mockEngine) scriptReceive(slot int, channelID uint8, packet *transport.Packet) {
	m.results = append(m.results, mockResult{
		code: 1,
		ev:   transport.Event{Type: transport.EventReceive, Peer: &m.peers[slot], ChannelID: channelID, Packet: packet},
	})
}

func (m *mockEngine) scriptError(code int) {
	m.results = append(m.results, mockResult{code: code})
}

func (m *mockEngine) next(ev *transport.Event) int {
	if m.onPoll != nil {
		m.onPoll()
	}
	*ev = transport.Event{}
	if len(m.results) == 0 {
		return 0
	}
	r := m.results[0]
	m.results = m.results[1:]
	*ev = r.ev
	return r.code
}

func (m *mockEngine) Service(ev *transport.Event, timeout time.Duration) int {
	m.serviceCalls++
	m.lastTimeout = timeout
	return m.next(ev)
}

func (m *mockEngine) CheckEvents(ev *transport.Event) int {
	m.checkCalls++
	return m.next(ev)
}

func (m *mockEngine) Flush() { m.flushes++ }

func (m *mockEngine) SetBandwidthLimit(incoming, outgoing uint32) {
	m.incoming, m.outgoing = incoming, outgoing
}

func (m *mockEngine) IncomingBandwidth() uint32 { return m.incoming }
func (m *mockEngine) OutgoingBandwidth() uint32 { return m.outgoing }

func (m *mockEngine) SetChannelLimit(limit int) {
	if limit <= 0 || limit > limits.MaxChannelCount {
		limit = limits.MaxChannelCount
	}
	m.channelLimit = limit
}

func (m *mockEngine) ChannelLimit() int { return m.channelLimit }
func (m *mockEngine) Address() netip.AddrPort { return m.address }
func (m *mockEngine) PeerCount() int { return len(m.peers) }
func (m *mockEngine) Peers() []transport.Peer { return m.peers }

func (m *mockEngine) Connect(addr netip.AddrPort, channelCount int, data uint32) *transport.Peer {
	m.connects++
	if m.nextConnect < 0 {
		return nil
	}
	return &m.peers[m.nextConnect]
}

func (m *mockEngine) Destroy() error {
	if m.destroyed {
		return errors.New("mock engine destroyed twice")
	}
	m.destroyed = true
	return m.destroyErr
}

// testPayload is the per-peer data type used by the host tests.
type testPayload struct {
	name string
}
