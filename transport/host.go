package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/peerhost/crypto"
	"github.com/opd-ai/peerhost/limits"
)

const (
	// DefaultPingInterval is the idle time after which a PING is sent.
	DefaultPingInterval = 500 * time.Millisecond
	// DefaultTimeoutLimit is the retransmission back-off factor after which a
	// connection may be dropped once DefaultTimeoutMinimum has elapsed.
	DefaultTimeoutLimit = 32
	// DefaultTimeoutMinimum is the shortest time an unresponsive connection is kept.
	DefaultTimeoutMinimum = 5 * time.Second
	// DefaultTimeoutMaximum is the longest time an unresponsive connection is kept.
	DefaultTimeoutMaximum = 30 * time.Second
	// DefaultRoundTripTime seeds the round-trip estimate of new connections.
	DefaultRoundTripTime = 500 * time.Millisecond

	inboxSize          = 1024
	recentlyClosedSize = 256
	throttleRecheck    = 5 * time.Millisecond
)

// EventType identifies the kind of an Event.
type EventType uint8

const (
	// EventNone means no event occurred.
	EventNone EventType = iota
	// EventConnect reports a completed connection.
	EventConnect
	// EventDisconnect reports a finished connection. The peer slot is free
	// again once this event has been returned.
	EventDisconnect
	// EventReceive reports an incoming packet.
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is produced by Service and CheckEvents.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	// Data is the connect user data for EventConnect and the reason for
	// EventDisconnect.
	Data   uint32
	Packet *Packet
}

// Config describes a host to create.
type Config struct {
	// Address to bind. The zero value binds an ephemeral port on all
	// interfaces, which is what a client-role host wants.
	Address netip.AddrPort
	// PeerCount is the fixed size of the peer table.
	PeerCount int
	// ChannelLimit caps the channels of inbound connections; zero means
	// limits.MaxChannelCount.
	ChannelLimit int
	// IncomingBandwidth and OutgoingBandwidth in bytes per second; zero
	// means unlimited.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	// StaticKey is the handshake identity; nil generates one. The host keeps
	// its own copy.
	StaticKey *crypto.KeyPair
	// Conn replaces the UDP socket, mainly for tests.
	Conn net.PacketConn
	// Clock replaces the wall clock, mainly for tests.
	Clock clock.Clock

	PingInterval   time.Duration
	TimeoutLimit   int
	TimeoutMinimum time.Duration
	TimeoutMaximum time.Duration
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

type connectKey struct {
	addr      netip.AddrPort
	connectID uint32
}

// Host is one endpoint of the protocol. It owns a UDP socket and a fixed
// table of peer slots. Apart from the socket reader, every method must be
// called from a single goroutine.
type Host struct {
	id        string
	conn      net.PacketConn
	address   netip.AddrPort
	staticKey *crypto.KeyPair
	clock     clock.Clock
	epoch     time.Time

	peers             []Peer
	channelLimit      int
	incomingBandwidth uint32
	outgoingBandwidth uint32
	throttle          *throttle

	pingInterval   time.Duration
	timeoutLimit   int
	timeoutMinimum time.Duration
	timeoutMaximum time.Duration

	events         []Event
	recentlyClosed *lru.Cache[connectKey, struct{}]

	inbox      chan datagram
	readErr    chan error
	closing    chan struct{}
	readerDone chan struct{}
	failure    error
	destroyed  bool
}

// Create binds a socket and allocates the peer table. Initialize must have
// been called.
func Create(cfg Config) (*Host, error) {
	if !acquire() {
		return nil, ErrNotInitialized
	}
	success := false
	defer func() {
		if !success {
			Deinitialize()
		}
	}()

	if err := limits.ValidatePeerCount(cfg.PeerCount); err != nil {
		return nil, err
	}

	conn := cfg.Conn
	if conn == nil {
		var laddr *net.UDPAddr
		if cfg.Address.IsValid() {
			laddr = net.UDPAddrFromAddrPort(cfg.Address)
		}
		udp, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, newNetError("listen", cfg.Address.String(), err)
		}
		conn = udp
	}

	address, ok := addrPortOf(conn.LocalAddr())
	if !ok {
		conn.Close()
		return nil, newNetError("listen", conn.LocalAddr().String(), fmt.Errorf("unsupported address type %T", conn.LocalAddr()))
	}

	var staticKey *crypto.KeyPair
	if cfg.StaticKey != nil {
		owned := *cfg.StaticKey
		staticKey = &owned
	} else {
		generated, err := crypto.GenerateKeyPair()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to generate static key: %w", err)
		}
		staticKey = generated
	}

	recentlyClosed, err := lru.New[connectKey, struct{}](recentlyClosedSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	h := &Host{
		id:             uuid.New().String(),
		conn:           conn,
		address:        address,
		staticKey:      staticKey,
		clock:          clk,
		epoch:          clk.Now(),
		peers:          make([]Peer, cfg.PeerCount),
		recentlyClosed: recentlyClosed,
		inbox:          make(chan datagram, inboxSize),
		readErr:        make(chan error, 1),
		closing:        make(chan struct{}),
		readerDone:     make(chan struct{}),
	}
	h.SetChannelLimit(cfg.ChannelLimit)
	h.SetBandwidthLimit(cfg.IncomingBandwidth, cfg.OutgoingBandwidth)
	h.setPeerDefaults(cfg)

	for i := range h.peers {
		p := &h.peers[i]
		p.host = h
		p.index = uint16(i)
		h.clearPeer(p)
	}

	go h.readLoop()
	success = true

	logrus.WithFields(logrus.Fields{
		"component":  "Host",
		"function":   "Create",
		"host_id":    h.id,
		"address":    h.address.String(),
		"peer_count": len(h.peers),
	}).Info("Created host")

	return h, nil
}

func (h *Host) setPeerDefaults(cfg Config) {
	h.pingInterval = cfg.PingInterval
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	h.timeoutLimit = cfg.TimeoutLimit
	if h.timeoutLimit <= 0 {
		h.timeoutLimit = DefaultTimeoutLimit
	}
	h.timeoutMinimum = cfg.TimeoutMinimum
	if h.timeoutMinimum <= 0 {
		h.timeoutMinimum = DefaultTimeoutMinimum
	}
	h.timeoutMaximum = cfg.TimeoutMaximum
	if h.timeoutMaximum <= 0 {
		h.timeoutMaximum = DefaultTimeoutMaximum
	}
}

// ID returns the instance id used in log fields.
func (h *Host) ID() string { return h.id }

// Address returns the bound local address.
func (h *Host) Address() netip.AddrPort { return h.address }

// PublicKey returns the static handshake key of this host.
func (h *Host) PublicKey() [32]byte { return h.staticKey.Public }

// PeerCount returns the size of the peer table.
func (h *Host) PeerCount() int { return len(h.peers) }

// Peers returns the peer table. The slice is allocated once and never
// resized, so element addresses are stable for the lifetime of the host.
func (h *Host) Peers() []Peer { return h.peers }

// ChannelLimit returns the channel limit applied to inbound connections.
// It is never zero.
func (h *Host) ChannelLimit() int { return h.channelLimit }

// SetChannelLimit sets the channel limit for future inbound connections.
// Zero or anything above limits.MaxChannelCount selects the maximum.
func (h *Host) SetChannelLimit(limit int) {
	if limit <= 0 || limit > limits.MaxChannelCount {
		limit = limits.MaxChannelCount
	}
	h.channelLimit = limit
}

// IncomingBandwidth returns the downstream limit in bytes per second, zero if unlimited.
func (h *Host) IncomingBandwidth() uint32 { return h.incomingBandwidth }

// OutgoingBandwidth returns the upstream limit in bytes per second, zero if unlimited.
func (h *Host) OutgoingBandwidth() uint32 { return h.outgoingBandwidth }

// SetBandwidthLimit sets the host bandwidth limits in bytes per second; zero
// means unlimited. The incoming limit is advertised to future connections, the
// outgoing limit throttles user data sent by this host.
func (h *Host) SetBandwidthLimit(incoming, outgoing uint32) {
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing
	h.throttle = newThrottle(outgoing)
}

// Connect starts an outbound connection and returns its slot in the
// Connecting state, or nil when no slot is free. Completion is reported by
// an EventConnect; failure by an EventDisconnect.
func (h *Host) Connect(addr netip.AddrPort, channelCount int, data uint32) *Peer {
	logger := logrus.WithFields(logrus.Fields{
		"component": "Host",
		"function":  "Connect",
		"host_id":   h.id,
		"address":   addr.String(),
	})

	if h.destroyed || !addr.IsValid() {
		logger.Debug("Rejected connect request")
		return nil
	}
	addr = normalizeAddrPort(addr)
	channelCount = limits.ClampChannelCount(channelCount, limits.MaxChannelCount)

	p := h.freeSlot()
	if p == nil {
		logger.Warn("No free peer slot for outbound connection")
		return nil
	}

	hs, err := newXXHandshake(h.staticKey, initiator)
	if err != nil {
		logger.WithError(err).Error("Failed to start handshake")
		return nil
	}
	connectID, err := newConnectID()
	if err != nil {
		logger.WithError(err).Error("Failed to generate connect id")
		return nil
	}
	msg, err := hs.writeMessage(connectParams{
		ChannelCount:      channelCount,
		Data:              data,
		IncomingBandwidth: h.incomingBandwidth,
		OutgoingBandwidth: h.outgoingBandwidth,
	}.encode())
	if err != nil {
		logger.WithError(err).Error("Failed to write handshake")
		return nil
	}

	now := h.clock.Now()
	p.state = StateConnecting
	p.address = addr
	p.connectID = connectID
	p.connectData = data
	p.setupChannels(channelCount)
	p.handshake = hs
	p.handshakeFrame = handshakeDatagram(noPeerID, cmdConnect, handshakeFrame{
		PeerID:    p.index,
		ConnectID: connectID,
		Message:   msg,
	})
	p.handshakeStarted = now
	p.handshakeNext = now
	p.handshakeTimeout = p.retransmitTimeout()

	logger.WithFields(logrus.Fields{
		"peer_id":       p.index,
		"channel_count": channelCount,
	}).Debug("Connecting")

	return p
}

// Service sends and receives protocol traffic and returns one event if
// available. It returns 1 when ev was filled, 0 when no event occurred
// within timeout and a negative value on failure. A timeout below one
// millisecond never blocks.
func (h *Host) Service(ev *Event, timeout time.Duration) int {
	if ev != nil {
		*ev = Event{}
	}
	if h.destroyed || h.failure != nil {
		return -1
	}
	if h.dispatch(ev) {
		return 1
	}

	deadline := h.clock.Now().Add(timeout)
	for {
		if err := h.receiveIncoming(); err != nil {
			return -1
		}
		h.sendOutgoing()
		if h.dispatch(ev) {
			return 1
		}
		if timeout < time.Millisecond {
			return 0
		}

		now := h.clock.Now()
		if !now.Before(deadline) {
			return 0
		}
		wait := deadline.Sub(now)
		if next := h.nextDue(now); next > 0 && next < wait {
			wait = next
		}
		if err := h.wait(wait); err != nil {
			return -1
		}
	}
}

// CheckEvents returns one event if one is already queued or can be produced
// from datagrams that have already arrived. It never blocks and sends nothing.
func (h *Host) CheckEvents(ev *Event) int {
	if ev == nil {
		return -1
	}
	*ev = Event{}
	if h.destroyed || h.failure != nil {
		return -1
	}
	if h.dispatch(ev) {
		return 1
	}
	if err := h.receiveIncoming(); err != nil {
		return -1
	}
	if h.dispatch(ev) {
		return 1
	}
	return 0
}

// Flush sends every queued command without waiting for the next Service call.
func (h *Host) Flush() {
	if h.destroyed {
		return
	}
	h.sendOutgoing()
}

// Destroy notifies connected peers, closes the socket and releases the
// transport reference. The host's copy of the static key is wiped. Peer data
// is left for the caller to release.
func (h *Host) Destroy() error {
	if h.destroyed {
		return nil
	}

	var err error
	for i := range h.peers {
		p := &h.peers[i]
		if !p.hasSession() {
			continue
		}
		notice := command{Type: cmdDisconnect, ChannelID: systemChannel, Data: encodeReason(0)}
		err = multierr.Append(err, h.sendCommands(p, []command{notice}))
	}

	h.destroyed = true
	close(h.closing)
	if cerr := h.conn.Close(); cerr != nil {
		err = multierr.Append(err, newNetError("close", h.address.String(), cerr))
	}
	<-h.readerDone
	h.events = nil
	for i := range h.peers {
		if hs := h.peers[i].handshake; hs != nil {
			hs.wipe()
		}
	}
	err = multierr.Append(err, crypto.WipeKeyPair(h.staticKey))
	Deinitialize()

	logrus.WithFields(logrus.Fields{
		"component": "Host",
		"function":  "Destroy",
		"host_id":   h.id,
		"address":   h.address.String(),
	}).Info("Destroyed host")

	return err
}

// dispatch pops the next queued event into ev. A dispatched Disconnect frees
// its slot, which may then be reused by the next Service call.
func (h *Host) dispatch(ev *Event) bool {
	if ev == nil || len(h.events) == 0 {
		return false
	}
	*ev = h.events[0]
	h.events[0] = Event{}
	h.events = h.events[1:]
	if len(h.events) == 0 {
		h.events = nil
	}

	if ev.Type == EventDisconnect && ev.Peer.state == StateZombie {
		h.clearPeer(ev.Peer)
	}
	return true
}

func (h *Host) queueEvent(ev Event) {
	h.events = append(h.events, ev)
}

// zombify ends a connection and queues its Disconnect event.
func (h *Host) zombify(p *Peer, reason uint32) {
	p.logger().WithField("reason", reason).Info("Peer disconnected")
	p.state = StateZombie
	p.eventData = reason
	p.outgoing = nil
	p.sentReliable = nil
	h.queueEvent(Event{Type: EventDisconnect, Peer: p, Data: reason})
}

// resetPeer silently frees a slot, discarding its queued events.
func (h *Host) resetPeer(p *Peer) {
	if len(h.events) > 0 {
		kept := h.events[:0]
		for _, ev := range h.events {
			if ev.Peer != p {
				kept = append(kept, ev)
			}
		}
		for i := len(kept); i < len(h.events); i++ {
			h.events[i] = Event{}
		}
		h.events = kept
	}
	h.clearPeer(p)
}

// clearPeer returns a slot to StateDisconnected. Attached data is preserved;
// releasing it is the caller's business.
func (h *Host) clearPeer(p *Peer) {
	if p.connectID != 0 && p.address.IsValid() {
		h.recentlyClosed.Add(connectKey{addr: p.address, connectID: p.connectID}, struct{}{})
	}

	if p.handshake != nil {
		p.handshake.wipe()
	}
	*p = Peer{host: h, index: p.index, data: p.data}
	p.rtt = DefaultRoundTripTime
	p.pingInterval = h.pingInterval
	p.timeoutLimit = h.timeoutLimit
	p.timeoutMinimum = h.timeoutMinimum
	p.timeoutMaximum = h.timeoutMaximum
}

func (h *Host) freeSlot() *Peer {
	for i := range h.peers {
		if h.peers[i].state == StateDisconnected {
			return &h.peers[i]
		}
	}
	return nil
}

// timestamp is the 16-bit millisecond clock echoed by acknowledgements.
func (h *Host) timestamp(now time.Time) uint16 {
	return uint16(now.Sub(h.epoch) / time.Millisecond)
}

// nextDue returns how long until the earliest retransmission, handshake
// resend or ping is due, or zero if nothing is scheduled.
func (h *Host) nextDue(now time.Time) time.Duration {
	var due time.Duration
	set := false
	consider := func(t time.Time) {
		d := t.Sub(now)
		if !set || d < due {
			due, set = d, true
		}
	}

	for i := range h.peers {
		p := &h.peers[i]
		switch p.state {
		case StateConnecting, StateAcknowledgingConnect:
			consider(p.handshakeNext)
		case StateConnected, StateDisconnectLater, StateDisconnecting:
			for _, oc := range p.sentReliable {
				consider(oc.sentTime.Add(oc.rtTimeout))
			}
			if p.state == StateConnected {
				consider(p.lastReceiveTime.Add(p.pingInterval))
			}
			if len(p.outgoing) > 0 {
				consider(now.Add(throttleRecheck))
			}
		}
	}

	if !set {
		return 0
	}
	if due < time.Millisecond {
		due = time.Millisecond
	}
	return due
}

// receiveIncoming processes every datagram already delivered by the reader.
func (h *Host) receiveIncoming() error {
	for i := 0; i < inboxSize; i++ {
		select {
		case dg := <-h.inbox:
			h.handleDatagram(dg)
		case err := <-h.readErr:
			h.fail(err)
			return err
		default:
			return nil
		}
	}
	return nil
}

// wait blocks until a datagram arrives or d elapses.
func (h *Host) wait(d time.Duration) error {
	timer := h.clock.Timer(d)
	defer timer.Stop()

	select {
	case dg := <-h.inbox:
		h.handleDatagram(dg)
	case err := <-h.readErr:
		h.fail(err)
		return err
	case <-timer.C:
	}
	return nil
}

func (h *Host) fail(err error) {
	h.failure = err
	logrus.WithFields(logrus.Fields{
		"component": "Host",
		"function":  "fail",
		"host_id":   h.id,
		"error":     err.Error(),
	}).Error("Socket failed")
}

// readLoop copies datagrams from the socket into the inbox. It never
// touches protocol state.
func (h *Host) readLoop() {
	defer close(h.readerDone)

	buffer := make([]byte, limits.MaxDatagramSize)
	for {
		n, addr, err := h.conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-h.closing:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case h.readErr <- newNetError("read", h.address.String(), err):
			default:
			}
			return
		}

		from, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		dg := datagram{data: append([]byte(nil), buffer[:n]...), from: from}

		select {
		case h.inbox <- dg:
		case <-h.closing:
			return
		default:
			logrus.WithFields(logrus.Fields{
				"component":   "Host",
				"host_id":     h.id,
				"remote_addr": from.String(),
			}).Warn("Dropped datagram due to full inbox")
		}
	}
}

func (h *Host) sendRaw(addr netip.AddrPort, data []byte) error {
	if _, err := h.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr)); err != nil {
		return newNetError("write", addr.String(), err)
	}
	return nil
}

func handshakeDatagram(peerID uint16, t commandType, f handshakeFrame) []byte {
	cmd := command{Type: t, ChannelID: systemChannel, Data: f.encode()}
	buf := datagramHeader{PeerID: peerID}.appendTo(make([]byte, 0, headerSize+cmd.encodedLen()))
	return cmd.appendTo(buf)
}

func newConnectID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id, nil
		}
	}
}

// addrPortOf converts a socket address, unmapping IPv4-in-IPv6 so that
// addresses compare equal regardless of socket family.
func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return normalizeAddrPort(ap), ap.IsValid()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return normalizeAddrPort(ap), true
	}
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
