package transport

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerhost/limits"
)

// PeerState is the connection state of one peer slot.
type PeerState uint8

const (
	// StateDisconnected marks a free slot.
	StateDisconnected PeerState = iota
	// StateConnecting is an outbound connection waiting for VERIFY_CONNECT.
	StateConnecting
	// StateAcknowledgingConnect is an inbound connection waiting for CONFIRM_CONNECT.
	StateAcknowledgingConnect
	// StateConnected is an established connection.
	StateConnected
	// StateDisconnectLater disconnects once queued reliable data is acknowledged.
	StateDisconnectLater
	// StateDisconnecting waits for the remote to acknowledge DISCONNECT.
	StateDisconnecting
	// StateZombie is a dead connection whose Disconnect event is not yet dispatched.
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging_connect"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect_later"
	case StateDisconnecting:
		return "disconnecting"
	case StateZombie:
		return "zombie"
	default:
		return fmt.Sprintf("PeerState(%d)", uint8(s))
	}
}

// PacketFlag selects the delivery mode of a packet.
type PacketFlag uint8

const (
	// FlagReliable packets are retransmitted until acknowledged and delivered in order.
	FlagReliable PacketFlag = 1 << iota
	// FlagUnsequenced packets are delivered unreliably and without ordering.
	FlagUnsequenced
)

// Packet is a payload sent to or received from a peer. A packet with
// neither flag set is unreliable but sequenced: stale packets are dropped.
type Packet struct {
	Data  []byte
	Flags PacketFlag
}

// channel tracks sequencing for one direction-pair of a channel.
type channel struct {
	outgoingReliableSeq   uint64
	outgoingUnreliableSeq uint64
	incomingReliableSeq   uint64
	incomingUnreliableSeq uint64
	pending               map[uint64]command
}

// maxReliableWindow bounds how far ahead of the next expected sequence an
// out-of-order reliable command is buffered.
const maxReliableWindow = 1024

// outgoingCommand is a reliable command awaiting acknowledgement.
type outgoingCommand struct {
	cmd            command
	sentTime       time.Time
	rtTimeout      time.Duration
	rtTimeoutLimit time.Duration
	sendAttempts   int
}

// Peer is one slot of a host's peer table. Slots are allocated once when the
// host is created and reused for successive connections.
type Peer struct {
	host  *Host
	index uint16

	state          PeerState
	address        netip.AddrPort
	outgoingPeerID uint16
	connectID      uint32
	connectData    uint32
	eventData      uint32
	remoteKey      [32]byte

	incomingBandwidth uint32
	outgoingBandwidth uint32

	handshake         *xxHandshake
	handshakeFrame    []byte
	handshakeStarted  time.Time
	handshakeNext     time.Time
	handshakeTimeout  time.Duration
	handshakeAttempts int

	session  *session
	channels []channel
	system   channel

	outgoing     []command
	sentReliable []*outgoingCommand
	acks         []command

	rtt             time.Duration
	rttVariance     time.Duration
	rttMeasured     bool
	lastReceiveTime time.Time
	lastSendTime    time.Time
	earliestTimeout time.Time

	pingInterval   time.Duration
	timeoutLimit   int
	timeoutMinimum time.Duration
	timeoutMaximum time.Duration

	data any
}

// State returns the connection state.
func (p *Peer) State() PeerState { return p.state }

// Address returns the remote address of the connection, if any.
func (p *Peer) Address() netip.AddrPort { return p.address }

// ChannelCount returns the number of channels negotiated for the connection.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// RoundTripTime returns the smoothed round-trip time estimate.
func (p *Peer) RoundTripTime() time.Duration { return p.rtt }

// RoundTripTimeVariance returns the round-trip time variance estimate.
func (p *Peer) RoundTripTimeVariance() time.Duration { return p.rttVariance }

// ConnectData returns the user data supplied by the side that initiated the connection.
func (p *Peer) ConnectData() uint32 { return p.connectData }

// RemoteKey returns the remote static public key authenticated by the handshake.
func (p *Peer) RemoteKey() [32]byte { return p.remoteKey }

// IncomingBandwidth returns the downstream bandwidth advertised by the remote host.
func (p *Peer) IncomingBandwidth() uint32 { return p.incomingBandwidth }

// OutgoingBandwidth returns the upstream bandwidth advertised by the remote host.
func (p *Peer) OutgoingBandwidth() uint32 { return p.outgoingBandwidth }

// Data returns the application data attached to the slot. The transport
// never modifies it; ownership belongs to the caller.
func (p *Peer) Data() any { return p.data }

// SetData attaches application data to the slot.
func (p *Peer) SetData(data any) { p.data = data }

// SetPingInterval sets how long a connection may stay idle before a PING is sent.
func (p *Peer) SetPingInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPingInterval
	}
	p.pingInterval = d
}

// SetTimeout configures when an unresponsive connection is dropped: after
// limit retransmissions once minimum has elapsed, or unconditionally after
// maximum. Zero values select the defaults.
func (p *Peer) SetTimeout(limit int, minimum, maximum time.Duration) {
	if limit <= 0 {
		limit = DefaultTimeoutLimit
	}
	if minimum <= 0 {
		minimum = DefaultTimeoutMinimum
	}
	if maximum <= 0 {
		maximum = DefaultTimeoutMaximum
	}
	p.timeoutLimit, p.timeoutMinimum, p.timeoutMaximum = limit, minimum, maximum
}

// Send queues a packet on a channel. Only connected peers accept packets.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.state != StateConnected {
		return fmt.Errorf("%w: peer %d is %s", ErrNotConnected, p.index, p.state)
	}
	if int(channelID) >= len(p.channels) {
		return fmt.Errorf("%w: channel %d of %d", ErrInvalidChannel, channelID, len(p.channels))
	}
	if err := limits.ValidatePacketPayload(packet.Data); err != nil {
		return err
	}

	ch := &p.channels[channelID]
	cmd := command{ChannelID: channelID, Data: append([]byte(nil), packet.Data...)}
	switch {
	case packet.Flags&FlagReliable != 0:
		ch.outgoingReliableSeq++
		cmd.Type = cmdSendReliable
		cmd.Sequence = ch.outgoingReliableSeq
	case packet.Flags&FlagUnsequenced != 0:
		cmd.Type = cmdSendUnsequenced
	default:
		ch.outgoingUnreliableSeq++
		cmd.Type = cmdSendUnreliable
		cmd.Sequence = ch.outgoingUnreliableSeq
	}
	p.outgoing = append(p.outgoing, cmd)
	return nil
}

// Ping queues a reliable PING, refreshing the round-trip estimate.
func (p *Peer) Ping() {
	if p.state != StateConnected {
		return
	}
	p.queueSystem(cmdPing, nil)
}

// Disconnect requests a graceful disconnection. A Disconnect event is
// generated for this peer once the remote acknowledges it, or when the
// request times out.
func (p *Peer) Disconnect(data uint32) {
	switch p.state {
	case StateDisconnected, StateDisconnecting, StateZombie:
		return
	case StateConnecting:
		p.host.zombify(p, data)
		return
	case StateAcknowledgingConnect:
		p.host.resetPeer(p)
		return
	}

	p.eventData = data
	p.dropUnreliable()
	p.queueSystem(cmdDisconnect, encodeReason(data))
	p.state = StateDisconnecting
}

// DisconnectNow sends one unreliable DISCONNECT notice and frees the slot
// immediately. No Disconnect event is generated for this peer.
func (p *Peer) DisconnectNow(data uint32) {
	if p.state == StateDisconnected {
		return
	}
	if p.session != nil && p.state != StateZombie {
		notice := command{Type: cmdDisconnect, ChannelID: systemChannel, Data: encodeReason(data)}
		if err := p.host.sendCommands(p, []command{notice}); err != nil {
			p.logger().WithError(err).Debug("Failed to send disconnect notice")
		}
	}
	p.host.resetPeer(p)
}

// DisconnectLater disconnects once every queued outgoing packet has been sent
// and acknowledged.
func (p *Peer) DisconnectLater(data uint32) {
	if p.state == StateConnected && (len(p.outgoing) > 0 || len(p.sentReliable) > 0) {
		p.state = StateDisconnectLater
		p.eventData = data
		return
	}
	p.Disconnect(data)
}

// Reset drops the connection without notifying the remote and frees the slot.
// No Disconnect event is generated.
func (p *Peer) Reset() {
	p.host.resetPeer(p)
}

func (p *Peer) queueSystem(t commandType, data []byte) {
	p.system.outgoingReliableSeq++
	p.outgoing = append(p.outgoing, command{
		Type:      t,
		ChannelID: systemChannel,
		Sequence:  p.system.outgoingReliableSeq,
		Data:      data,
	})
}

func (p *Peer) dropUnreliable() {
	kept := p.outgoing[:0]
	for _, c := range p.outgoing {
		if c.isReliable() {
			kept = append(kept, c)
		}
	}
	p.outgoing = kept
}

// channelFor returns the sequencing state for a command's channel, or nil if
// the channel was not negotiated.
func (p *Peer) channelFor(id uint8) *channel {
	if id == systemChannel {
		return &p.system
	}
	if int(id) >= len(p.channels) {
		return nil
	}
	return &p.channels[id]
}

// hasSession reports whether sealed traffic can flow for this peer.
func (p *Peer) hasSession() bool {
	switch p.state {
	case StateConnected, StateDisconnectLater, StateDisconnecting:
		return p.session != nil
	default:
		return false
	}
}

func (p *Peer) setupChannels(n int) {
	p.channels = make([]channel, n)
}

// updateRoundTrip folds one round-trip sample into the smoothed estimate.
func (p *Peer) updateRoundTrip(sample time.Duration) {
	if sample < time.Millisecond {
		sample = time.Millisecond
	}
	if !p.rttMeasured {
		p.rtt = sample
		p.rttVariance = sample / 2
		p.rttMeasured = true
		return
	}
	diff := sample - p.rtt
	p.rtt += diff / 8
	if diff < 0 {
		diff = -diff
	}
	p.rttVariance = p.rttVariance*3/4 + diff/4
}

// retransmitTimeout is the initial retransmission timeout for a new command.
func (p *Peer) retransmitTimeout() time.Duration {
	return p.rtt + 4*p.rttVariance
}

func (p *Peer) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": "Peer",
		"host_id":   p.host.id,
		"peer_id":   p.index,
		"address":   p.address.String(),
		"state":     p.state.String(),
	})
}
